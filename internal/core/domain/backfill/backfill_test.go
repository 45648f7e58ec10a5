package backfill

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"candle-pipeline/internal/infrastructure/api/exchanges/okx"
	inmemory "candle-pipeline/internal/infrastructure/persistence/in_memory_storage"
	"candle-pipeline/internal/types"
	"candle-pipeline/internal/types/storage"
	"candle-pipeline/pkg/period"

	"github.com/shopspring/decimal"
)

var day = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time {
	return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

func minuteBar(symbol string, barTime time.Time) types.Bar {
	one := decimal.NewFromInt(1)
	return types.Bar{Symbol: symbol, Period: period.M1, BarTime: barTime, Open: one, High: one, Low: one, Close: one, Volume: one, SourceCount: 1}
}

func seed(t *testing.T, store *inmemory.BarStorage, symbol string, times ...time.Time) {
	t.Helper()
	for _, ts := range times {
		if _, err := store.Save(context.Background(), minuteBar(symbol, ts)); err != nil {
			t.Fatal(err)
		}
	}
}

func equalTimes(a, b []time.Time) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

func TestDetectMissingScenario(t *testing.T) {
	store := inmemory.NewBarStorage()
	seed(t, store, "BTC-USDT", at(10, 0), at(10, 1), at(10, 5), at(10, 6), at(10, 7), at(10, 8), at(10, 9))

	missing, err := NewGapDetector(store).DetectMissing(context.Background(), "BTC-USDT", at(10, 0), at(10, 10))
	if err != nil {
		t.Fatal(err)
	}
	want := []time.Time{at(10, 2), at(10, 3), at(10, 4)}
	if !equalTimes(missing, want) {
		t.Errorf("missing = %v, want %v", missing, want)
	}
}

func TestDetectMissingEmptyAndFull(t *testing.T) {
	store := inmemory.NewBarStorage()
	d := NewGapDetector(store)

	missing, _ := d.DetectMissing(context.Background(), "ETH-USDT", at(10, 0), at(10, 10))
	if len(missing) != 10 || !missing[0].Equal(at(10, 0)) || !missing[9].Equal(at(10, 9)) {
		t.Errorf("empty store: %v", missing)
	}

	for m := 0; m < 10; m++ {
		seed(t, store, "ETH-USDT", at(10, m))
	}
	missing, _ = d.DetectMissing(context.Background(), "ETH-USDT", at(10, 0), at(10, 10))
	if len(missing) != 0 {
		t.Errorf("full store: %v", missing)
	}

	missing, _ = d.DetectMissing(context.Background(), "ETH-USDT", at(10, 10), at(10, 10))
	if len(missing) != 0 {
		t.Errorf("empty range: %v", missing)
	}
}

func testFetcher(v VenueClient, now time.Time, s *noSleep, limit int) *HistoricalFetcher {
	return NewHistoricalFetcher(v, FetcherConfig{
		PageLimit:    limit,
		PageDelay:    5 * time.Millisecond,
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
		Now:          func() time.Time { return now },
		Sleep:        s.sleep,
	})
}

func TestFetchMapsOpenTimeToBarTime(t *testing.T) {
	venue := newFakeVenue()
	venue.addMinutes(at(9, 0), 120)
	f := testFetcher(venue, day.Add(48*time.Hour), &noSleep{}, 300)

	bars, err := f.Fetch(context.Background(), "BTC-USDT", []time.Time{at(10, 4), at(10, 2), at(10, 3)})
	if err != nil {
		t.Fatal(err)
	}
	if len(bars) != 3 {
		t.Fatalf("bars = %d", len(bars))
	}
	// barTime 10:02 - свеча, открытая в 10:01 (i = 61)
	if !bars[0].BarTime.Equal(at(10, 2)) || !bars[0].Close.Equal(decimal.NewFromInt(161)) || bars[0].Period != period.M1 {
		t.Errorf("first = %s close %s", bars[0].BarTime, bars[0].Close)
	}
	if venue.callCount() != 1 || venue.calls[0].endpoint != "history" || venue.calls[0].after != at(10, 4).UnixMilli() {
		t.Errorf("calls = %+v", venue.calls)
	}
}

func TestFetchPagesBackward(t *testing.T) {
	venue := newFakeVenue()
	venue.addMinutes(at(9, 0), 120)
	sleeper := &noSleep{}
	f := testFetcher(venue, day.Add(48*time.Hour), sleeper, 10)

	bars, err := f.FetchRange(context.Background(), "BTC-USDT", at(10, 0), at(10, 30))
	if err != nil {
		t.Fatal(err)
	}
	if len(bars) != 30 || !bars[0].BarTime.Equal(at(10, 0)) || !bars[29].BarTime.Equal(at(10, 29)) {
		t.Fatalf("bars = %d (%v .. %v)", len(bars), bars[0].BarTime, bars[len(bars)-1].BarTime)
	}
	if venue.callCount() != 3 {
		t.Errorf("calls = %d", venue.callCount())
	}
	if len(sleeper.delays) != 2 || sleeper.delays[0] != 5*time.Millisecond {
		t.Errorf("delays = %v", sleeper.delays)
	}
}

func TestFetchUsesRecentEndpointToday(t *testing.T) {
	venue := newFakeVenue()
	venue.addMinutes(at(9, 0), 120)
	f := testFetcher(venue, at(12, 0), &noSleep{}, 300)

	if _, err := f.Fetch(context.Background(), "BTC-USDT", []time.Time{at(10, 5)}); err != nil {
		t.Fatal(err)
	}
	if venue.calls[0].endpoint != "candles" {
		t.Errorf("endpoint = %s", venue.calls[0].endpoint)
	}
}

func TestFetchStopsOnEmptyPage(t *testing.T) {
	venue := newFakeVenue()
	f := testFetcher(venue, day.Add(48*time.Hour), &noSleep{}, 300)

	bars, err := f.Fetch(context.Background(), "BTC-USDT", []time.Time{at(10, 5), at(10, 6)})
	if err != nil || len(bars) != 0 {
		t.Errorf("bars = %v err = %v", bars, err)
	}
	if venue.callCount() != 1 {
		t.Errorf("calls = %d", venue.callCount())
	}
}

func TestFetchSkipsUnconfirmedCandle(t *testing.T) {
	venue := newFakeVenue()
	venue.addMinutes(at(10, 0), 5)
	c := venue.candles[at(10, 4).UnixMilli()]
	c.Confirmed = false
	venue.candles[at(10, 4).UnixMilli()] = c

	f := testFetcher(venue, day.Add(48*time.Hour), &noSleep{}, 300)
	bars, _ := f.Fetch(context.Background(), "BTC-USDT", []time.Time{at(10, 4), at(10, 5)})
	if len(bars) != 1 || !bars[0].BarTime.Equal(at(10, 4)) {
		t.Errorf("bars = %v", bars)
	}
}

func TestFetchRetriesTransientErrors(t *testing.T) {
	venue := newFakeVenue()
	venue.addMinutes(at(10, 0), 10)
	venue.errs = []error{
		&okx.StatusError{StatusCode: 503},
		&net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED},
	}
	sleeper := &noSleep{}
	f := testFetcher(venue, day.Add(48*time.Hour), sleeper, 300)

	bars, err := f.Fetch(context.Background(), "BTC-USDT", []time.Time{at(10, 3)})
	if err != nil || len(bars) != 1 {
		t.Fatalf("bars = %v err = %v", bars, err)
	}
	if venue.callCount() != 3 {
		t.Errorf("calls = %d", venue.callCount())
	}
	if len(sleeper.delays) != 2 || sleeper.delays[0] != 100*time.Millisecond || sleeper.delays[1] != 200*time.Millisecond {
		t.Errorf("delays = %v", sleeper.delays)
	}
}

func TestFetchGivesUpAfterRetries(t *testing.T) {
	venue := newFakeVenue()
	venue.failErr = &okx.StatusError{StatusCode: 502}
	f := testFetcher(venue, day.Add(48*time.Hour), &noSleep{}, 300)

	_, err := f.Fetch(context.Background(), "BTC-USDT", []time.Time{at(10, 3)})
	var statusErr *okx.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("err = %v", err)
	}
	if venue.callCount() != 4 {
		t.Errorf("calls = %d, want 1 + 3 retries", venue.callCount())
	}
}

func TestFetchDoesNotRetryMalformed(t *testing.T) {
	venue := newFakeVenue()
	venue.failErr = fmt.Errorf("okx: %w: bad tuple", okx.ErrMalformedResponse)
	f := testFetcher(venue, day.Add(48*time.Hour), &noSleep{}, 300)

	if _, err := f.Fetch(context.Background(), "BTC-USDT", []time.Time{at(10, 3)}); !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("err = %v", err)
	}
	if venue.callCount() != 1 {
		t.Errorf("calls = %d", venue.callCount())
	}
}

func TestFetchReturnsPartialResultOnError(t *testing.T) {
	venue := newFakeVenue()
	venue.addMinutes(at(9, 0), 12*60)
	venue.failFrom = 1
	venue.failErr = fmt.Errorf("%w: oops", okx.ErrMalformedResponse)
	f := testFetcher(venue, day.Add(48*time.Hour), &noSleep{}, 10)

	// два далеких отрезка: первый загрузится, второй упадет
	bars, err := f.Fetch(context.Background(), "BTC-USDT", []time.Time{at(10, 2), at(18, 2)})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(bars) != 1 || !bars[0].BarTime.Equal(at(10, 2)) {
		t.Errorf("bars = %v", bars)
	}
}

func TestClusterSpans(t *testing.T) {
	spans := clusterSpans([]time.Time{at(10, 0), at(10, 1), at(10, 9), at(10, 30), at(10, 31)}, 10)
	if len(spans) != 2 || !spans[0].last.Equal(at(10, 9)) || !spans[1].first.Equal(at(10, 30)) {
		t.Errorf("spans = %+v", spans)
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"refused", fmt.Errorf("wrap: %w", syscall.ECONNREFUSED), true},
		{"reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, true},
		{"dns", &net.DNSError{Err: "no such host", Name: "www.okx.com"}, true},
		{"eof", io.ErrUnexpectedEOF, true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"http 503", &okx.StatusError{StatusCode: 503}, true},
		{"http 429", &okx.StatusError{StatusCode: 429}, true},
		{"http 400", &okx.StatusError{StatusCode: 400}, false},
		{"api rate", &okx.APIError{Code: "50011"}, true},
		{"api bad inst", &okx.APIError{Code: "51001"}, false},
		{"malformed", fmt.Errorf("x: %w", ErrMalformedResponse), false},
		{"plain", errors.New("boom"), false},
	}
	for _, c := range cases {
		if got := IsTransient(c.err); got != c.want {
			t.Errorf("%s: IsTransient = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestFillIsIdempotent(t *testing.T) {
	store := inmemory.NewBarStorage()
	filler := NewBackfillFiller(store)
	bars := []types.Bar{minuteBar("BTC-USDT", at(10, 2)), minuteBar("BTC-USDT", at(10, 3))}
	seed(t, store, "BTC-USDT", at(10, 3))

	n, err := filler.Fill(context.Background(), "BTC-USDT", bars)
	if err != nil || n != 1 {
		t.Errorf("first fill = %d, %v", n, err)
	}
	n, err = filler.Fill(context.Background(), "BTC-USDT", bars)
	if err != nil || n != 0 {
		t.Errorf("second fill = %d, %v", n, err)
	}
}

type capturePublisher struct {
	mu     sync.Mutex
	events []types.Event
}

func (p *capturePublisher) Publish(e types.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func newTestService(store storage.BarStore, fetcher Fetcher, registry storage.SubscriptionRegistry, pub Publisher, now time.Time) *Service {
	return NewService(NewGapDetector(store), fetcher, NewBackfillFiller(store), registry, ServiceConfig{
		Concurrency:   2,
		RecentMinutes: 30,
		Now:           func() time.Time { return now },
		Publisher:     pub,
	})
}

func TestSweepIsIdempotent(t *testing.T) {
	store := inmemory.NewBarStorage()
	seed(t, store, "BTC-USDT", at(10, 0), at(10, 1), at(10, 5), at(10, 6), at(10, 7), at(10, 8), at(10, 9))
	venue := newFakeVenue()
	venue.addMinutes(at(9, 0), 120)
	pub := &capturePublisher{}
	svc := newTestService(store, testFetcher(venue, day.Add(48*time.Hour), &noSleep{}, 300), storage.NewStaticRegistry(nil), pub, at(12, 0))
	defer svc.Stop()

	first := svc.Sweep(context.Background(), "BTC-USDT", at(10, 0), at(10, 10))
	if first.Err != nil || first.Missing != 3 || first.Fetched != 3 || first.Inserted != 3 {
		t.Errorf("first = %+v", first)
	}
	second := svc.Sweep(context.Background(), "BTC-USDT", at(10, 0), at(10, 10))
	if second.Err != nil || second.Missing != 0 || second.Inserted != 0 {
		t.Errorf("second = %+v", second)
	}
	if store.Count("BTC-USDT", period.M1) != 10 {
		t.Errorf("stored = %d", store.Count("BTC-USDT", period.M1))
	}

	if len(pub.events) != 2 {
		t.Fatalf("events = %d", len(pub.events))
	}
	data := pub.events[0].Data.(types.BackfillCompletedData)
	if data.RunID == "" || data.Inserted != 3 || pub.events[0].Type != types.EventBackfillCompleted {
		t.Errorf("event = %+v", data)
	}
}

func TestSweepAllIsolatesInstruments(t *testing.T) {
	store := inmemory.NewBarStorage()
	venue := newFakeVenue()
	venue.addMinutes(at(9, 0), 120)
	registry := storage.NewStaticRegistry([]string{"BTC-USDT", "ETH-USDT", "SOL-USDT"})
	svc := newTestService(store, testFetcher(venue, day.Add(48*time.Hour), &noSleep{}, 300), registry, nil, at(12, 0))
	defer svc.Stop()

	results, err := svc.SweepAll(context.Background(), at(10, 0), at(10, 10))
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d", len(results))
	}
	for _, r := range results {
		if r.Err != nil || r.Inserted != 10 {
			t.Errorf("%s: %+v", r.Symbol, r)
		}
	}
}

// blockingFetcher держит Fetch до release
type blockingFetcher struct {
	calls   chan struct{}
	release chan struct{}
}

func (f *blockingFetcher) Fetch(ctx context.Context, symbol string, missing []time.Time) ([]types.Bar, error) {
	f.calls <- struct{}{}
	select {
	case <-f.release:
	case <-ctx.Done():
	}
	return nil, nil
}

func TestTriggerRecentCoalesces(t *testing.T) {
	store := inmemory.NewBarStorage()
	fetcher := &blockingFetcher{calls: make(chan struct{}, 4), release: make(chan struct{})}
	svc := newTestService(store, fetcher, storage.NewStaticRegistry(nil), nil, at(12, 0))

	if !svc.TriggerRecent("BTC-USDT") {
		t.Fatal("first trigger ignored")
	}
	<-fetcher.calls
	if svc.TriggerRecent("BTC-USDT") {
		t.Error("concurrent trigger was not coalesced")
	}
	if !svc.TriggerRecent("ETH-USDT") {
		t.Error("other symbol must not be coalesced")
	}
	<-fetcher.calls

	close(fetcher.release)
	svc.Stop()

	if svc.TriggerRecent("BTC-USDT") {
		t.Error("trigger accepted after Stop")
	}
	if len(fetcher.calls) != 0 {
		t.Errorf("extra fetches: %d", len(fetcher.calls))
	}
}

func TestSweepRecentRange(t *testing.T) {
	store := inmemory.NewBarStorage()
	venue := newFakeVenue()
	venue.addMinutes(at(11, 0), 60)
	now := at(12, 0).Add(30 * time.Second)
	svc := newTestService(store, testFetcher(venue, now, &noSleep{}, 300), storage.NewStaticRegistry(nil), nil, now)
	defer svc.Stop()

	res := svc.SweepRecent(context.Background(), "BTC-USDT", 0)
	if !res.Start.Equal(at(11, 30)) || !res.End.Equal(at(12, 0)) || res.Missing != 30 || res.Inserted != 30 {
		t.Errorf("res = %+v", res)
	}
	if venue.calls[0].endpoint != "candles" {
		t.Errorf("endpoint = %s", venue.calls[0].endpoint)
	}
}
