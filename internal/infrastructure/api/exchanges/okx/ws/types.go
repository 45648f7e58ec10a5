// internal/infrastructure/api/exchanges/okx/ws/types.go
package ws

import "encoding/json"

const channelCandle1m = "candle1m"

type wsArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type wsSubscribeMsg struct {
	Op   string  `json:"op"`
	Args []wsArg `json:"args"`
}

// wsPush - push данных или системное событие (subscribe, error)
type wsPush struct {
	Event string            `json:"event"`
	Code  string            `json:"code"`
	Msg   string            `json:"msg"`
	Arg   wsArg             `json:"arg"`
	Data  []json.RawMessage `json:"data"`
}
