// internal/infrastructure/persistence/postgres/migrator.go
package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"candle-pipeline/pkg/logger"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const downMarker = "-- DOWN Migration"

// undefinedTable - код ошибки PostgreSQL для отсутствующей таблицы
const undefinedTable = "42P01"

// Migrator управляет миграциями базы данных
type Migrator struct {
	db         *sqlx.DB
	migrations map[int]*Migration
}

// Migration представляет одну миграцию
type Migration struct {
	ID          int
	Name        string
	Description string
	UpSQL       string
	DownSQL     string
	Checksum    string
}

// MigrationRecord - строка таблицы migrations
type MigrationRecord struct {
	ID        int          `db:"id"`
	Name      string       `db:"name"`
	AppliedAt sql.NullTime `db:"applied_at"`
	Checksum  string       `db:"checksum"`
}

// MigrationStatus - состояние одной миграции
type MigrationStatus struct {
	ID        int       `json:"id"`
	Name      string    `json:"name"`
	Applied   bool      `json:"applied"`
	AppliedAt time.Time `json:"applied_at,omitempty"`
	Status    string    `json:"status"`
}

// NewMigrator создает новый мигратор
func NewMigrator(db *sqlx.DB) *Migrator {
	return &Migrator{
		db:         db,
		migrations: make(map[int]*Migration),
	}
}

// Init создает таблицу миграций
func (m *Migrator) Init(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS migrations (
		id INTEGER PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		description TEXT,
		applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		checksum VARCHAR(64) NOT NULL
	)`

	if _, err := m.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// LoadMigrations загружает файлы NNN_name.sql из fsys
func (m *Migrator) LoadMigrations(fsys fs.FS) error {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, filename := range files {
		id, name, err := parseMigrationFilename(filename)
		if err != nil {
			return err
		}
		content, err := fs.ReadFile(fsys, filename)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", filename, err)
		}
		if _, dup := m.migrations[id]; dup {
			return fmt.Errorf("duplicate migration ID %d: %s", id, filename)
		}

		up, down := splitMigration(string(content))
		m.migrations[id] = &Migration{
			ID:          id,
			Name:        name,
			Description: extractDescription(up),
			UpSQL:       up,
			DownSQL:     down,
			Checksum:    calculateChecksum(up),
		}
		logger.Debug("📄 Загружена миграция: %s", filename)
	}

	logger.Info("✅ Загружено миграций: %d", len(m.migrations))
	return nil
}

func (m *Migrator) orderedIDs() []int {
	ids := make([]int, 0, len(m.migrations))
	for id := range m.migrations {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Migrate применяет все непройденные миграции по порядку
func (m *Migrator) Migrate(ctx context.Context) error {
	if err := m.Init(ctx); err != nil {
		return err
	}

	applied, err := m.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	appliedCount := 0
	for _, id := range m.orderedIDs() {
		migration := m.migrations[id]
		if record, ok := applied[id]; ok {
			if record.Checksum != migration.Checksum {
				return fmt.Errorf("checksum mismatch for migration %d: %s", id, migration.Name)
			}
			continue
		}
		if err := m.apply(ctx, migration); err != nil {
			return fmt.Errorf("failed to apply migration %d: %s: %w", id, migration.Name, err)
		}
		appliedCount++
	}

	if appliedCount > 0 {
		logger.Info("✅ Применено новых миграций: %d", appliedCount)
	} else {
		logger.Info("✅ База данных в актуальном состоянии")
	}
	return nil
}

// Rollback откатывает последнюю примененную миграцию
func (m *Migrator) Rollback(ctx context.Context) error {
	var last MigrationRecord
	err := m.db.GetContext(ctx, &last, `SELECT id, name, applied_at, checksum FROM migrations ORDER BY id DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		logger.Info("ℹ️ Нет миграций для отката")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get last migration: %w", err)
	}

	migration, ok := m.migrations[last.ID]
	if !ok || migration.DownSQL == "" {
		return fmt.Errorf("no rollback SQL found for migration %d: %s", last.ID, last.Name)
	}

	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, migration.DownSQL); err != nil {
		return fmt.Errorf("failed to execute rollback SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM migrations WHERE id = $1`, last.ID); err != nil {
		return fmt.Errorf("failed to delete migration record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rollback: %w", err)
	}

	logger.Info("↩️ Откат миграции выполнен: %s", migration.Name)
	return nil
}

// Status возвращает состояние всех загруженных миграций
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	applied, err := m.appliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	var statuses []MigrationStatus
	for _, id := range m.orderedIDs() {
		migration := m.migrations[id]
		status := MigrationStatus{ID: id, Name: migration.Name, Status: "pending"}
		if record, ok := applied[id]; ok {
			status.Applied = true
			status.AppliedAt = record.AppliedAt.Time
			status.Status = "applied"
			if record.Checksum != migration.Checksum {
				status.Status = "checksum_mismatch"
			}
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// Validate проверяет последовательность ID и контрольные суммы
func (m *Migrator) Validate(ctx context.Context) error {
	if len(m.migrations) == 0 {
		return fmt.Errorf("no migrations loaded")
	}
	for i, id := range m.orderedIDs() {
		if id != i+1 {
			return fmt.Errorf("missing migration with ID %d", i+1)
		}
	}

	applied, err := m.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	var problems []string
	for id, record := range applied {
		migration, ok := m.migrations[id]
		if !ok {
			problems = append(problems, fmt.Sprintf("migration %d applied but not found in files", id))
			continue
		}
		if record.Checksum != migration.Checksum {
			problems = append(problems, fmt.Sprintf("migration %d (%s): checksum mismatch", id, migration.Name))
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

func (m *Migrator) appliedMigrations(ctx context.Context) (map[int]MigrationRecord, error) {
	var records []MigrationRecord
	err := m.db.SelectContext(ctx, &records, `SELECT id, name, applied_at, checksum FROM migrations ORDER BY id`)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == undefinedTable {
			return map[int]MigrationRecord{}, nil
		}
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}

	applied := make(map[int]MigrationRecord, len(records))
	for _, r := range records {
		applied[r.ID] = r
	}
	return applied, nil
}

func (m *Migrator) apply(ctx context.Context, migration *Migration) error {
	logger.Info("📤 Применение миграции: %s", migration.Name)

	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, migration.UpSQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO migrations (id, name, description, checksum) VALUES ($1, $2, $3, $4)`,
		migration.ID, migration.Name, migration.Description, migration.Checksum,
	); err != nil {
		return fmt.Errorf("failed to save migration record: %w", err)
	}

	return tx.Commit()
}

// Вспомогательные функции

func parseMigrationFilename(filename string) (int, string, error) {
	base := strings.TrimSuffix(filename, ".sql")

	parts := strings.SplitN(base, "_", 2)
	if len(parts) != 2 || parts[1] == "" {
		return 0, "", fmt.Errorf("invalid migration filename format: %s (expected: 001_name.sql)", filename)
	}

	var id int
	if _, err := fmt.Sscanf(parts[0], "%d", &id); err != nil || id <= 0 {
		return 0, "", fmt.Errorf("invalid migration ID in filename: %s", filename)
	}

	return id, strings.ReplaceAll(parts[1], "_", " "), nil
}

// splitMigration делит файл на UP и DOWN части по маркеру
func splitMigration(content string) (up, down string) {
	idx := strings.Index(content, downMarker)
	if idx < 0 {
		return strings.TrimSpace(content), ""
	}
	return strings.TrimSpace(content[:idx]), strings.TrimSpace(content[idx+len(downMarker):])
}

func extractDescription(sql string) string {
	for _, line := range strings.Split(sql, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "-- Description:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "-- Description:"))
		}
	}
	return "No description"
}

func calculateChecksum(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
