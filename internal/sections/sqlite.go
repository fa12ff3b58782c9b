package sections

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mycelial-network/mycelial/internal/registry"
	"github.com/mycelial-network/mycelial/internal/section"
)

const defaultPollInterval = 5 * time.Second

// SqliteSourceConfig reads new rows from one table of a SQLite database.
type SqliteSourceConfig struct {
	Kind           string `json:"name"`
	Path           string `json:"path"`
	Table          string `json:"table"`
	PollIntervalMS int64  `json:"poll_interval_ms,omitempty"`
}

func (c *SqliteSourceConfig) Name() string             { return c.Kind }
func (c *SqliteSourceConfig) Fields() []registry.Field { return registry.FieldsOf(c) }

type sqliteSource struct {
	cfg *SqliteSourceConfig
}

func newSqliteSource(cfg *SqliteSourceConfig) (section.Section, error) {
	if cfg.Path == "" || cfg.Table == "" {
		return nil, fmt.Errorf("sqlite_source requires path and table")
	}
	return &sqliteSource{cfg: cfg}, nil
}

// Start polls the table for rows past the persisted offset and emits each
// row downstream. The offset is stored once the batch is acknowledged by
// the sink send.
func (s *sqliteSource) Start(ctx context.Context, _ section.Stream, output section.Sink, ch *section.SectionChannel) error {
	db, err := sql.Open("sqlite", s.cfg.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.cfg.Path, err)
	}
	defer db.Close()

	state, err := ch.RetrieveState(ctx)
	if err != nil {
		return fmt.Errorf("retrieve state: %w", err)
	}
	var offset int64
	if state != nil {
		if v, ok := state.GetInt("offset"); ok {
			offset = v
		}
	}

	interval := defaultPollInterval
	if s.cfg.PollIntervalMS > 0 {
		interval = time.Duration(s.cfg.PollIntervalMS) * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		next, err := s.poll(ctx, db, output, ch, offset)
		if err != nil {
			return err
		}
		if next != offset {
			offset = next
			st := section.NewState()
			st.SetInt("offset", offset)
			if err := ch.StoreState(ctx, st); err != nil {
				return fmt.Errorf("store state: %w", err)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-ch.Commands():
			if _, ok := cmd.(section.Stop); ok {
				return nil
			}
		case <-ticker.C:
		}
	}
}

func (s *sqliteSource) poll(ctx context.Context, db *sql.DB, output section.Sink, ch *section.SectionChannel, offset int64) (int64, error) {
	query := fmt.Sprintf(`SELECT rowid, * FROM %q WHERE rowid > ? ORDER BY rowid`, s.cfg.Table)
	rows, err := db.QueryContext(ctx, query, offset)
	if err != nil {
		return offset, fmt.Errorf("query %s: %w", s.cfg.Table, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return offset, err
	}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return offset, err
		}
		record := make(map[string]any, len(columns)-1)
		var rowid int64
		for i, col := range columns {
			if i == 0 {
				rowid = values[0].(int64)
				continue
			}
			if b, ok := values[i].([]byte); ok {
				record[col] = string(b)
			} else {
				record[col] = values[i]
			}
		}
		weak := ch.Weak()
		msg := section.NewMessage(s.cfg.Table, record, func() { weak.Ack(rowid) })
		if err := output.Send(ctx, msg); err != nil {
			return offset, fmt.Errorf("send row: %w", err)
		}
		offset = rowid
	}
	return offset, rows.Err()
}

// SqliteDestinationConfig appends incoming payloads to a SQLite table as
// JSON records.
type SqliteDestinationConfig struct {
	Kind  string `json:"name"`
	Path  string `json:"path"`
	Table string `json:"table"`
}

func (c *SqliteDestinationConfig) Name() string             { return c.Kind }
func (c *SqliteDestinationConfig) Fields() []registry.Field { return registry.FieldsOf(c) }

type sqliteDestination struct {
	cfg *SqliteDestinationConfig
}

func newSqliteDestination(cfg *SqliteDestinationConfig) (section.Section, error) {
	if cfg.Path == "" || cfg.Table == "" {
		return nil, fmt.Errorf("sqlite_destination requires path and table")
	}
	return &sqliteDestination{cfg: cfg}, nil
}

func (s *sqliteDestination) Start(ctx context.Context, input section.Stream, _ section.Sink, ch *section.SectionChannel) error {
	db, err := sql.Open("sqlite", s.cfg.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.cfg.Path, err)
	}
	defer db.Close()

	create := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %q (origin TEXT NOT NULL, data TEXT NOT NULL)`, s.cfg.Table)
	if _, err := db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("create %s: %w", s.cfg.Table, err)
	}
	insert := fmt.Sprintf(`INSERT INTO %q (origin, data) VALUES (?, ?)`, s.cfg.Table)

	inC := make(chan section.Message)
	errC := make(chan error, 1)
	go func() {
		for {
			msg, err := input.Next(ctx)
			if err != nil {
				errC <- err
				return
			}
			select {
			case inC <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-ch.Commands():
			if _, ok := cmd.(section.Stop); ok {
				return nil
			}
		case err := <-errC:
			return err
		case msg := <-inC:
			raw, err := json.Marshal(msg.Payload)
			if err != nil {
				return fmt.Errorf("encode payload: %w", err)
			}
			if _, err := db.ExecContext(ctx, insert, msg.Origin, string(raw)); err != nil {
				return fmt.Errorf("insert record: %w", err)
			}
			msg.Ack()
		}
	}
}
