package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/mycelial-network/mycelial/internal/domain"
	"github.com/mycelial-network/mycelial/internal/metrics"
	"github.com/mycelial-network/mycelial/internal/section"
)

// StateKey addresses one section's persisted state: the owning subgraph
// fingerprint, the section id, and the section name.
type StateKey struct {
	TaskID      string
	SectionID   string
	SectionName string
}

type storeMsg struct {
	key   StateKey
	state *section.State
	reply chan error
}

type retrieveMsg struct {
	key   StateKey
	reply chan section.StateReply
}

type resetMsg struct {
	reply chan error
}

// SectionStore persists per-section opaque state. Operations are
// serialized through a single writer goroutine; callers await a reply. A
// failed operation is returned to its caller — the store itself keeps
// running.
type SectionStore struct {
	reqC     chan any
	stopC    chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewSectionStore starts the store's writer goroutine.
func NewSectionStore(db *DB) *SectionStore {
	s := &SectionStore{
		reqC:  make(chan any, 1),
		stopC: make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.run(db)
	return s
}

func (s *SectionStore) run(db *DB) {
	defer close(s.done)
	for {
		var msg any
		select {
		case msg = <-s.reqC:
		case <-s.stopC:
			return
		}
		switch m := msg.(type) {
		case storeMsg:
			err := storeState(db, m.key, m.state)
			if err != nil {
				log.Printf("[statestore] store %s/%s failed: %v", m.key.TaskID, m.key.SectionID, err)
				metrics.StateOps.WithLabelValues("store", "error").Inc()
			} else {
				metrics.StateOps.WithLabelValues("store", "ok").Inc()
			}
			m.reply <- err
		case retrieveMsg:
			state, err := retrieveState(db, m.key)
			if err != nil {
				log.Printf("[statestore] retrieve %s/%s failed: %v", m.key.TaskID, m.key.SectionID, err)
				metrics.StateOps.WithLabelValues("retrieve", "error").Inc()
			} else {
				metrics.StateOps.WithLabelValues("retrieve", "ok").Inc()
			}
			m.reply <- section.StateReply{State: state, Err: err}
		case resetMsg:
			_, err := db.db.Exec(`DELETE FROM state`)
			m.reply <- err
		}
	}
}

// Shutdown stops the writer goroutine. Late callers get
// domain.ErrChannelClosed instead of hanging.
func (s *SectionStore) Shutdown() {
	s.stopOnce.Do(func() { close(s.stopC) })
	<-s.done
}

// StoreState upserts the state stored under key.
func (s *SectionStore) StoreState(ctx context.Context, key StateKey, state *section.State) error {
	reply := make(chan error, 1)
	select {
	case s.reqC <- storeMsg{key: key, state: state, reply: reply}:
	case <-s.stopC:
		return domain.ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-s.stopC:
		return domain.ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetrieveState returns the state stored under key, or nil on a miss. A
// malformed stored payload reads as an empty state, not as an error.
func (s *SectionStore) RetrieveState(ctx context.Context, key StateKey) (*section.State, error) {
	reply := make(chan section.StateReply, 1)
	select {
	case s.reqC <- retrieveMsg{key: key, reply: reply}:
	case <-s.stopC:
		return nil, domain.ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.State, r.Err
	case <-s.stopC:
		return nil, domain.ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ResetState wipes all persisted section state.
func (s *SectionStore) ResetState(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case s.reqC <- resetMsg{reply: reply}:
	case <-s.stopC:
		return domain.ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-s.stopC:
		return domain.ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func storeState(db *DB, key StateKey, state *section.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	_, err = db.db.Exec(
		`INSERT INTO state (id, section_id, section_name, state) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id, section_id, section_name) DO UPDATE SET state = excluded.state`,
		key.TaskID, key.SectionID, key.SectionName, string(raw),
	)
	if err != nil {
		return fmt.Errorf("store state: %w", err)
	}
	return nil
}

func retrieveState(db *DB, key StateKey) (*section.State, error) {
	var raw string
	err := db.db.QueryRow(
		`SELECT state FROM state WHERE id = ? AND section_id = ? AND section_name = ?`,
		key.TaskID, key.SectionID, key.SectionName,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("retrieve state: %w", err)
	}
	state := section.NewState()
	if err := json.Unmarshal([]byte(raw), state); err != nil {
		// malformed payloads read as empty, not as errors
		return section.NewState(), nil
	}
	return state, nil
}
