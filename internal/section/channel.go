package section

import (
	"context"
	"sync"
	"time"

	"github.com/mycelial-network/mycelial/internal/domain"
)

const (
	rootQueueSize      = 64
	commandQueueSize   = 32
	stoppedSendTimeout = 5 * time.Second
)

// ─── Commands: supervisor → section ─────────────────────────────────────────

// Command is a message delivered to a section on its command channel.
type Command interface{ command() }

// Stop requests cooperative shutdown. A section may ignore it; the
// supervisor's shutdown bound then forces cancellation.
type Stop struct{}

// Ack carries a downstream acknowledgment back into the origin section.
type Ack struct{ Payload any }

func (Stop) command() {}
func (Ack) command()  {}

// ─── Requests: section → supervisor ─────────────────────────────────────────

// Request is a message a section sends up to its task supervisor.
type Request interface{ request() }

// Stopped is emitted when a section's channel is closed: normal exit,
// panic, or cancellation. It is the supervisor's termination signal.
type Stopped struct{ ID string }

// RetrieveState asks the supervisor for the section's persisted state.
// State is nil when nothing is stored.
type RetrieveState struct {
	ID    string
	Reply chan<- StateReply
}

// StoreState asks the supervisor to persist the section's state.
type StoreState struct {
	ID    string
	State *State
	Reply chan<- error
}

// Log forwards a section log line to observability.
type Log struct {
	ID      string
	Message string
}

// StateReply is the answer to a RetrieveState request.
type StateReply struct {
	State *State
	Err   error
}

func (Stopped) request()       {}
func (RetrieveState) request() {}
func (StoreState) request()    {}
func (Log) request()           {}

// ─── Root channel ───────────────────────────────────────────────────────────

// sendSide is the supervisor-held send side of one section's command
// channel. Closing marks it dead so later sends (including acks through
// weak handles) are dropped instead of piling up.
type sendSide struct {
	mu     sync.Mutex
	cmdC   chan Command
	closed bool
}

func (s *sendSide) send(cmd Command) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.cmdC <- cmd:
		return true
	default:
		return false
	}
}

func (s *sendSide) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// RootChannel is the fan-in/out between a task supervisor and its
// sections. The supervisor owns it exclusively.
type RootChannel struct {
	reqC    chan Request
	handles map[string]*sendSide
}

// NewRootChannel returns an empty root channel.
func NewRootChannel() *RootChannel {
	return &RootChannel{
		reqC:    make(chan Request, rootQueueSize),
		handles: make(map[string]*sendSide),
	}
}

// Requests exposes the fan-in side for the supervisor's select loop.
func (r *RootChannel) Requests() <-chan Request { return r.reqC }

// AddSection allocates a section channel stamped with the given id and
// registers its send side. Duplicate ids are an error.
func (r *RootChannel) AddSection(id string) (*SectionChannel, error) {
	if _, ok := r.handles[id]; ok {
		return nil, domain.ErrSectionExists
	}
	side := &sendSide{cmdC: make(chan Command, commandQueueSize)}
	r.handles[id] = side
	return &SectionChannel{id: id, rootC: r.reqC, side: side}, nil
}

// RemoveSection drops the send side for the given id so Stop can no longer
// be issued. It does not terminate the section.
func (r *RootChannel) RemoveSection(id string) error {
	side, ok := r.handles[id]
	if !ok {
		return domain.ErrNoSuchSection
	}
	delete(r.handles, id)
	side.close()
	return nil
}

// Send delivers a command to the section with the given id.
func (r *RootChannel) Send(id string, cmd Command) error {
	side, ok := r.handles[id]
	if !ok {
		return domain.ErrNoSuchSection
	}
	if !side.send(cmd) {
		return domain.ErrChannelClosed
	}
	return nil
}

// Shutdown sends Stop to every registered section and discards the send
// sides.
func (r *RootChannel) Shutdown() {
	for id, side := range r.handles {
		side.send(Stop{})
		side.close()
		delete(r.handles, id)
	}
}

// ─── Section channel ────────────────────────────────────────────────────────

// SectionChannel is the per-section leaf of the root channel. Section code
// owns it; Close must run when the section terminates (the supervisor's
// wrapper defers it), which emits Stopped to the root.
type SectionChannel struct {
	id        string
	rootC     chan Request
	side      *sendSide
	closeOnce sync.Once
}

// ID returns the section id stamped at allocation.
func (c *SectionChannel) ID() string { return c.id }

// Commands is the channel Stop and Ack arrive on.
func (c *SectionChannel) Commands() <-chan Command { return c.side.cmdC }

// RetrieveState fetches the section's persisted state from the supervisor.
// Returns nil when nothing is stored.
func (c *SectionChannel) RetrieveState(ctx context.Context) (*State, error) {
	reply := make(chan StateReply, 1)
	select {
	case c.rootC <- RetrieveState{ID: c.id, Reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.State, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// StoreState persists the section's state through the supervisor.
func (c *SectionChannel) StoreState(ctx context.Context, state *State) error {
	reply := make(chan error, 1)
	select {
	case c.rootC <- StoreState{ID: c.id, State: state, Reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Log forwards a log line to the supervisor. Best effort: dropped if the
// supervisor's queue is full.
func (c *SectionChannel) Log(message string) {
	select {
	case c.rootC <- Log{ID: c.id, Message: message}:
	default:
	}
}

// Weak returns a handle the section hands to its downstream's ack path.
// Acks sent after the section died are dropped, so the receiver can go
// away without leaking.
func (c *SectionChannel) Weak() WeakChannel {
	return WeakChannel{side: c.side}
}

// Close emits Stopped to the supervisor and marks the command side dead.
// Safe to call more than once. The send is bounded so a section wrapper
// can never hang on a supervisor that is already gone.
func (c *SectionChannel) Close() {
	c.closeOnce.Do(func() {
		c.side.close()
		t := time.NewTimer(stoppedSendTimeout)
		defer t.Stop()
		select {
		case c.rootC <- Stopped{ID: c.id}:
		case <-t.C:
		}
	})
}

// WeakChannel re-enters a section with Command Ack without keeping it
// alive.
type WeakChannel struct {
	side *sendSide
}

// Ack delivers an acknowledgment payload to the origin section. Dropped if
// the section is gone.
func (w WeakChannel) Ack(payload any) {
	w.side.send(Ack{Payload: payload})
}
