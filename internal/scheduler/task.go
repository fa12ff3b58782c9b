package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mycelial-network/mycelial/internal/domain"
	"github.com/mycelial-network/mycelial/internal/metrics"
	"github.com/mycelial-network/mycelial/internal/registry"
	"github.com/mycelial-network/mycelial/internal/section"
	"github.com/mycelial-network/mycelial/internal/storage"
)

type taskStopMsg struct {
	reply chan struct{}
}

type taskStatusMsg struct {
	reply chan domain.TaskStatus
}

// sectionHandle tracks one in-flight section goroutine.
type sectionHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// task supervises one subgraph: it starts every section, serves their
// state requests, and restarts the whole subgraph when any section stops.
type task struct {
	id      string
	graph   *taskGraph
	reg     *registry.Registry
	store   *storage.SectionStore
	cfg     Config
	status  domain.TaskStatus
	root    *section.RootChannel
	handles map[string]*sectionHandle
	msgC    chan any
}

func newTask(id string, g *taskGraph, reg *registry.Registry, store *storage.SectionStore, cfg Config) *task {
	return &task{
		id:      id,
		graph:   g,
		reg:     reg,
		store:   store,
		cfg:     cfg,
		status:  domain.TaskNew,
		root:    section.NewRootChannel(),
		handles: make(map[string]*sectionHandle),
		msgC:    make(chan any),
	}
}

// TaskHandle is the scheduler's grip on a running task.
type TaskHandle struct {
	msgC   chan any
	cancel context.CancelFunc
	done   chan struct{}
}

// Stop asks the task to shut down its sections and exit, aborting it hard
// if ctx runs out first. The task's own shutdown is bounded, so this
// cannot wedge reconciliation.
func (h *TaskHandle) Stop(ctx context.Context) {
	reply := make(chan struct{}, 1)
	select {
	case h.msgC <- taskStopMsg{reply: reply}:
		select {
		case <-reply:
		case <-ctx.Done():
			h.cancel()
		}
	case <-h.done:
	case <-ctx.Done():
		h.cancel()
	}
}

// Status queries the task's lifecycle state. A task that no longer answers
// is Down.
func (h *TaskHandle) Status(ctx context.Context) domain.TaskStatus {
	reply := make(chan domain.TaskStatus, 1)
	select {
	case h.msgC <- taskStatusMsg{reply: reply}:
	case <-h.done:
		return domain.TaskDown
	case <-ctx.Done():
		return domain.TaskDown
	}
	select {
	case status := <-reply:
		return status
	case <-h.done:
		return domain.TaskDown
	case <-ctx.Done():
		return domain.TaskDown
	}
}

func (t *task) spawn(ctx context.Context) *TaskHandle {
	ctx, cancel := context.WithCancel(ctx)
	handle := &TaskHandle{msgC: t.msgC, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(handle.done)
		t.run(ctx)
	}()
	return handle
}

// run is the outer restart loop: Starting → Running, back to Starting on
// any section death, with a back-off between restarts.
func (t *task) run(ctx context.Context) {
	log.Printf("[task %s] running", shortID(t.id))
	t.status = domain.TaskStarting

	for {
		// start phase
		for t.status != domain.TaskRunning {
			if err := t.startSections(ctx); err != nil {
				log.Printf("[task %s] failed to start: %v", shortID(t.id), err)
				if !t.idle(ctx, t.cfg.RestartDelay) {
					return
				}
				continue
			}
			t.status = domain.TaskRunning
		}

		// run phase
		if !t.serve(ctx) {
			return
		}

		// sleep between restarts
		if !t.idle(ctx, t.cfg.RestartDelay) {
			return
		}
	}
}

// serve handles section requests and control messages until the task
// should restart (returns true) or exit (returns false).
func (t *task) serve(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			t.shutdown()
			t.status = domain.TaskDown
			return false
		case req := <-t.root.Requests():
			switch r := req.(type) {
			case section.Stopped:
				diag := t.awaitSection(r.ID)
				log.Printf("[task %s] section %s (%s) stopped: %v",
					shortID(t.id), r.ID, t.sectionName(r.ID), diag)
				metrics.SectionRestarts.Inc()
				t.shutdown()
				t.status = domain.TaskStarting
				return true
			case section.RetrieveState:
				state, err := t.store.RetrieveState(ctx, t.stateKey(r.ID))
				r.Reply <- section.StateReply{State: state, Err: err}
			case section.StoreState:
				r.Reply <- t.store.StoreState(ctx, t.stateKey(r.ID), r.State)
			case section.Log:
				log.Printf("[task %s] section %s: %s", shortID(t.id), r.ID, r.Message)
			}
		case msg := <-t.msgC:
			switch m := msg.(type) {
			case taskStopMsg:
				t.shutdown()
				t.status = domain.TaskDown
				m.reply <- struct{}{}
				return false
			case taskStatusMsg:
				m.reply <- t.status
			}
		}
	}
}

// idle waits out a back-off while still answering control messages.
// Returns false when the task should exit.
func (t *task) idle(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return true
		case <-ctx.Done():
			t.shutdown()
			t.status = domain.TaskDown
			return false
		case msg := <-t.msgC:
			switch m := msg.(type) {
			case taskStopMsg:
				t.shutdown()
				t.status = domain.TaskDown
				m.reply <- struct{}{}
				return false
			case taskStatusMsg:
				m.reply <- t.status
			}
		}
	}
}

// startSections allocates a channel per node and launches every section.
// On any failure the already-started sections are torn down and the error
// is returned, leaving the task in Starting.
func (t *task) startSections(ctx context.Context) error {
	t.drainStale()
	for _, id := range t.graph.NodeIDs() {
		node, _ := t.graph.GetNode(id)
		ch, err := t.root.AddSection(id)
		if err != nil {
			t.shutdown()
			return fmt.Errorf("allocate channel for %s: %w", id, err)
		}
		sec, err := t.reg.NewSection(node.Config)
		if err != nil {
			t.shutdown()
			return err
		}
		sctx, cancel := context.WithCancel(ctx)
		handle := &sectionHandle{cancel: cancel, done: make(chan struct{})}
		go func() {
			defer close(handle.done)
			defer ch.Close()
			defer func() {
				if p := recover(); p != nil {
					handle.err = fmt.Errorf("section panic: %v", p)
				}
			}()
			handle.err = sec.Start(sctx, section.StubStream(), section.StubSink(), ch)
		}()
		t.handles[id] = handle
	}
	return nil
}

// shutdown sends Stop to every live section and drains their Stopped
// signals, bounded by the shutdown timeout. Stragglers are cancelled hard.
func (t *task) shutdown() {
	t.root.Shutdown()
	timer := time.NewTimer(t.cfg.ShutdownTimeout)
	defer timer.Stop()
	for len(t.handles) > 0 {
		select {
		case <-timer.C:
			log.Printf("[task %s] shutdown timeout reached, terminating %d sections",
				shortID(t.id), len(t.handles))
			for id, handle := range t.handles {
				handle.cancel()
				delete(t.handles, id)
			}
		case req := <-t.root.Requests():
			if stopped, ok := req.(section.Stopped); ok {
				if handle, ok := t.handles[stopped.ID]; ok {
					handle.cancel()
					delete(t.handles, stopped.ID)
				}
			}
		}
	}
}

// awaitSection removes the stopped section's handle and waits for its
// final result as the restart diagnostic.
func (t *task) awaitSection(id string) error {
	handle, ok := t.handles[id]
	if !ok {
		return nil
	}
	delete(t.handles, id)
	handle.cancel()
	<-handle.done
	return handle.err
}

// drainStale discards requests left over from a previous generation of
// sections so an aborted section's late Stopped cannot restart the new
// ones.
func (t *task) drainStale() {
	for {
		select {
		case <-t.root.Requests():
		default:
			return
		}
	}
}

func (t *task) sectionName(id string) string {
	if node, ok := t.graph.GetNode(id); ok {
		return node.Config.Name()
	}
	return ""
}

func (t *task) stateKey(sectionID string) storage.StateKey {
	return storage.StateKey{
		TaskID:      t.id,
		SectionID:   sectionID,
		SectionName: t.sectionName(sectionID),
	}
}
