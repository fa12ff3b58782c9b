// Package scheduler reconciles the daemon's assigned graph against the
// set of running subgraph tasks. Each weakly-connected subgraph is
// identified by a fingerprint; reconciliation is a sorted two-pointer
// merge that keeps matching tasks untouched, shuts down stale ones, and
// spawns new ones — shutdowns before spawns.
package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/mycelial-network/mycelial/internal/domain"
	"github.com/mycelial-network/mycelial/internal/graph"
	"github.com/mycelial-network/mycelial/internal/metrics"
	"github.com/mycelial-network/mycelial/internal/registry"
	"github.com/mycelial-network/mycelial/internal/storage"
)

// Config holds the scheduler timings. Defaults match the production
// behavior; tests shorten them.
type Config struct {
	RestartDelay    time.Duration // back-off between subgraph restarts
	ShutdownTimeout time.Duration // bound on cooperative section shutdown
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		RestartDelay:    3 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Node is one section of the assigned graph, config already validated by
// the registry.
type Node struct {
	ID     uuid.UUID
	Config registry.Config
}

// Assignment is a deserialized graph ready for scheduling.
type Assignment struct {
	Nodes []Node
	Edges []domain.Edge
}

type taskGraph = graph.Graph[string, *Node]

// Fingerprint computes the subgraph's scheduling identity: SHA-256 over
// the sorted node ids, each node's config fields sorted by field name, and
// the sorted edges.
func Fingerprint(g *taskGraph) string {
	h := sha256.New()
	for _, id := range g.NodeIDs() {
		io.WriteString(h, id)
		node, _ := g.GetNode(id)
		fields := slices.Clone(node.Config.Fields())
		slices.SortFunc(fields, func(a, b registry.Field) int {
			if a.Name < b.Name {
				return -1
			}
			if a.Name > b.Name {
				return 1
			}
			return 0
		})
		for _, f := range fields {
			io.WriteString(h, f.Name)
			io.WriteString(h, f.Value)
		}
	}
	for _, e := range g.EdgeList() {
		io.WriteString(h, e.From)
		io.WriteString(h, e.To)
	}
	return hex.EncodeToString(h.Sum(nil))
}

type scheduleMsg struct {
	assignment Assignment
	reply      chan error
}

type shutdownMsg struct {
	reply chan struct{}
}

type statusMsg struct {
	reply chan map[string]domain.TaskStatus
}

// Scheduler owns the fingerprint→task map. All access goes through its
// message queue, so a schedule call is atomic with respect to one graph
// push.
type Scheduler struct {
	cfg   Config
	reg   *registry.Registry
	store *storage.SectionStore
	msgC  chan any
}

// New builds a scheduler. Run must be started for it to make progress.
func New(cfg Config, reg *registry.Registry, store *storage.SectionStore) *Scheduler {
	return &Scheduler{
		cfg:   cfg,
		reg:   reg,
		store: store,
		msgC:  make(chan any),
	}
}

// Schedule reconciles the running tasks against the assignment.
func (s *Scheduler) Schedule(ctx context.Context, a Assignment) error {
	reply := make(chan error, 1)
	select {
	case s.msgC <- scheduleMsg{assignment: a, reply: reply}:
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

// Shutdown stops every running task and the scheduler loop.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	reply := make(chan struct{}, 1)
	select {
	case s.msgC <- shutdownMsg{reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TaskStatuses returns the status of every running task keyed by
// fingerprint.
func (s *Scheduler) TaskStatuses(ctx context.Context) (map[string]domain.TaskStatus, error) {
	reply := make(chan map[string]domain.TaskStatus, 1)
	select {
	case s.msgC <- statusMsg{reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case statuses := <-reply:
		return statuses, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run is the scheduler actor loop. It exits when ctx is done or Shutdown
// is handled; running tasks are stopped either way.
func (s *Scheduler) Run(ctx context.Context) {
	tasks := make(map[string]*TaskHandle)
	defer func() {
		for id, handle := range tasks {
			handle.Stop(context.Background())
			delete(tasks, id)
		}
		metrics.TasksActive.Set(0)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.msgC:
			switch m := msg.(type) {
			case scheduleMsg:
				m.reply <- s.schedule(ctx, tasks, m.assignment)
				metrics.TasksActive.Set(float64(len(tasks)))
			case statusMsg:
				statuses := make(map[string]domain.TaskStatus, len(tasks))
				for id, handle := range tasks {
					statuses[id] = handle.Status(ctx)
				}
				m.reply <- statuses
			case shutdownMsg:
				for id, handle := range tasks {
					handle.Stop(ctx)
					delete(tasks, id)
				}
				m.reply <- struct{}{}
				return
			}
		}
	}
}

// schedule rebuilds the graph, splits it into subgraphs, and diffs their
// fingerprints against the running tasks.
func (s *Scheduler) schedule(ctx context.Context, tasks map[string]*TaskHandle, a Assignment) error {
	g := graph.New[string, *Node]()
	for i := range a.Nodes {
		node := a.Nodes[i]
		g.AddNode(node.ID.String(), &node)
	}
	for _, e := range a.Edges {
		// boundary edges may reference nodes scheduled on other daemons
		g.AddEdgePartial(e.FromID.String(), e.ToID.String())
	}

	next := make(map[string]*taskGraph)
	for _, sub := range g.Subgraphs() {
		next[Fingerprint(sub)] = sub
	}

	var toDelete []string
	var toAdd []string
	newKeys := sortedStringKeys(next)
	curKeys := sortedStringKeys(tasks)
	i, j := 0, 0
	for i < len(newKeys) || j < len(curKeys) {
		switch {
		case i >= len(newKeys):
			toDelete = append(toDelete, curKeys[j])
			j++
		case j >= len(curKeys):
			toAdd = append(toAdd, newKeys[i])
			i++
		case newKeys[i] == curKeys[j]:
			metrics.TaskReconciles.WithLabelValues("keep").Inc()
			i++
			j++
		case newKeys[i] > curKeys[j]:
			// current key absent from the new set: shut it down
			toDelete = append(toDelete, curKeys[j])
			j++
		default:
			// new key absent from the current set: spawn it
			toAdd = append(toAdd, newKeys[i])
			i++
		}
	}

	for _, id := range toDelete {
		log.Printf("[scheduler] shutting down old task %s", shortID(id))
		if handle, ok := tasks[id]; ok {
			handle.Stop(ctx)
			delete(tasks, id)
		}
		metrics.TaskReconciles.WithLabelValues("shutdown").Inc()
	}
	for _, id := range toAdd {
		log.Printf("[scheduler] adding new task %s", shortID(id))
		tasks[id] = newTask(id, next[id], s.reg, s.store, s.cfg).spawn(ctx)
		metrics.TaskReconciles.WithLabelValues("spawn").Inc()
	}
	return nil
}

func sortedStringKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
