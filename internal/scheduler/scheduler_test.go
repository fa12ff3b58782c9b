package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mycelial-network/mycelial/internal/domain"
	"github.com/mycelial-network/mycelial/internal/graph"
	"github.com/mycelial-network/mycelial/internal/registry"
	"github.com/mycelial-network/mycelial/internal/section"
	"github.com/mycelial-network/mycelial/internal/storage"
)

// ─── Test fixtures ──────────────────────────────────────────────────────────

type testConfig struct {
	Kind  string `json:"name"`
	Param string `json:"param"`
}

func (c *testConfig) Name() string             { return c.Kind }
func (c *testConfig) Fields() []registry.Field { return registry.FieldsOf(c) }

// blockSection runs until Stop or cancellation.
type blockSection struct{}

func (blockSection) Start(ctx context.Context, _ section.Stream, _ section.Sink, ch *section.SectionChannel) error {
	for {
		select {
		case cmd := <-ch.Commands():
			if _, ok := cmd.(section.Stop); ok {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// starts counts section constructions per config param.
type starts struct {
	mu sync.Mutex
	m  map[string]int
}

func (s *starts) inc(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[string]int)
	}
	s.m[key]++
}

func (s *starts) get(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[key]
}

func testRegistry(counter *starts) *registry.Registry {
	reg := registry.New()
	for _, name := range []string{"sqlite_source", "transform", "pg_dest", "snow_dest"} {
		reg.Register(name, registry.Entry{
			Decode: func(raw domain.RawConfig) (registry.Config, error) {
				return registry.DecodeJSON[testConfig](raw)
			},
			New: func(cfg registry.Config) (section.Section, error) {
				if counter != nil {
					counter.inc(cfg.(*testConfig).Param)
				}
				return blockSection{}, nil
			},
		})
	}
	return reg
}

func testScheduler(t *testing.T, reg *registry.Registry) (*Scheduler, context.Context) {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := storage.NewSectionStore(db)
	t.Cleanup(store.Shutdown)

	cfg := Config{RestartDelay: 20 * time.Millisecond, ShutdownTimeout: 200 * time.Millisecond}
	s := New(cfg, reg, store)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx)
	return s, ctx
}

func uuidN(n byte) uuid.UUID {
	return uuid.MustParse(fmt.Sprintf("00000000-0000-0000-0000-0000000000%02x", n))
}

func node(n byte, name, param string) Node {
	return Node{ID: uuidN(n), Config: &testConfig{Kind: name, Param: param}}
}

func edge(from, to byte) domain.Edge {
	return domain.Edge{FromID: uuidN(from), ToID: uuidN(to)}
}

func waitAllRunning(t *testing.T, s *Scheduler, ctx context.Context, want int) map[string]domain.TaskStatus {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		statuses, err := s.TaskStatuses(ctx)
		if err != nil {
			t.Fatalf("TaskStatuses: %v", err)
		}
		if len(statuses) == want {
			running := 0
			for _, st := range statuses {
				if st == domain.TaskRunning {
					running++
				}
			}
			if running == want {
				return statuses
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("tasks never reached Running")
	return nil
}

// ─── Fingerprints ───────────────────────────────────────────────────────────

func fpGraph(nodes []Node, edges [][2]byte) *taskGraph {
	g := graph.New[string, *Node]()
	for i := range nodes {
		n := nodes[i]
		g.AddNode(n.ID.String(), &n)
	}
	for _, e := range edges {
		g.AddEdgePartial(uuidN(e[0]).String(), uuidN(e[1]).String())
	}
	return g
}

func TestFingerprintInsertionOrderIndependent(t *testing.T) {
	nodes := []Node{
		node(1, "sqlite_source", "a"),
		node(2, "transform", "b"),
		node(3, "pg_dest", "c"),
	}
	edges := [][2]byte{{1, 2}, {2, 3}}

	perm := []Node{nodes[2], nodes[0], nodes[1]}
	permEdges := [][2]byte{{2, 3}, {1, 2}}

	a := Fingerprint(fpGraph(nodes, edges))
	b := Fingerprint(fpGraph(perm, permEdges))
	if a != b {
		t.Errorf("fingerprint depends on insertion order: %s vs %s", a, b)
	}
}

func TestFingerprintSensitivity(t *testing.T) {
	base := Fingerprint(fpGraph([]Node{node(1, "sqlite_source", "a")}, nil))

	// any config byte change yields a different fingerprint
	changed := Fingerprint(fpGraph([]Node{node(1, "sqlite_source", "a ")}, nil))
	if base == changed {
		t.Error("whitespace-only config change did not change the fingerprint")
	}
	// an extra edge yields a different fingerprint
	withEdge := Fingerprint(fpGraph([]Node{node(1, "sqlite_source", "a")}, [][2]byte{{1, 9}}))
	if base == withEdge {
		t.Error("boundary edge did not change the fingerprint")
	}
}

// S1: two chains split into two subgraphs with distinct fingerprints.
func TestSubgraphSplitScenario(t *testing.T) {
	g := fpGraph([]Node{
		node(1, "sqlite_source", "s1"),
		node(2, "transform", "t"),
		node(3, "pg_dest", "p"),
		node(4, "sqlite_source", "s2"),
		node(5, "snow_dest", "sn"),
	}, [][2]byte{{1, 2}, {2, 3}, {4, 5}})

	subs := g.Subgraphs()
	if len(subs) != 2 {
		t.Fatalf("got %d subgraphs, want 2", len(subs))
	}
	first, second := subs[0], subs[1]
	if got := len(first.NodeIDs()); got != 3 {
		t.Errorf("first subgraph has %d nodes, want 3", got)
	}
	if got := len(second.NodeIDs()); got != 2 {
		t.Errorf("second subgraph has %d nodes, want 2", got)
	}
	if Fingerprint(first) == Fingerprint(second) {
		t.Error("distinct subgraphs share a fingerprint")
	}
}

// ─── Reconciliation ─────────────────────────────────────────────────────────

func TestScheduleIdempotent(t *testing.T) {
	counter := &starts{}
	s, ctx := testScheduler(t, testRegistry(counter))

	a := Assignment{
		Nodes: []Node{node(1, "sqlite_source", "src"), node(2, "pg_dest", "dst")},
		Edges: []domain.Edge{edge(1, 2)},
	}
	if err := s.Schedule(ctx, a); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	first := waitAllRunning(t, s, ctx, 1)

	if err := s.Schedule(ctx, a); err != nil {
		t.Fatalf("Schedule again: %v", err)
	}
	second := waitAllRunning(t, s, ctx, 1)

	for fp := range first {
		if _, ok := second[fp]; !ok {
			t.Errorf("fingerprint %s lost on reschedule", fp)
		}
	}
	// the sections were constructed exactly once per node
	if got := counter.get("src"); got != 1 {
		t.Errorf("source constructed %d times, want 1", got)
	}
	if got := counter.get("dst"); got != 1 {
		t.Errorf("destination constructed %d times, want 1", got)
	}
}

// S3: a config change reschedules only the affected subgraph.
func TestConfigChangeReschedulesOnlyAffectedSubgraph(t *testing.T) {
	counter := &starts{}
	s, ctx := testScheduler(t, testRegistry(counter))

	assignment := func(param string) Assignment {
		return Assignment{
			Nodes: []Node{
				node(1, "sqlite_source", param),
				node(2, "pg_dest", "dst"),
				node(4, "sqlite_source", "sibling-src"),
				node(5, "snow_dest", "sibling-dst"),
			},
			Edges: []domain.Edge{edge(1, 2), edge(4, 5)},
		}
	}

	if err := s.Schedule(ctx, assignment("v1")); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	before := waitAllRunning(t, s, ctx, 2)

	if err := s.Schedule(ctx, assignment("v2")); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	after := waitAllRunning(t, s, ctx, 2)

	shared := 0
	for fp := range after {
		if _, ok := before[fp]; ok {
			shared++
		}
	}
	if shared != 1 {
		t.Errorf("%d fingerprints survived the config change, want exactly the sibling", shared)
	}
	// the sibling subgraph was not restarted
	if got := counter.get("sibling-src"); got != 1 {
		t.Errorf("sibling source constructed %d times, want 1", got)
	}
	// the changed subgraph was rebuilt
	if got := counter.get("v2"); got != 1 {
		t.Errorf("updated source constructed %d times, want 1", got)
	}
}

func TestScheduleEmptyGraphStopsEverything(t *testing.T) {
	s, ctx := testScheduler(t, testRegistry(nil))
	a := Assignment{Nodes: []Node{node(1, "sqlite_source", "x")}}
	if err := s.Schedule(ctx, a); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	waitAllRunning(t, s, ctx, 1)

	if err := s.Schedule(ctx, Assignment{}); err != nil {
		t.Fatalf("Schedule empty: %v", err)
	}
	statuses, err := s.TaskStatuses(ctx)
	if err != nil {
		t.Fatalf("TaskStatuses: %v", err)
	}
	if len(statuses) != 0 {
		t.Fatalf("tasks after empty schedule: %v", statuses)
	}
}

// ─── Supervision ────────────────────────────────────────────────────────────

// flakySection dies once after persisting state, then reports what it
// retrieved on the next run.
type flakySection struct {
	died     *sync.Once
	observed chan uint64
}

func (f *flakySection) Start(ctx context.Context, _ section.Stream, _ section.Sink, ch *section.SectionChannel) error {
	state, err := ch.RetrieveState(ctx)
	if err != nil {
		return err
	}
	died := false
	f.died.Do(func() { died = true })
	if died {
		st := section.NewState()
		st.SetUint("offset", 17)
		if err := ch.StoreState(ctx, st); err != nil {
			return err
		}
		return errors.New("synthetic section failure")
	}
	if state != nil {
		if v, ok := state.GetUint("offset"); ok {
			select {
			case f.observed <- v:
			default:
			}
		}
	}
	return blockSection{}.Start(ctx, nil, nil, ch)
}

// S6: a section death tears the subgraph down and restarts it with the
// previously persisted state visible.
func TestSupervisorRestartsSubgraphOnSectionDeath(t *testing.T) {
	counter := &starts{}
	reg := testRegistry(counter)
	flaky := &flakySection{died: &sync.Once{}, observed: make(chan uint64, 1)}
	reg.Register("flaky", registry.Entry{
		Decode: func(raw domain.RawConfig) (registry.Config, error) {
			return registry.DecodeJSON[testConfig](raw)
		},
		New: func(registry.Config) (section.Section, error) { return flaky, nil },
	})
	s, ctx := testScheduler(t, reg)

	a := Assignment{
		Nodes: []Node{
			node(1, "sqlite_source", "one"),
			node(2, "flaky", "two"),
			node(3, "pg_dest", "three"),
		},
		Edges: []domain.Edge{edge(1, 2), edge(2, 3)},
	}
	if err := s.Schedule(ctx, a); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	select {
	case got := <-flaky.observed:
		if got != 17 {
			t.Errorf("restarted section observed offset %d, want 17", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("section never restarted with persisted state")
	}

	// siblings were restarted alongside the flaky section
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if counter.get("one") >= 2 && counter.get("three") >= 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("siblings not restarted: one=%d three=%d", counter.get("one"), counter.get("three"))
}

// Property 7: shutdown completes within the bound even if sections ignore
// Stop.
type deafSection struct{}

func (deafSection) Start(ctx context.Context, _ section.Stream, _ section.Sink, _ *section.SectionChannel) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestShutdownBoundedWithDeafSections(t *testing.T) {
	reg := registry.New()
	reg.Register("deaf", registry.Entry{
		Decode: func(raw domain.RawConfig) (registry.Config, error) {
			return registry.DecodeJSON[testConfig](raw)
		},
		New: func(registry.Config) (section.Section, error) { return deafSection{}, nil },
	})
	s, ctx := testScheduler(t, reg)

	a := Assignment{Nodes: []Node{node(1, "deaf", "d")}}
	if err := s.Schedule(ctx, a); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	waitAllRunning(t, s, ctx, 1)

	start := time.Now()
	if err := s.Schedule(ctx, Assignment{}); err != nil {
		t.Fatalf("Schedule empty: %v", err)
	}
	// ShutdownTimeout is 200ms in tests; allow generous epsilon
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("shutdown took %v, want bounded by timeout", elapsed)
	}
}
