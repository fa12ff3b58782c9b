package daemon

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mycelial-network/mycelial/internal/controlplane"
	"github.com/mycelial-network/mycelial/internal/domain"
	"github.com/mycelial-network/mycelial/internal/metrics"
	"github.com/mycelial-network/mycelial/internal/registry"
	"github.com/mycelial-network/mycelial/internal/scheduler"
	"github.com/mycelial-network/mycelial/internal/sections"
	"github.com/mycelial-network/mycelial/internal/storage"
)

const retryInitDelay = 10 * time.Second

type graphMsg struct {
	graph domain.Graph
}

type retryInitMsg struct{}

// Daemon is the myceliald runtime host. It owns the durable stores, the
// control-plane client, the config registry, and the scheduler.
type Daemon struct {
	Config    Config
	DB        *storage.DB
	Sections  *storage.SectionStore
	Runtime   *storage.RuntimeStore
	Client    *controlplane.Client
	Scheduler *scheduler.Scheduler
	Registry  *registry.Registry
	Health    *Checker

	retryDelay time.Duration
	msgC       chan any
}

// runtimeHandle is the narrow surface the control-plane client uses to
// hand graphs to the daemon loop.
type runtimeHandle struct {
	msgC chan<- any
}

func (h runtimeHandle) Graph(g domain.Graph) {
	h.msgC <- graphMsg{graph: g}
}

// New creates a Daemon with configuration loaded from disk.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig creates a Daemon with the given configuration. A storage
// open failure here is fatal for the process.
func NewWithConfig(cfg Config) (*Daemon, error) {
	db, err := storage.Open(Home())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sectionStore := storage.NewSectionStore(db)
	runtimeStore := storage.NewRuntimeStore(db)
	reg := sections.DefaultRegistry()

	msgC := make(chan any, 16)
	client := controlplane.New(controlplane.DefaultConfig(), runtimeHandle{msgC: msgC})
	sched := scheduler.New(scheduler.DefaultConfig(), reg, sectionStore)

	d := &Daemon{
		Config:     cfg,
		DB:         db,
		Sections:   sectionStore,
		Runtime:    runtimeStore,
		Client:     client,
		Scheduler:  sched,
		Registry:   reg,
		retryDelay: retryInitDelay,
		msgC:       msgC,
	}
	d.Health = NewChecker(d)
	return d, nil
}

// Run is the daemon main loop: boot the actors, connect to the control
// plane if enrollment state exists, then react to graph pushes until ctx
// is done.
func (d *Daemon) Run(ctx context.Context) error {
	schedDone := make(chan struct{})
	go func() {
		d.Scheduler.Run(ctx)
		close(schedDone)
	}()
	go d.Client.Run(ctx)
	go d.Health.Run(ctx)
	if d.Config.API.Enabled {
		go d.serveAPI(ctx)
	}

	if err := d.initControlPlaneClient(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			// the scheduler's loop stops every task on its way out
			<-schedDone
			return nil
		case msg := <-d.msgC:
			switch m := msg.(type) {
			case graphMsg:
				d.handleGraph(ctx, m.graph)
			case retryInitMsg:
				if err := d.initControlPlaneClient(ctx); err != nil {
					return err
				}
			}
		}
	}
}

// handleGraph deserializes every node config through the registry and
// forwards the assignment to the scheduler. The update is all-or-nothing:
// any unknown or malformed config skips the whole graph.
func (d *Daemon) handleGraph(ctx context.Context, g domain.Graph) {
	assignment := scheduler.Assignment{
		Nodes: make([]scheduler.Node, 0, len(g.Nodes)),
		Edges: g.Edges,
	}
	for _, node := range g.Nodes {
		cfg, err := d.Registry.DecodeConfig(node.Config)
		if err != nil {
			log.Printf("[daemon] skipping graph update: node %s: %v", node.ID, err)
			metrics.GraphUpdates.WithLabelValues("skipped").Inc()
			return
		}
		assignment.Nodes = append(assignment.Nodes, scheduler.Node{ID: node.ID, Config: cfg})
	}
	log.Printf("[daemon] got graph: %d nodes, %d edges", len(g.Nodes), len(g.Edges))
	metrics.GraphUpdates.WithLabelValues("ok").Inc()
	if err := d.Scheduler.Schedule(ctx, assignment); err != nil {
		log.Printf("[daemon] schedule failed: %v", err)
	}
}

// initControlPlaneClient hands stored enrollment state to the client. With
// nothing stored the daemon idles and re-checks on a timer. Malformed
// stored state is fatal: it needs an explicit reset.
func (d *Daemon) initControlPlaneClient(ctx context.Context) error {
	tlsURL, haveURL, err := d.Runtime.GetTLSURL()
	if err != nil {
		return err
	}
	key, haveKey, err := d.Runtime.GetCertifiedKey()
	if err != nil {
		return err
	}
	if haveURL && haveKey {
		err := d.Client.SetTLSURL(ctx, tlsURL, key)
		if err == nil {
			return nil
		}
		log.Printf("[daemon] failed to set tls url: %v", err)
	}
	log.Printf("[daemon] connection details are not set, scheduling config check in %s", d.retryDelay)
	go func() {
		select {
		case <-time.After(d.retryDelay):
			d.msgC <- retryInitMsg{}
		case <-ctx.Done():
		}
	}()
	return nil
}

// Join performs one-shot enrollment: wipe any previous enrollment state,
// mint a certified key through the control plane, and store it together
// with the TLS URL.
func (d *Daemon) Join(ctx context.Context, controlPlaneURL, tlsURL, token string) error {
	has, err := d.Runtime.HasState()
	if err != nil {
		return err
	}
	if has {
		log.Printf("[daemon] resetting previous enrollment state")
		if err := d.Runtime.Reset(); err != nil {
			return err
		}
	}
	key, err := controlplane.JoinControlPlane(ctx, controlplane.DefaultConfig(), controlPlaneURL, token)
	if err != nil {
		return err
	}
	if err := d.Runtime.StoreEnrollment(tlsURL, key); err != nil {
		return err
	}
	return nil
}

// Reset wipes all durable daemon state: section state and enrollment.
func (d *Daemon) Reset(ctx context.Context) error {
	if err := d.Sections.ResetState(ctx); err != nil {
		return err
	}
	return d.Runtime.Reset()
}

// Close releases the daemon's resources.
func (d *Daemon) Close() {
	d.Sections.Shutdown()
	d.DB.Close()
}
