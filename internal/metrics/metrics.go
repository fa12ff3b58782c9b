// Package metrics provides Prometheus metrics for the fabric: graph
// distribution, scheduling, section lifecycle, and the control-plane link.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Graph distribution ─────────────────────────────────────────────────────

// GraphUpdates counts graph assignments received from the control plane.
var GraphUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mycelial",
	Name:      "graph_updates_total",
	Help:      "Graph assignments received, by outcome.",
}, []string{"outcome"})

// ─── Scheduler ──────────────────────────────────────────────────────────────

// TasksActive tracks currently supervised subgraph tasks.
var TasksActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "mycelial",
	Name:      "tasks_active",
	Help:      "Number of currently supervised subgraph tasks.",
})

// TaskReconciles counts reconciliation decisions per schedule call.
var TaskReconciles = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mycelial",
	Name:      "task_reconciles_total",
	Help:      "Reconciliation decisions, by action (keep, spawn, shutdown).",
}, []string{"action"})

// SectionRestarts counts subgraph restarts triggered by a section death.
var SectionRestarts = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "mycelial",
	Name:      "section_restarts_total",
	Help:      "Subgraph restarts triggered by a section stopping.",
})

// ─── Section state store ────────────────────────────────────────────────────

// StateOps counts section-state store operations.
var StateOps = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mycelial",
	Name:      "state_ops_total",
	Help:      "Section-state store operations, by op and outcome.",
}, []string{"op", "outcome"})

// ─── Control-plane link ─────────────────────────────────────────────────────

// WebsocketReconnects counts websocket worker restarts.
var WebsocketReconnects = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "mycelial",
	Name:      "websocket_reconnects_total",
	Help:      "Control-plane websocket worker restarts.",
})

// JoinAttempts counts daemon enrollment attempts.
var JoinAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mycelial",
	Name:      "join_attempts_total",
	Help:      "Daemon enrollment attempts, by outcome.",
}, []string{"outcome"})

// ─── Control plane ──────────────────────────────────────────────────────────

// DaemonsConnected tracks daemons with a live websocket on the control
// plane.
var DaemonsConnected = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "mycelial",
	Name:      "daemons_connected",
	Help:      "Daemons with a live graph websocket.",
})
