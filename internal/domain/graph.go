// Package domain holds the wire-level types shared between the control
// plane and the daemon. Domain types are pure — no infrastructure dependency.
package domain

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Graph is the assignment pushed from the control plane to a daemon.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Node is a single pipeline section placed on the workspace canvas.
// DaemonID pins the node to one daemon; nodes with distinct DaemonID
// never co-execute.
type Node struct {
	ID       uuid.UUID  `json:"id"`
	X        float64    `json:"x"`
	Y        float64    `json:"y"`
	Config   RawConfig  `json:"config"`
	DaemonID *uuid.UUID `json:"daemon_id"`
}

// Edge is a directed connection between two nodes.
type Edge struct {
	FromID uuid.UUID `json:"from_id"`
	ToID   uuid.UUID `json:"to_id"`
}

// RawConfig is an opaque section config as it travels on the wire: a JSON
// object whose "name" field selects the section type. The registry knows
// how to turn it into a typed config.
type RawConfig map[string]any

// Name returns the section type tag, or "" if absent.
func (c RawConfig) Name() string {
	name, _ := c["name"].(string)
	return name
}

// Clone returns a deep copy through a JSON round trip.
func (c RawConfig) Clone() (RawConfig, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("clone config: %w", err)
	}
	var out RawConfig
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("clone config: %w", err)
	}
	return out, nil
}
