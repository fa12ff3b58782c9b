// Package server implements the control plane: the daemon-join endpoint,
// the admin graph/token API, and the mTLS websocket graph server that
// streams each daemon its assignment.
package server

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)

	"github.com/mycelial-network/mycelial/internal/domain"
)

// DB wraps the control plane's SQLite database.
type DB struct {
	db *sql.DB
}

// OpenDB creates or opens the database at dir/control.db.
func OpenDB(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dsn := filepath.Join(dir, "control.db") + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error { return d.db.Close() }

// Ping checks database connectivity.
func (d *DB) Ping() error { return d.db.Ping() }

func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			id        TEXT PRIMARY KEY,
			config    TEXT NOT NULL,
			x         REAL NOT NULL DEFAULT 0,
			y         REAL NOT NULL DEFAULT 0,
			daemon_id TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS edges (
			from_id TEXT PRIMARY KEY,
			to_id   TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tokens (
			id         TEXT PRIMARY KEY,
			secret     TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			used_at    INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS daemons (
			id        TEXT PRIMARY KEY,
			token_id  TEXT NOT NULL,
			joined_at INTEGER NOT NULL
		)`,
	}
	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Graph ──────────────────────────────────────────────────────────────────

// Graph returns the full stored graph.
func (d *DB) Graph() (domain.Graph, error) {
	g := domain.Graph{Nodes: []domain.Node{}, Edges: []domain.Edge{}}
	rows, err := d.db.Query(`SELECT id, config, x, y, daemon_id FROM nodes ORDER BY id`)
	if err != nil {
		return g, fmt.Errorf("read nodes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return g, err
		}
		g.Nodes = append(g.Nodes, node)
	}
	if err := rows.Err(); err != nil {
		return g, err
	}

	edges, err := d.db.Query(`SELECT from_id, to_id FROM edges ORDER BY from_id`)
	if err != nil {
		return g, fmt.Errorf("read edges: %w", err)
	}
	defer edges.Close()
	for edges.Next() {
		var from, to string
		if err := edges.Scan(&from, &to); err != nil {
			return g, err
		}
		fromID, err := uuid.Parse(from)
		if err != nil {
			return g, fmt.Errorf("stored edge from_id: %w", err)
		}
		toID, err := uuid.Parse(to)
		if err != nil {
			return g, fmt.Errorf("stored edge to_id: %w", err)
		}
		g.Edges = append(g.Edges, domain.Edge{FromID: fromID, ToID: toID})
	}
	return g, edges.Err()
}

// ReplaceGraph swaps the stored graph for the given one and returns the
// ids of daemons whose assignment changed.
func (d *DB) ReplaceGraph(g domain.Graph) ([]string, error) {
	before, err := d.assignments()
	if err != nil {
		return nil, err
	}

	tx, err := d.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin graph tx: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM nodes`); err != nil {
		return nil, fmt.Errorf("clear nodes: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM edges`); err != nil {
		return nil, fmt.Errorf("clear edges: %w", err)
	}
	for _, node := range g.Nodes {
		raw, err := json.Marshal(node.Config)
		if err != nil {
			return nil, fmt.Errorf("encode node config: %w", err)
		}
		var daemonID any
		if node.DaemonID != nil {
			daemonID = node.DaemonID.String()
		}
		if _, err := tx.Exec(
			`INSERT INTO nodes (id, config, x, y, daemon_id) VALUES (?, ?, ?, ?, ?)`,
			node.ID.String(), string(raw), node.X, node.Y, daemonID,
		); err != nil {
			return nil, fmt.Errorf("insert node: %w", err)
		}
	}
	for _, edge := range g.Edges {
		if _, err := tx.Exec(
			`INSERT INTO edges (from_id, to_id) VALUES (?, ?)
			 ON CONFLICT (from_id) DO UPDATE SET to_id = excluded.to_id`,
			edge.FromID.String(), edge.ToID.String(),
		); err != nil {
			return nil, fmt.Errorf("insert edge: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit graph: %w", err)
	}

	after, err := d.assignments()
	if err != nil {
		return nil, err
	}
	var touched []string
	for id, raw := range before {
		if after[id] != raw {
			touched = append(touched, id)
		}
	}
	for id, raw := range after {
		if _, ok := before[id]; !ok && raw != "" {
			touched = append(touched, id)
		}
	}
	return touched, nil
}

// AssignmentFor returns the daemon's nodes plus every edge touching them,
// boundary edges included.
func (d *DB) AssignmentFor(daemonID string) (domain.Graph, error) {
	g := domain.Graph{Nodes: []domain.Node{}, Edges: []domain.Edge{}}
	rows, err := d.db.Query(
		`SELECT id, config, x, y, daemon_id FROM nodes WHERE daemon_id = ? ORDER BY id`, daemonID,
	)
	if err != nil {
		return g, fmt.Errorf("read assignment nodes: %w", err)
	}
	defer rows.Close()
	owned := make(map[string]struct{})
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return g, err
		}
		owned[node.ID.String()] = struct{}{}
		g.Nodes = append(g.Nodes, node)
	}
	if err := rows.Err(); err != nil {
		return g, err
	}

	edges, err := d.db.Query(`SELECT from_id, to_id FROM edges ORDER BY from_id`)
	if err != nil {
		return g, fmt.Errorf("read assignment edges: %w", err)
	}
	defer edges.Close()
	for edges.Next() {
		var from, to string
		if err := edges.Scan(&from, &to); err != nil {
			return g, err
		}
		_, fromOwned := owned[from]
		_, toOwned := owned[to]
		if !fromOwned && !toOwned {
			continue
		}
		fromID, err := uuid.Parse(from)
		if err != nil {
			return g, fmt.Errorf("stored edge from_id: %w", err)
		}
		toID, err := uuid.Parse(to)
		if err != nil {
			return g, fmt.Errorf("stored edge to_id: %w", err)
		}
		g.Edges = append(g.Edges, domain.Edge{FromID: fromID, ToID: toID})
	}
	return g, edges.Err()
}

// assignments renders every assigned daemon's graph to a comparable form.
func (d *DB) assignments() (map[string]string, error) {
	rows, err := d.db.Query(`SELECT DISTINCT daemon_id FROM nodes WHERE daemon_id IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("read daemon ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(ids))
	for _, id := range ids {
		g, err := d.AssignmentFor(id)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(g)
		if err != nil {
			return nil, fmt.Errorf("encode assignment: %w", err)
		}
		out[id] = string(raw)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(s rowScanner) (domain.Node, error) {
	var node domain.Node
	var id, rawConfig string
	var daemonID sql.NullString
	if err := s.Scan(&id, &rawConfig, &node.X, &node.Y, &daemonID); err != nil {
		return node, fmt.Errorf("scan node: %w", err)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return node, fmt.Errorf("stored node id: %w", err)
	}
	node.ID = parsed
	if err := json.Unmarshal([]byte(rawConfig), &node.Config); err != nil {
		return node, fmt.Errorf("stored node config: %w", err)
	}
	if daemonID.Valid {
		did, err := uuid.Parse(daemonID.String)
		if err != nil {
			return node, fmt.Errorf("stored daemon id: %w", err)
		}
		node.DaemonID = &did
	}
	return node, nil
}

// ─── Join tokens ────────────────────────────────────────────────────────────

// TokenInfo is the admin view of a join token. The secret is only ever
// returned at mint time.
type TokenInfo struct {
	ID        string     `json:"id"`
	CreatedAt time.Time  `json:"created_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
}

// CreateToken mints a one-time join token and returns its id and secret.
func (d *DB) CreateToken() (id, secret string, err error) {
	tokenID, err := uuid.NewV7()
	if err != nil {
		return "", "", fmt.Errorf("mint token id: %w", err)
	}
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("mint token secret: %w", err)
	}
	id = tokenID.String()
	secret = hex.EncodeToString(raw)
	_, err = d.db.Exec(
		`INSERT INTO tokens (id, secret, created_at) VALUES (?, ?, ?)`,
		id, secret, time.Now().Unix(),
	)
	if err != nil {
		return "", "", fmt.Errorf("store token: %w", err)
	}
	return id, secret, nil
}

// Token returns the secret and consumption state of a token.
func (d *DB) Token(id string) (secret string, used bool, err error) {
	var usedAt sql.NullInt64
	err = d.db.QueryRow(`SELECT secret, used_at FROM tokens WHERE id = ?`, id).Scan(&secret, &usedAt)
	if err == sql.ErrNoRows {
		return "", false, domain.ErrTokenNotFound
	}
	if err != nil {
		return "", false, fmt.Errorf("read token: %w", err)
	}
	return secret, usedAt.Valid, nil
}

// ConsumeToken marks the token used and records the daemon it minted.
func (d *DB) ConsumeToken(id, daemonID string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin consume tx: %w", err)
	}
	defer tx.Rollback()
	now := time.Now().Unix()
	if _, err := tx.Exec(`UPDATE tokens SET used_at = ? WHERE id = ?`, now, id); err != nil {
		return fmt.Errorf("consume token: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO daemons (id, token_id, joined_at) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET token_id = excluded.token_id, joined_at = excluded.joined_at`,
		daemonID, id, now,
	); err != nil {
		return fmt.Errorf("record daemon: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit consume: %w", err)
	}
	return nil
}

// ListTokens returns all minted tokens, newest first.
func (d *DB) ListTokens() ([]TokenInfo, error) {
	rows, err := d.db.Query(`SELECT id, created_at, used_at FROM tokens ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()
	var tokens []TokenInfo
	for rows.Next() {
		var info TokenInfo
		var created int64
		var usedAt sql.NullInt64
		if err := rows.Scan(&info.ID, &created, &usedAt); err != nil {
			return nil, err
		}
		info.CreatedAt = time.Unix(created, 0)
		if usedAt.Valid {
			t := time.Unix(usedAt.Int64, 0)
			info.UsedAt = &t
		}
		tokens = append(tokens, info)
	}
	return tokens, rows.Err()
}
