package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mycelial-network/mycelial/internal/domain"
	"github.com/mycelial-network/mycelial/internal/pki"
)

// App wires the control plane's database, PKI material, and daemon
// notification hub.
type App struct {
	db         *DB
	ca         *pki.CertifiedKeyPair
	serverCert *pki.CertifiedKeyPair
	hub        *hub
}

// NewApp builds the control-plane application.
func NewApp(db *DB, ca, serverCert *pki.CertifiedKeyPair) *App {
	return &App{db: db, ca: ca, serverCert: serverCert, hub: newHub()}
}

// Notify pushes RefetchGraph to the given daemons' live connections.
func (a *App) Notify(daemonIDs []string) {
	a.hub.Notify(daemonIDs)
}

// APIHandler returns the plain-HTTP surface: daemon join, admin graph and
// token management, health, metrics.
func (a *App) APIHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := a.db.Ping(); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/daemon/join", a.handleJoin)
		r.Get("/graph", a.handleGetGraph)
		r.Post("/graph", a.handleSetGraph)
		r.Post("/tokens", a.handleCreateToken)
		r.Get("/tokens", a.handleListTokens)
	})

	r.Handle("/metrics", promhttp.Handler())
	return r
}

// handleJoin is the one-time enrollment endpoint: verify the token
// binding, sign the CSR, consume the token.
func (a *App) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req domain.JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed join request")
		return
	}
	secret, used, err := a.db.Token(req.ID)
	if errors.Is(err, domain.ErrTokenNotFound) {
		writeError(w, http.StatusForbidden, "unknown join token")
		return
	}
	if err != nil {
		log.Printf("[server] token lookup failed: %v", err)
		writeError(w, http.StatusInternalServerError, "token lookup failed")
		return
	}
	if used {
		writeError(w, http.StatusForbidden, "join token already consumed")
		return
	}

	sum := sha256.New()
	sum.Write([]byte(req.CSR))
	sum.Write([]byte(":"))
	sum.Write([]byte(secret))
	expected := hex.EncodeToString(sum.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(expected), []byte(req.Hash)) != 1 {
		writeError(w, http.StatusForbidden, "join request hash mismatch")
		return
	}

	certPEM, err := pki.SignCSR(a.ca, []byte(req.CSR))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("sign csr: %v", err))
		return
	}
	cert, err := pki.ParseCertificatePEM(certPEM)
	if err != nil {
		log.Printf("[server] parse issued certificate: %v", err)
		writeError(w, http.StatusInternalServerError, "certificate issue failed")
		return
	}
	daemonID, err := pki.CommonName(cert)
	if err != nil {
		log.Printf("[server] issued certificate has no identity: %v", err)
		writeError(w, http.StatusInternalServerError, "certificate issue failed")
		return
	}
	if err := a.db.ConsumeToken(req.ID, daemonID); err != nil {
		log.Printf("[server] consume token failed: %v", err)
		writeError(w, http.StatusInternalServerError, "token consume failed")
		return
	}

	log.Printf("[server] daemon %s joined", daemonID)
	writeJSON(w, http.StatusOK, domain.JoinResponse{
		Certificate:   string(certPEM),
		CACertificate: string(a.ca.CertPEM),
	})
}

func (a *App) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	g, err := a.db.Graph()
	if err != nil {
		log.Printf("[server] read graph failed: %v", err)
		writeError(w, http.StatusInternalServerError, "read graph failed")
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// handleSetGraph replaces the whole assignment and pushes RefetchGraph to
// every daemon whose subgraph changed.
func (a *App) handleSetGraph(w http.ResponseWriter, r *http.Request) {
	var g domain.Graph
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		writeError(w, http.StatusBadRequest, "malformed graph")
		return
	}
	for _, node := range g.Nodes {
		if node.Config.Name() == "" {
			writeError(w, http.StatusBadRequest,
				fmt.Sprintf("node %s config has no name", node.ID))
			return
		}
	}
	touched, err := a.db.ReplaceGraph(g)
	if err != nil {
		log.Printf("[server] replace graph failed: %v", err)
		writeError(w, http.StatusInternalServerError, "replace graph failed")
		return
	}
	if len(touched) > 0 {
		log.Printf("[server] graph updated, notifying %d daemons", len(touched))
		a.hub.Notify(touched)
	}
	writeJSON(w, http.StatusOK, map[string]any{"notified": len(touched)})
}

func (a *App) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	id, secret, err := a.db.CreateToken()
	if err != nil {
		log.Printf("[server] mint token failed: %v", err)
		writeError(w, http.StatusInternalServerError, "mint token failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":     id,
		"secret": secret,
		"token":  id + ":" + secret,
	})
}

func (a *App) handleListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := a.db.ListTokens()
	if err != nil {
		log.Printf("[server] list tokens failed: %v", err)
		writeError(w, http.StatusInternalServerError, "list tokens failed")
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes the control plane's error envelope.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, domain.ErrorResponse{Error: msg})
}
