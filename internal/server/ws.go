package server

import (
	"crypto/tls"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/mycelial-network/mycelial/internal/domain"
	"github.com/mycelial-network/mycelial/internal/metrics"
	"github.com/mycelial-network/mycelial/internal/pki"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// TLSConfig returns the mTLS listener config: our server certificate
// presented, the peer required to present a client certificate that the
// verifier accepts against the CA.
func (a *App) TLSConfig() *tls.Config {
	verifier := pki.NewVerifier(a.ca.Cert, pki.VerifyClient)
	cert := tls.Certificate{
		Certificate: [][]byte{a.serverCert.Cert.Raw},
		PrivateKey:  a.serverCert.Key,
	}
	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		ClientAuth:            tls.RequireAnyClientCert,
		VerifyPeerCertificate: verifier.VerifyPeerCertificate,
		MinVersion:            tls.VersionTLS12,
	}
}

// TLSHandler returns the daemon-facing websocket surface. Every path
// upgrades: the daemon connects to whatever TLS URL the operator handed
// it.
func (a *App) TLSHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.HandleFunc("/*", a.handleGraphSocket)
	return r
}

// handleGraphSocket serves one daemon's long-lived graph stream: answer
// GetGraph with the current assignment, push RefetchGraph when the
// assignment changes.
func (a *App) handleGraphSocket(w http.ResponseWriter, r *http.Request) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		writeError(w, http.StatusForbidden, "client certificate required")
		return
	}
	daemonID, err := pki.CommonName(r.TLS.PeerCertificates[0])
	if err != nil {
		writeError(w, http.StatusForbidden, "client certificate carries no identity")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[server] upgrade for daemon %s failed: %v", daemonID, err)
		return
	}
	defer conn.Close()
	log.Printf("[server] daemon %s connected", daemonID)
	metrics.DaemonsConnected.Inc()
	defer metrics.DaemonsConnected.Dec()

	notifyC, cancel := a.hub.Subscribe(daemonID)
	defer cancel()

	done := make(chan struct{})
	defer close(done)

	// single writer: reader requests and hub pushes both funnel here
	outC := make(chan domain.WireMessage, 4)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case msg := <-outC:
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					log.Printf("[server] write to daemon %s failed: %v", daemonID, err)
					conn.Close()
					return
				}
			case <-done:
				return
			}
		}
	}()

	go func() {
		for {
			select {
			case <-notifyC:
				select {
				case outC <- domain.WireMessage{Message: domain.MsgRefetchGraph}:
				case <-done:
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			log.Printf("[server] daemon %s disconnected: %v", daemonID, err)
			return
		}
		if messageType != websocket.TextMessage {
			log.Printf("[server] daemon %s sent unexpected frame type %d", daemonID, messageType)
			return
		}
		var msg domain.WireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[server] daemon %s sent undecodable message: %v", daemonID, err)
			return
		}
		if msg.Message != domain.MsgGetGraph {
			log.Printf("[server] daemon %s sent unexpected message %q", daemonID, msg.Message)
			return
		}
		assignment, err := a.db.AssignmentFor(daemonID)
		if err != nil {
			log.Printf("[server] assignment for daemon %s failed: %v", daemonID, err)
			return
		}
		select {
		case outC <- domain.WireMessage{Message: domain.MsgGetGraphResponse, Graph: &assignment}:
		case <-writerDone:
			return
		}
	}
}
