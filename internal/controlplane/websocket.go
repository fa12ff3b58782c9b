package controlplane

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mycelial-network/mycelial/internal/domain"
	"github.com/mycelial-network/mycelial/internal/pki"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// runWebsocket drives one websocket session: connect with mTLS, request
// the graph, forward pushes to the runtime, and heartbeat with pings.
// Returns when the connection dies, a protocol violation is seen, or ctx
// is done.
func runWebsocket(ctx context.Context, runtime RuntimeHandle, u *url.URL, key domain.CertifiedKey, ping time.Duration) error {
	tlsConfig, err := clientTLSConfig(key)
	if err != nil {
		return err
	}
	dialer := websocket.Dialer{
		TLSClientConfig:  tlsConfig,
		HandshakeTimeout: handshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()
	// unblock the reader when the worker is aborted
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	log.Printf("[controlplane] connected to control plane")

	getGraph := func() error {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(domain.WireMessage{Message: domain.MsgGetGraph})
	}
	if err := getGraph(); err != nil {
		return fmt.Errorf("request graph: %w", err)
	}

	type inbound struct {
		messageType int
		data        []byte
		err         error
	}
	inC := make(chan inbound)
	go func() {
		for {
			messageType, data, err := conn.ReadMessage()
			select {
			case inC <- inbound{messageType: messageType, data: data, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(ping)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in := <-inC:
			if in.err != nil {
				return fmt.Errorf("websocket closed: %w", in.err)
			}
			if in.messageType != websocket.TextMessage {
				return fmt.Errorf("unexpected websocket frame type %d", in.messageType)
			}
			var msg domain.WireMessage
			if err := json.Unmarshal(in.data, &msg); err != nil {
				return fmt.Errorf("decode control plane message: %w", err)
			}
			switch msg.Message {
			case domain.MsgGetGraphResponse:
				if msg.Graph != nil {
					runtime.Graph(*msg.Graph)
				}
			case domain.MsgRefetchGraph:
				if err := getGraph(); err != nil {
					return fmt.Errorf("refetch graph: %w", err)
				}
			default:
				return fmt.Errorf("unexpected control plane message %q", msg.Message)
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

// clientTLSConfig builds the mTLS client config: our certificate attached,
// the chain checked against the CA by the custom verifier, hostname
// deliberately not checked.
func clientTLSConfig(key domain.CertifiedKey) (*tls.Config, error) {
	ca, err := pki.ParseCertificatePEM([]byte(key.CACertificate))
	if err != nil {
		return nil, fmt.Errorf("parse ca certificate: %w", err)
	}
	cert, err := tls.X509KeyPair([]byte(key.Certificate), []byte(key.Key))
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}
	verifier := pki.NewVerifier(ca, pki.VerifyServer)
	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		InsecureSkipVerify:    true, // chain + usage checked by the verifier
		VerifyPeerCertificate: verifier.VerifyPeerCertificate,
		MinVersion:            tls.VersionTLS12,
	}, nil
}
