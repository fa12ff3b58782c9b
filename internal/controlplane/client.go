// Package controlplane implements the daemon's side of the control-plane
// link: one-shot enrollment over HTTP and the long-lived authenticated
// websocket that delivers graph assignments.
package controlplane

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mycelial-network/mycelial/internal/domain"
	"github.com/mycelial-network/mycelial/internal/metrics"
	"github.com/mycelial-network/mycelial/internal/pki"
)

// RuntimeHandle is how the client hands received graphs to the runtime.
type RuntimeHandle interface {
	Graph(domain.Graph)
}

// Config holds the client timings. Defaults match production; tests
// shorten them.
type Config struct {
	ReconnectDelay time.Duration // wait before reporting a dead websocket
	PingInterval   time.Duration // websocket heartbeat
	JoinTimeout    time.Duration // join HTTP request timeout
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay: 3 * time.Second,
		PingInterval:   30 * time.Second,
		JoinTimeout:    30 * time.Second,
	}
}

type joinMsg struct {
	controlPlaneURL string
	token           string
	reply           chan joinReply
}

type joinReply struct {
	key domain.CertifiedKey
	err error
}

type setTLSMsg struct {
	tlsURL string
	key    domain.CertifiedKey
	reply  chan error
}

type wsDownMsg struct{}

// Client is the control-plane client actor. At most one websocket worker
// runs at a time; restarting aborts the previous worker.
type Client struct {
	cfg     Config
	runtime RuntimeHandle
	msgC    chan any
}

// New builds the client. Run must be started for it to make progress.
func New(cfg Config, runtime RuntimeHandle) *Client {
	return &Client{cfg: cfg, runtime: runtime, msgC: make(chan any, 1)}
}

// Join performs one-shot enrollment against the control plane and returns
// the minted certified key. Nothing is stored here — that is the runtime's
// decision.
func (c *Client) Join(ctx context.Context, controlPlaneURL, token string) (domain.CertifiedKey, error) {
	reply := make(chan joinReply, 1)
	select {
	case c.msgC <- joinMsg{controlPlaneURL: controlPlaneURL, token: token, reply: reply}:
	case <-ctx.Done():
		return domain.CertifiedKey{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.key, r.err
	case <-ctx.Done():
		return domain.CertifiedKey{}, ctx.Err()
	}
}

// SetTLSURL stores the websocket endpoint and credentials and starts the
// websocket worker.
func (c *Client) SetTLSURL(ctx context.Context, tlsURL string, key domain.CertifiedKey) error {
	reply := make(chan error, 1)
	select {
	case c.msgC <- setTLSMsg{tlsURL: tlsURL, key: key, reply: reply}:
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

// Run is the client actor loop; it exits when ctx is done, aborting any
// running websocket worker.
func (c *Client) Run(ctx context.Context) {
	var (
		tlsURL       *url.URL
		key          *domain.CertifiedKey
		workerCancel context.CancelFunc
	)
	defer func() {
		if workerCancel != nil {
			workerCancel()
		}
	}()

	startWorker := func() {
		if workerCancel != nil {
			workerCancel()
		}
		wctx, cancel := context.WithCancel(ctx)
		workerCancel = cancel
		u, k := tlsURL, key
		go func() {
			if err := runWebsocket(wctx, c.runtime, u, *k, c.cfg.PingInterval); err != nil {
				log.Printf("[controlplane] websocket connection closed: %v", err)
			}
			select {
			case <-wctx.Done():
				return
			case <-time.After(c.cfg.ReconnectDelay):
			}
			select {
			case c.msgC <- wsDownMsg{}:
			case <-wctx.Done():
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.msgC:
			switch m := msg.(type) {
			case joinMsg:
				key, err := JoinControlPlane(ctx, c.cfg, m.controlPlaneURL, m.token)
				if err != nil {
					metrics.JoinAttempts.WithLabelValues("error").Inc()
				} else {
					metrics.JoinAttempts.WithLabelValues("ok").Inc()
				}
				m.reply <- joinReply{key: key, err: err}
			case setTLSMsg:
				u, err := NormalizeTLSURL(m.tlsURL)
				if err != nil {
					m.reply <- err
					continue
				}
				tlsURL = u
				k := m.key
				key = &k
				startWorker()
				m.reply <- nil
			case wsDownMsg:
				if tlsURL == nil || key == nil {
					continue
				}
				log.Printf("[controlplane] websocket client is down, restarting")
				metrics.WebsocketReconnects.Inc()
				startWorker()
			}
		}
	}
}

// NormalizeTLSURL parses the stored TLS URL and rewrites an http or https
// scheme to wss; any other scheme is kept as given.
func NormalizeTLSURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse control plane tls url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "https":
		u.Scheme = "wss"
	}
	return u, nil
}

// JoinControlPlane splits the token, generates a keypair + CSR bound to
// the token id, and posts the enrollment request. Exposed directly so the
// one-shot join CLI path does not need the actor running.
func JoinControlPlane(ctx context.Context, cfg Config, controlPlaneURL, token string) (domain.CertifiedKey, error) {
	var zero domain.CertifiedKey
	base, err := url.Parse(controlPlaneURL)
	if err != nil {
		return zero, fmt.Errorf("parse control plane url %q: %w", controlPlaneURL, err)
	}
	tokenID, secret, ok := strings.Cut(token, ":")
	if !ok || tokenID == "" || secret == "" {
		return zero, domain.ErrMalformedToken
	}

	keyPEM, csrPEM, err := pki.GenerateCSR(tokenID)
	if err != nil {
		return zero, fmt.Errorf("generate csr: %w", err)
	}

	sum := sha256.New()
	sum.Write(csrPEM)
	sum.Write([]byte(":"))
	sum.Write([]byte(secret))
	request := domain.JoinRequest{
		ID:   tokenID,
		CSR:  string(csrPEM),
		Hash: hex.EncodeToString(sum.Sum(nil)),
	}

	body, err := json.Marshal(request)
	if err != nil {
		return zero, fmt.Errorf("encode join request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base.JoinPath("api", "daemon", "join").String(), bytes.NewReader(body))
	if err != nil {
		return zero, fmt.Errorf("build join request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: cfg.JoinTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return zero, fmt.Errorf("join request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return zero, fmt.Errorf("read join response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp domain.ErrorResponse
		if err := json.Unmarshal(data, &errResp); err != nil || errResp.Error == "" {
			return zero, fmt.Errorf("join rejected with status %d", resp.StatusCode)
		}
		return zero, fmt.Errorf("join rejected with status %d: %s", resp.StatusCode, errResp.Error)
	}
	var joined domain.JoinResponse
	if err := json.Unmarshal(data, &joined); err != nil {
		return zero, fmt.Errorf("decode join response: %w", err)
	}
	return domain.CertifiedKey{
		Key:           string(keyPEM),
		Certificate:   joined.Certificate,
		CACertificate: joined.CACertificate,
	}, nil
}
