package controlplane

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mycelial-network/mycelial/internal/domain"
	"github.com/mycelial-network/mycelial/internal/pki"
	"github.com/mycelial-network/mycelial/internal/server"
)

func testConfig() Config {
	return Config{
		ReconnectDelay: 100 * time.Millisecond,
		PingInterval:   time.Second,
		JoinTimeout:    5 * time.Second,
	}
}

func testControlPlane(t *testing.T) (*server.App, *server.DB, *httptest.Server) {
	t.Helper()
	db, err := server.OpenDB(t.TempDir())
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ca, err := pki.GenerateCA("test-control")
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}
	serverCert, err := pki.GenerateServerCert(ca, "test-control")
	if err != nil {
		t.Fatalf("GenerateServerCert: %v", err)
	}
	app := server.NewApp(db, ca, serverCert)
	api := httptest.NewServer(app.APIHandler())
	t.Cleanup(api.Close)
	return app, db, api
}

func TestNormalizeTLSURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://control.example:7778", "wss://control.example:7778"},
		{"https://control.example:7778", "wss://control.example:7778"},
		{"wss://control.example:7778/ws", "wss://control.example:7778/ws"},
	}
	for _, tt := range tests {
		u, err := NormalizeTLSURL(tt.in)
		if err != nil {
			t.Errorf("NormalizeTLSURL(%q): %v", tt.in, err)
			continue
		}
		if u.String() != tt.want {
			t.Errorf("NormalizeTLSURL(%q) = %q, want %q", tt.in, u, tt.want)
		}
	}
}

func TestJoinMalformedToken(t *testing.T) {
	_, err := JoinControlPlane(context.Background(), testConfig(), "http://127.0.0.1:1", "no-separator")
	if !errors.Is(err, domain.ErrMalformedToken) {
		t.Fatalf("err = %v, want ErrMalformedToken", err)
	}
}

// S4 from the daemon's side: join returns a certified key whose
// certificate CN is the token id.
func TestJoinSuccessReturnsKey(t *testing.T) {
	_, db, api := testControlPlane(t)
	tokenID, secret, err := db.CreateToken()
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	key, err := JoinControlPlane(context.Background(), testConfig(), api.URL, tokenID+":"+secret)
	if err != nil {
		t.Fatalf("JoinControlPlane: %v", err)
	}
	cert, err := pki.ParseCertificatePEM([]byte(key.Certificate))
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	name, err := pki.CommonName(cert)
	if err != nil || name != tokenID {
		t.Errorf("certificate identity = %q, %v, want token id", name, err)
	}
	if !strings.Contains(key.Key, "PRIVATE KEY") {
		t.Error("certified key carries no private key")
	}
	if !strings.Contains(key.CACertificate, "CERTIFICATE") {
		t.Error("certified key carries no ca certificate")
	}
}

// S5 from the daemon's side: a bad secret surfaces the server's error.
func TestJoinBadSecretSurfacesError(t *testing.T) {
	_, db, api := testControlPlane(t)
	tokenID, _, err := db.CreateToken()
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	_, err = JoinControlPlane(context.Background(), testConfig(), api.URL, tokenID+":wrong")
	if err == nil {
		t.Fatal("join with wrong secret succeeded")
	}
	if !strings.Contains(err.Error(), "hash mismatch") {
		t.Errorf("error does not surface server text: %v", err)
	}
}

type captureRuntime struct {
	graphs chan domain.Graph
}

func (c *captureRuntime) Graph(g domain.Graph) {
	c.graphs <- g
}

func waitGraph(t *testing.T, c chan domain.Graph) domain.Graph {
	t.Helper()
	select {
	case g := <-c:
		return g
	case <-time.After(5 * time.Second):
		t.Fatal("no graph delivered")
		return domain.Graph{}
	}
}

// End to end: join, connect over mTLS, receive the assignment, then
// receive RefetchGraph when the assignment changes and fetch again.
func TestWebsocketGraphDelivery(t *testing.T) {
	app, db, api := testControlPlane(t)

	tokenID, secret, err := db.CreateToken()
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	key, err := JoinControlPlane(context.Background(), testConfig(), api.URL, tokenID+":"+secret)
	if err != nil {
		t.Fatalf("JoinControlPlane: %v", err)
	}

	daemonID := uuid.MustParse(tokenID)
	nodeID := uuid.UUID{15: 1}
	seed := domain.Graph{
		Nodes: []domain.Node{{
			ID:       nodeID,
			Config:   domain.RawConfig{"name": "tail_source", "path": "/tmp/a.log"},
			DaemonID: &daemonID,
		}},
		Edges: []domain.Edge{},
	}
	if _, err := db.ReplaceGraph(seed); err != nil {
		t.Fatalf("ReplaceGraph: %v", err)
	}

	tlsSrv := httptest.NewUnstartedServer(app.TLSHandler())
	tlsSrv.TLS = app.TLSConfig()
	tlsSrv.StartTLS()
	defer tlsSrv.Close()

	runtime := &captureRuntime{graphs: make(chan domain.Graph, 4)}
	client := New(testConfig(), runtime)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	if err := client.SetTLSURL(ctx, tlsSrv.URL, key); err != nil {
		t.Fatalf("SetTLSURL: %v", err)
	}

	got := waitGraph(t, runtime.graphs)
	if len(got.Nodes) != 1 || got.Nodes[0].ID != nodeID {
		t.Fatalf("first assignment = %+v", got)
	}
	if got.Nodes[0].Config.Name() != "tail_source" {
		t.Errorf("config name = %q", got.Nodes[0].Config.Name())
	}

	// update the assignment through the admin path: daemon must refetch
	seed.Nodes[0].Config["path"] = "/tmp/b.log"
	touched, err := db.ReplaceGraph(seed)
	if err != nil {
		t.Fatalf("ReplaceGraph: %v", err)
	}
	app.Notify(touched)

	got = waitGraph(t, runtime.graphs)
	path, _ := got.Nodes[0].Config["path"].(string)
	if path != "/tmp/b.log" {
		t.Fatalf("refetched assignment path = %q", path)
	}
}

// A TLS client without a client certificate must be rejected.
func TestWebsocketRequiresClientCert(t *testing.T) {
	app, db, api := testControlPlane(t)
	tokenID, secret, err := db.CreateToken()
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	key, err := JoinControlPlane(context.Background(), testConfig(), api.URL, tokenID+":"+secret)
	if err != nil {
		t.Fatalf("JoinControlPlane: %v", err)
	}

	tlsSrv := httptest.NewUnstartedServer(app.TLSHandler())
	tlsSrv.TLS = app.TLSConfig()
	tlsSrv.StartTLS()
	defer tlsSrv.Close()

	u, err := NormalizeTLSURL(tlsSrv.URL)
	if err != nil {
		t.Fatalf("NormalizeTLSURL: %v", err)
	}
	ca, err := pki.ParseCertificatePEM([]byte(key.CACertificate))
	if err != nil {
		t.Fatalf("parse ca: %v", err)
	}
	verifier := pki.NewVerifier(ca, pki.VerifyServer)
	dialer := websocket.Dialer{
		HandshakeTimeout: 2 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify:    true,
			VerifyPeerCertificate: verifier.VerifyPeerCertificate,
			MinVersion:            tls.VersionTLS12,
		},
	}
	conn, resp, err := dialer.DialContext(context.Background(), u.String(), nil)
	if err == nil {
		// some stacks only surface the rejection on first read
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, _, readErr := conn.ReadMessage(); readErr == nil {
			t.Error("connection without client certificate was served")
		}
		conn.Close()
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
}
