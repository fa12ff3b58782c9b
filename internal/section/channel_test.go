package section

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mycelial-network/mycelial/internal/domain"
)

func recvRequest(t *testing.T, root *RootChannel) Request {
	t.Helper()
	select {
	case req := <-root.Requests():
		return req
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for request")
		return nil
	}
}

func TestAddSectionDuplicateID(t *testing.T) {
	root := NewRootChannel()
	if _, err := root.AddSection("a"); err != nil {
		t.Fatalf("AddSection: %v", err)
	}
	if _, err := root.AddSection("a"); !errors.Is(err, domain.ErrSectionExists) {
		t.Fatalf("duplicate AddSection err = %v, want ErrSectionExists", err)
	}
}

func TestCloseEmitsStopped(t *testing.T) {
	root := NewRootChannel()
	ch, err := root.AddSection("a")
	if err != nil {
		t.Fatalf("AddSection: %v", err)
	}
	ch.Close()
	ch.Close() // idempotent

	req := recvRequest(t, root)
	stopped, ok := req.(Stopped)
	if !ok || stopped.ID != "a" {
		t.Fatalf("request = %#v, want Stopped{a}", req)
	}
	select {
	case req := <-root.Requests():
		t.Fatalf("unexpected second request: %#v", req)
	default:
	}
}

func TestShutdownSendsStopToEverySection(t *testing.T) {
	root := NewRootChannel()
	a, _ := root.AddSection("a")
	b, _ := root.AddSection("b")

	root.Shutdown()

	for _, ch := range []*SectionChannel{a, b} {
		select {
		case cmd := <-ch.Commands():
			if _, ok := cmd.(Stop); !ok {
				t.Fatalf("command = %#v, want Stop", cmd)
			}
		case <-time.After(time.Second):
			t.Fatal("no Stop delivered")
		}
	}
	// send sides are discarded
	if err := root.Send("a", Stop{}); !errors.Is(err, domain.ErrNoSuchSection) {
		t.Fatalf("Send after Shutdown err = %v", err)
	}
}

func TestRemoveSectionDropsSendSideOnly(t *testing.T) {
	root := NewRootChannel()
	ch, _ := root.AddSection("a")
	if err := root.RemoveSection("a"); err != nil {
		t.Fatalf("RemoveSection: %v", err)
	}
	if err := root.RemoveSection("a"); !errors.Is(err, domain.ErrNoSuchSection) {
		t.Fatalf("second RemoveSection err = %v", err)
	}
	// the section itself is untouched: its channel still works upward
	ch.Log("still alive")
	req := recvRequest(t, root)
	if logReq, ok := req.(Log); !ok || logReq.Message != "still alive" {
		t.Fatalf("request = %#v", req)
	}
}

func TestWeakAckAfterCloseIsDropped(t *testing.T) {
	root := NewRootChannel()
	ch, _ := root.AddSection("a")
	weak := ch.Weak()

	weak.Ack("first")
	select {
	case cmd := <-ch.Commands():
		ack, ok := cmd.(Ack)
		if !ok || ack.Payload != "first" {
			t.Fatalf("command = %#v", cmd)
		}
	case <-time.After(time.Second):
		t.Fatal("ack not delivered")
	}

	ch.Close()
	weak.Ack("second") // must not block or panic
	select {
	case cmd := <-ch.Commands():
		t.Fatalf("ack delivered after close: %#v", cmd)
	default:
	}
}

func TestStateRequestsRoundTrip(t *testing.T) {
	root := NewRootChannel()
	ch, _ := root.AddSection("a")
	ctx := context.Background()

	// fake supervisor: serve one retrieve and one store
	go func() {
		for req := range root.Requests() {
			switch r := req.(type) {
			case RetrieveState:
				st := NewState()
				st.SetUint("offset", 9)
				r.Reply <- StateReply{State: st}
			case StoreState:
				r.Reply <- nil
				return
			}
		}
	}()

	st, err := ch.RetrieveState(ctx)
	if err != nil {
		t.Fatalf("RetrieveState: %v", err)
	}
	if v, ok := st.GetUint("offset"); !ok || v != 9 {
		t.Fatalf("offset = %d, %v", v, ok)
	}
	if err := ch.StoreState(ctx, st); err != nil {
		t.Fatalf("StoreState: %v", err)
	}
}

func TestStateRequestHonorsContext(t *testing.T) {
	root := NewRootChannel()
	ch, _ := root.AddSection("a")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// nobody serves the root channel reply
	if _, err := ch.RetrieveState(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}
