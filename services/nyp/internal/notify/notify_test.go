package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pricelane/pkg/logger"
	"pricelane/services/nyp/internal/negotiation"

	"github.com/gorilla/websocket"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	panic  bool
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Send(ctx context.Context, e Event) error {
	if s.panic {
		panic("boom")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func TestRenderTemplates(t *testing.T) {
	if got := Render(EventOfferSent, "Opal Ring"); got != "Offer sent for Opal Ring." {
		t.Fatalf("unexpected render %q", got)
	}
	if got := Render(EventType("OTHER"), "x"); got != "OTHER" {
		t.Fatalf("expected unknown type to render as itself, got %q", got)
	}
}

func TestDispatcherSwallowsSinkFailures(t *testing.T) {
	ok := &recordingSink{}
	failing := &recordingSink{err: errors.New("smtp down")}
	panicking := &recordingSink{panic: true}
	d := NewDispatcher(logger.Discard(), time.Second, failing, panicking, ok)

	th := negotiation.Thread{NegotiationID: "neg_1", UserID: "usr_1", ProductTitle: "Opal Ring"}
	d.Notify(NewEvent(EventAccepted, th, nil, time.Now()))
	d.Wait()

	if len(ok.events) != 1 || ok.events[0].Message != "Your offer on Opal Ring was accepted." {
		t.Fatalf("unexpected delivered events %+v", ok.events)
	}
	if len(failing.events) != 1 {
		t.Fatalf("expected failing sink to be attempted")
	}
}

func TestHubBroadcastsToOperators(t *testing.T) {
	hub := NewHub(logger.Discard())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	th := negotiation.Thread{NegotiationID: "neg_1", ProductTitle: "Opal Ring"}
	if err := hub.Send(context.Background(), NewEvent(EventOfferSent, th, nil, time.Now())); err != nil {
		t.Fatalf("send: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var e Event
	if err := json.Unmarshal(msg, &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.Type != EventOfferSent || e.NegotiationID != "neg_1" {
		t.Fatalf("unexpected event %+v", e)
	}
}
