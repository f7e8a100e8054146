package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recorder struct {
	got []Event
	err error
}

func (r *recorder) Publish(_ context.Context, e Event) error {
	r.got = append(r.got, e)
	return r.err
}

func TestMulti_FansOutAndJoinsErrors(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{err: errors.New("down")}
	m := NewMulti().With("ok", ok).With("bad", bad)

	err := m.Publish(context.Background(), New(BatchClosed))
	if err == nil || !strings.Contains(err.Error(), "bad: down") {
		t.Fatalf("expected joined sink error, got %v", err)
	}
	if len(ok.got) != 1 || len(bad.got) != 1 {
		t.Errorf("every sink should see the event: ok=%d bad=%d", len(ok.got), len(bad.got))
	}
}

func TestNew_StampsIDAndTime(t *testing.T) {
	a, b := New(IntentSubmitted), New(IntentSubmitted)
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("expected unique ids, got %q and %q", a.ID, b.ID)
	}
	if a.At.IsZero() {
		t.Error("expected timestamp")
	}
}

func TestNATSPublisher_Subject(t *testing.T) {
	p := NewNATSPublisher(nil, "dca.events")
	if got := p.Subject(WithdrawalCompleted); got != "dca.events.withdrawal.completed" {
		t.Errorf("unexpected subject %q", got)
	}
}

func TestWSHub_BroadcastsEvents(t *testing.T) {
	hub := NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	e := New(BatchClosed)
	e.BatchID = 7
	if err := hub.Publish(ctx, e); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Type != BatchClosed || got.BatchID != 7 {
		t.Errorf("unexpected event %+v", got)
	}
}
