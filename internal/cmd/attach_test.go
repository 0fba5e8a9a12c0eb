package cmd

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yingjunnan/acweb/internal/auth"
	"github.com/yingjunnan/acweb/internal/channel"
	"github.com/yingjunnan/acweb/internal/connmgr"
	"github.com/yingjunnan/acweb/internal/kvstore"
	"github.com/yingjunnan/acweb/internal/lifecycle"
	"github.com/yingjunnan/acweb/internal/registry"
)

// echoChannel answers every input with the same bytes as output.
type echoChannel struct {
	id     string
	events chan channel.Event
	once   sync.Once
}

func (e *echoChannel) SessionID() string            { return e.id }
func (e *echoChannel) Events() <-chan channel.Event { return e.events }

func (e *echoChannel) Send(ctx context.Context, data []byte) error {
	e.output(string(data))
	return nil
}

func (e *echoChannel) Resize(ctx context.Context, rows, cols uint16) error { return nil }

func (e *echoChannel) output(s string) {
	e.events <- channel.Event{SessionID: e.id, Type: channel.EventData, Data: []byte(s)}
}

func (e *echoChannel) end() {
	e.once.Do(func() {
		e.events <- channel.Event{SessionID: e.id, Type: channel.EventClosed, Code: 1001}
		close(e.events)
	})
}

func (e *echoChannel) Close() error {
	e.end()
	return nil
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPump_ReplaysHistoryOnce(t *testing.T) {
	ch := &echoChannel{id: "s1", events: make(chan channel.Event, 16)}
	conns := connmgr.New(channel.DialerFunc(func(ctx context.Context, id string) (channel.Channel, error) {
		return ch, nil
	}))
	defer conns.CloseAll()
	store := kvstore.NewMemory()
	ctrl := lifecycle.New(auth.NewGateway("http://127.0.0.1", store), nil, registry.New(store), conns)
	defer ctrl.Stop()

	conn, err := conns.Open(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ch.output("before\n")
	waitUntil(t, func() bool {
		data, _, _ := conn.History().ReadFrom(0)
		return len(data) > 0
	})

	in, inW := io.Pipe()
	defer inW.Close()
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- pump(context.Background(), in, out, ctrl, conn) }()

	waitUntil(t, func() bool { return strings.Contains(out.String(), "before\n") })
	inW.Write([]byte("typed"))
	waitUntil(t, func() bool { return strings.Contains(out.String(), "typed") })

	ch.output("tail")
	ch.end()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("pump: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pump did not return after the channel closed")
	}

	if got, want := out.String(), "before\ntypedtail"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}
