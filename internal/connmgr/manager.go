// Package connmgr keeps the runtime table of live terminal channels, at most
// one per session id, and fans their events out to subscribers.
//
// The table is driven only by the session lifecycle controller. Losing a
// channel (remote close, network failure) removes it from the table but
// never touches the session itself.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/yingjunnan/acweb/internal/channel"
	"github.com/yingjunnan/acweb/internal/logutil"
)

// State is the connection state of one session id.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrSuperseded is returned by Open when a Close for the same id ran while
// the dial was in flight. The late channel has been closed.
var ErrSuperseded = errors.New("connmgr: open superseded by close")

// Conn is one live channel tracked by the Manager.
type Conn struct {
	ch      channel.Channel
	history *History
	done    chan struct{}
}

func (c *Conn) SessionID() string { return c.ch.SessionID() }

// Send forwards terminal input.
func (c *Conn) Send(ctx context.Context, data []byte) error { return c.ch.Send(ctx, data) }

// Resize forwards a terminal size change.
func (c *Conn) Resize(ctx context.Context, rows, cols uint16) error {
	return c.ch.Resize(ctx, rows, cols)
}

// History returns the output received since the connection opened.
func (c *Conn) History() *History { return c.history }

// Done is closed once the channel's event stream has ended.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Option configures a Manager.
type Option func(*Manager)

// WithHistoryLines sets how many output lines each connection retains.
func WithHistoryLines(n int) Option {
	return func(m *Manager) { m.historyLines = n }
}

type subscription struct {
	ch   chan channel.Event
	done chan struct{}
}

// Manager owns the connection table.
type Manager struct {
	dialer       channel.Dialer
	historyLines int

	mu      sync.Mutex
	conns   map[string]*Conn
	pending map[string]int
	// gens[id] is bumped by Close(id) and epoch by CloseAll; an in-flight
	// dial whose generation changed must not be installed.
	gens  map[string]uint64
	epoch uint64

	group singleflight.Group

	subsMu  sync.Mutex
	subs    map[int]*subscription
	nextSub int
}

func New(dialer channel.Dialer, opts ...Option) *Manager {
	m := &Manager{
		dialer:  dialer,
		conns:   make(map[string]*Conn),
		pending: make(map[string]int),
		gens:    make(map[string]uint64),
		subs:    make(map[int]*subscription),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// generation must be called with m.mu held.
func (m *Manager) generation(id string) uint64 {
	return m.epoch + m.gens[id]
}

// Open returns the live connection for id, dialing one if none exists.
// Concurrent calls for the same id share a single dial.
func (m *Manager) Open(ctx context.Context, id string) (*Conn, error) {
	if id == "" {
		return nil, fmt.Errorf("connmgr: empty session id")
	}
	m.mu.Lock()
	if c, ok := m.conns[id]; ok {
		m.mu.Unlock()
		return c, nil
	}
	gen := m.generation(id)
	m.pending[id]++
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.pending[id]--; m.pending[id] <= 0 {
			delete(m.pending, id)
		}
		m.mu.Unlock()
	}()

	key := id + "#" + strconv.FormatUint(gen, 10)
	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		return m.dial(ctx, id, gen)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Conn), nil
}

func (m *Manager) dial(ctx context.Context, id string, gen uint64) (*Conn, error) {
	ch, err := m.dialer.Dial(ctx, id)
	if err != nil {
		log.Printf("[connmgr] open %s failed: %v", logutil.SanitizeForLog(id), err)
		return nil, fmt.Errorf("open %s: %w", id, err)
	}

	m.mu.Lock()
	if m.generation(id) != gen {
		m.mu.Unlock()
		log.Printf("[connmgr] open %s superseded by close, discarding channel", logutil.SanitizeForLog(id))
		discard(ch)
		return nil, ErrSuperseded
	}
	if existing, ok := m.conns[id]; ok {
		m.mu.Unlock()
		discard(ch)
		return existing, nil
	}
	c := &Conn{
		ch:      ch,
		history: NewHistory(m.historyLines),
		done:    make(chan struct{}),
	}
	m.conns[id] = c
	m.mu.Unlock()

	log.Printf("[connmgr] opened %s", logutil.SanitizeForLog(id))
	go m.pump(c)
	return c, nil
}

// discard closes a channel nobody will track and drains its events.
func discard(ch channel.Channel) {
	go func() {
		for range ch.Events() {
		}
	}()
	ch.Close()
}

// pump forwards a connection's events until its stream ends.
func (m *Manager) pump(c *Conn) {
	defer close(c.done)
	id := c.SessionID()
	for ev := range c.ch.Events() {
		switch ev.Type {
		case channel.EventData:
			c.history.Write(ev.Data)
		case channel.EventClosed:
			m.mu.Lock()
			if m.conns[id] == c {
				delete(m.conns, id)
			}
			m.mu.Unlock()
			log.Printf("[connmgr] %s closed (code %d, local %v)", logutil.SanitizeForLog(id), ev.Code, ev.Local)
		case channel.EventError:
			log.Printf("[connmgr] %s error: %v", logutil.SanitizeForLog(id), ev.Err)
		}
		m.publish(ev)
	}
}

// Close closes the connection for id. It is a no-op when none is open, but
// still invalidates any dial for id that is in flight.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	m.gens[id]++
	c, ok := m.conns[id]
	delete(m.conns, id)
	m.mu.Unlock()

	if ok {
		if err := c.ch.Close(); err != nil {
			log.Printf("[connmgr] close %s: %v", logutil.SanitizeForLog(id), err)
		}
	}
}

// CloseAll closes every connection and invalidates every in-flight dial.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.epoch++
	conns := m.conns
	m.conns = make(map[string]*Conn)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for id, c := range conns {
		wg.Add(1)
		go func(id string, c *Conn) {
			defer wg.Done()
			if err := c.ch.Close(); err != nil {
				log.Printf("[connmgr] close %s: %v", logutil.SanitizeForLog(id), err)
			}
		}(id, c)
	}
	wg.Wait()
	if len(conns) > 0 {
		log.Printf("[connmgr] closed %d connection(s)", len(conns))
	}
}

// Get returns the tracked connection for id.
func (m *Manager) Get(id string) (*Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	return c, ok
}

// State reports the connection state of id.
func (m *Manager) State(id string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[id]; ok {
		return StateConnected
	}
	if m.pending[id] > 0 {
		return StateConnecting
	}
	return StateDisconnected
}

// IDs returns the ids with a tracked connection, sorted.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Subscribe returns a stream of every connection's events and a cancel
// function. Delivery blocks until the subscriber receives or cancels, so
// subscribers must keep reading. The stream is not closed by cancel.
func (m *Manager) Subscribe() (<-chan channel.Event, func()) {
	sub := &subscription{
		ch:   make(chan channel.Event, 64),
		done: make(chan struct{}),
	}
	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = sub
	m.subsMu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			close(sub.done)
			m.subsMu.Lock()
			delete(m.subs, id)
			m.subsMu.Unlock()
		})
	}
}

func (m *Manager) publish(ev channel.Event) {
	m.subsMu.Lock()
	subs := make([]*subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.subsMu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		case <-s.done:
		}
	}
}
