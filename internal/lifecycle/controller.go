// Package lifecycle orchestrates the session registry, the connection table
// and the authentication gateway: startup reconciliation against the
// server's live sessions, creation, focus changes, removal, and logout.
//
// Every mutation of a session id goes through the Controller, which
// serializes operations on the same id and lets different ids run
// concurrently.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/yingjunnan/acweb/internal/auth"
	"github.com/yingjunnan/acweb/internal/channel"
	"github.com/yingjunnan/acweb/internal/connmgr"
	"github.com/yingjunnan/acweb/internal/logutil"
	"github.com/yingjunnan/acweb/internal/registry"
	"github.com/yingjunnan/acweb/internal/termapi"
)

// Gateway is the part of *auth.Gateway the controller needs.
type Gateway interface {
	ClearToken() error
	Reject(reason string)
	Subscribe() (<-chan auth.LogoutEvent, func())
}

// LiveLister enumerates the session ids the server has live; *termapi.Client
// satisfies it.
type LiveLister interface {
	LiveIDs(ctx context.Context) (map[string]bool, error)
}

// SessionStatus is the controller's view of one registered session.
type SessionStatus struct {
	registry.Session
	Phase  Phase
	Conn   connmgr.State
	Active bool
}

// Change is published whenever a session's phase or connection changes, and
// once with LoggedOut set when the credential is dropped.
type Change struct {
	SessionID string
	Phase     Phase
	Conn      connmgr.State
	// Err is set when a channel reported a failure.
	Err error
	// LoggedOut is set for forced and explicit logouts; Logout carries the
	// gateway event for forced ones.
	LoggedOut bool
	Logout    *auth.LogoutEvent
}

// Controller owns the per-session state machine.
type Controller struct {
	gw    Gateway
	live  LiveLister
	reg   *registry.Registry
	conns *connmgr.Manager
	locks *keyedMutex

	mu sync.Mutex
	// base records Persisted, Live or Stale per registered id; focus decides
	// between Active and Inactive for live ones.
	base map[string]Phase

	subsMu  sync.Mutex
	subs    map[int]chan Change
	nextSub int

	watchOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

func New(gw Gateway, live LiveLister, reg *registry.Registry, conns *connmgr.Manager) *Controller {
	return &Controller{
		gw:    gw,
		live:  live,
		reg:   reg,
		conns: conns,
		locks: newKeyedMutex(),
		base:  make(map[string]Phase),
		subs:  make(map[int]chan Change),
		stop:  make(chan struct{}),
	}
}

// Connections exposes the connection table for read access (attach, output
// subscription). Mutations must go through the Controller.
func (c *Controller) Connections() *connmgr.Manager { return c.conns }

// Start reconciles, begins watching channel and logout events, and opens the
// active session's connection.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.Reconcile(ctx); err != nil {
		return err
	}
	c.watch()
	if active := c.reg.Active(); active != "" {
		if _, err := c.Open(ctx, active); err != nil {
			return fmt.Errorf("open active session: %w", err)
		}
	}
	return nil
}

// Reconcile restores the persisted sessions and drops those the server no
// longer has live. A stale session cannot come back. If the live set cannot
// be fetched the restored sessions stay Persisted and the error is returned.
func (c *Controller) Reconcile(ctx context.Context) error {
	c.reg.Restore()

	c.mu.Lock()
	c.base = make(map[string]Phase)
	c.mu.Unlock()
	for _, s := range c.reg.List() {
		c.transition(s.ID, PhasePersisted)
	}

	live, err := c.live.LiveIDs(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	kept, dropped, err := c.prune(live, false)
	if err != nil {
		return err
	}
	log.Printf("[lifecycle] reconciled: %d live, %d stale", kept, dropped)
	return nil
}

// Refresh re-checks registered sessions against the server and drops the
// ones that ended. Sessions with a connection are left alone.
func (c *Controller) Refresh(ctx context.Context) error {
	live, err := c.live.LiveIDs(ctx)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	_, dropped, err := c.prune(live, true)
	if dropped > 0 {
		log.Printf("[lifecycle] refresh dropped %d ended session(s)", dropped)
	}
	return err
}

func (c *Controller) prune(live map[string]bool, skipConnected bool) (kept, dropped int, err error) {
	for _, s := range c.reg.List() {
		unlock := c.locks.Lock(s.ID)
		if !c.reg.Contains(s.ID) {
			unlock()
			continue
		}
		keep := live[s.ID] || (skipConnected && c.conns.State(s.ID) != connmgr.StateDisconnected)
		if keep && c.transition(s.ID, PhaseLive) {
			kept++
			unlock()
			continue
		}
		c.transition(s.ID, PhaseStale)
		c.notify(Change{SessionID: s.ID, Phase: PhaseStale})
		c.conns.Close(s.ID)
		if rerr := c.reg.Remove(s.ID); rerr != nil {
			err = errors.Join(err, rerr)
		}
		c.transition(s.ID, PhaseRemoved)
		log.Printf("[lifecycle] dropped stale session %s", logutil.SanitizeForLog(s.ID))
		dropped++
		unlock()
	}
	if dropped > 0 {
		if perr := c.reg.Persist(); perr != nil {
			err = errors.Join(err, perr)
		}
	}
	c.notifyFocus()
	return kept, dropped, err
}

// Create registers a new session, focuses it and opens its connection. The
// server creates the backing process when the channel first connects. If
// the open fails the session stays registered and the error is returned.
func (c *Controller) Create(ctx context.Context, name string) (registry.Session, error) {
	id := termapi.NewSessionID()
	unlock := c.locks.Lock(id)
	defer unlock()

	if name == "" {
		name = fmt.Sprintf("Terminal %d", c.reg.Len()+1)
	}
	s := registry.Session{ID: id, Name: name}
	if _, err := c.reg.Register(s); err != nil {
		return s, err
	}
	c.transition(id, PhaseLive)
	if err := c.reg.SetActive(id); err != nil {
		return s, err
	}
	if err := c.reg.Persist(); err != nil {
		return s, err
	}
	log.Printf("[lifecycle] created session %s (%s)", id, logutil.SanitizeForLog(name))
	c.notifyFocus()

	if _, err := c.openLocked(ctx, id); err != nil {
		return s, err
	}
	return s, nil
}

// SetActive moves focus to id, opening its connection if needed. Other
// sessions keep their connections.
func (c *Controller) SetActive(ctx context.Context, id string) error {
	unlock := c.locks.Lock(id)
	defer unlock()

	if err := c.reg.SetActive(id); err != nil {
		return err
	}
	if err := c.reg.Persist(); err != nil {
		return err
	}
	c.notifyFocus()
	if c.conns.State(id) == connmgr.StateDisconnected {
		if _, err := c.openLocked(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Open connects a registered session, or returns its existing connection.
func (c *Controller) Open(ctx context.Context, id string) (*connmgr.Conn, error) {
	unlock := c.locks.Lock(id)
	defer unlock()
	if !c.reg.Contains(id) {
		return nil, &registry.NotFoundError{ID: id}
	}
	return c.openLocked(ctx, id)
}

func (c *Controller) openLocked(ctx context.Context, id string) (*connmgr.Conn, error) {
	if _, ok := c.conns.Get(id); !ok {
		c.notify(Change{SessionID: id, Phase: c.phase(id), Conn: connmgr.StateConnecting})
	}
	conn, err := c.conns.Open(ctx, id)
	if err != nil {
		if errors.Is(err, channel.ErrTokenRejected) {
			c.gw.Reject("channel " + id)
		}
		c.notify(Change{SessionID: id, Phase: c.phase(id), Conn: connmgr.StateDisconnected, Err: err})
		return nil, err
	}
	c.notify(Change{SessionID: id, Phase: c.phase(id), Conn: connmgr.StateConnected})
	return conn, nil
}

// Disconnect closes id's connection and keeps the session.
func (c *Controller) Disconnect(id string) error {
	unlock := c.locks.Lock(id)
	defer unlock()
	if !c.reg.Contains(id) {
		return &registry.NotFoundError{ID: id}
	}
	c.conns.Close(id)
	return nil
}

// Remove closes the connection of id, forgets the session and moves focus
// per the registry's policy.
func (c *Controller) Remove(ctx context.Context, id string) error {
	unlock := c.locks.Lock(id)
	defer unlock()

	if !c.reg.Contains(id) {
		return &registry.NotFoundError{ID: id}
	}
	c.conns.Close(id)
	if err := c.reg.Remove(id); err != nil {
		return err
	}
	c.transition(id, PhaseRemoved)
	if err := c.reg.Persist(); err != nil {
		return err
	}
	log.Printf("[lifecycle] removed session %s", logutil.SanitizeForLog(id))
	c.notify(Change{SessionID: id, Phase: PhaseRemoved})
	c.notifyFocus()
	return nil
}

// Rename changes the display name of id.
func (c *Controller) Rename(id, name string) error {
	unlock := c.locks.Lock(id)
	defer unlock()
	if err := c.reg.Rename(id, name); err != nil {
		return err
	}
	return c.reg.Persist()
}

// Logout drops the credential, closes every connection and erases all
// session state, in memory and persisted.
func (c *Controller) Logout(ctx context.Context) error {
	var errs []error
	if err := c.gw.ClearToken(); err != nil {
		errs = append(errs, err)
	}
	c.conns.CloseAll()
	if err := c.reg.Clear(); err != nil {
		errs = append(errs, err)
	}
	c.mu.Lock()
	c.base = make(map[string]Phase)
	c.mu.Unlock()
	log.Printf("[lifecycle] logged out")
	c.notify(Change{LoggedOut: true})
	return errors.Join(errs...)
}

// Status reports the state of one registered session.
func (c *Controller) Status(id string) (SessionStatus, error) {
	s, ok := c.reg.Get(id)
	if !ok {
		return SessionStatus{}, &registry.NotFoundError{ID: id}
	}
	return c.status(s, c.reg.Active()), nil
}

// Sessions reports every registered session in order.
func (c *Controller) Sessions() []SessionStatus {
	active := c.reg.Active()
	list := c.reg.List()
	out := make([]SessionStatus, 0, len(list))
	for _, s := range list {
		out = append(out, c.status(s, active))
	}
	return out
}

// Active returns the focused session id, or "".
func (c *Controller) Active() string { return c.reg.Active() }

func (c *Controller) status(s registry.Session, active string) SessionStatus {
	return SessionStatus{
		Session: s,
		Phase:   c.phaseWithActive(s.ID, active),
		Conn:    c.conns.State(s.ID),
		Active:  s.ID == active,
	}
}

// transition moves id to phase to and reports whether the move was legal.
// Removed forgets the id. Illegal moves leave the phase unchanged.
func (c *Controller) transition(id string, to Phase) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	from, ok := c.base[id]
	if !ok {
		if to == PhaseRemoved {
			return true
		}
		from = PhaseUnknown
	}
	if from == to {
		return true
	}
	if !CanTransition(from, to) {
		log.Printf("[lifecycle] refusing %s -> %s for session %s", from, to, logutil.SanitizeForLog(id))
		return false
	}
	if to == PhaseRemoved {
		delete(c.base, id)
	} else {
		c.base[id] = to
	}
	return true
}

func (c *Controller) phase(id string) Phase {
	return c.phaseWithActive(id, c.reg.Active())
}

func (c *Controller) phaseWithActive(id, active string) Phase {
	c.mu.Lock()
	p, ok := c.base[id]
	c.mu.Unlock()
	switch {
	case !ok:
		return PhaseUnknown
	case p != PhaseLive:
		return p
	case id == active:
		return PhaseActive
	default:
		return PhaseInactive
	}
}

// notifyFocus publishes the phase of every live session after a focus change.
func (c *Controller) notifyFocus() {
	active := c.reg.Active()
	for _, s := range c.reg.List() {
		c.notify(Change{SessionID: s.ID, Phase: c.phaseWithActive(s.ID, active), Conn: c.conns.State(s.ID)})
	}
}

// Subscribe returns a stream of changes and a cancel function that closes
// it. Slow subscribers miss changes rather than stall the controller.
func (c *Controller) Subscribe() (<-chan Change, func()) {
	ch := make(chan Change, 64)
	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subsMu.Lock()
			delete(c.subs, id)
			c.subsMu.Unlock()
			close(ch)
		})
	}
}

func (c *Controller) notify(ch Change) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, sub := range c.subs {
		select {
		case sub <- ch:
		default:
		}
	}
}

// watch starts the goroutine consuming channel events and forced logouts.
func (c *Controller) watch() {
	c.watchOnce.Do(func() {
		events, cancelEvents := c.conns.Subscribe()
		logouts, cancelLogouts := c.gw.Subscribe()
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer cancelEvents()
			defer cancelLogouts()
			for {
				select {
				case <-c.stop:
					return
				case ev := <-events:
					c.handleChannelEvent(ev)
				case ev, ok := <-logouts:
					if !ok {
						return
					}
					c.wg.Add(1)
					go func() {
						defer c.wg.Done()
						c.handleExpiry(ev)
					}()
				}
			}
		}()
	})
}

func (c *Controller) handleChannelEvent(ev channel.Event) {
	switch ev.Type {
	case channel.EventError:
		if errors.Is(ev.Err, channel.ErrTokenRejected) {
			c.gw.Reject("channel " + ev.SessionID)
		}
		c.notify(Change{SessionID: ev.SessionID, Phase: c.phase(ev.SessionID), Conn: c.conns.State(ev.SessionID), Err: ev.Err})
	case channel.EventClosed:
		// A lost channel leaves the session registered and disconnected.
		c.notify(Change{SessionID: ev.SessionID, Phase: c.phase(ev.SessionID), Conn: c.conns.State(ev.SessionID)})
	}
}

// handleExpiry reacts to a forced logout: connections go, the persisted
// session list stays so the next login can reconcile it.
func (c *Controller) handleExpiry(ev auth.LogoutEvent) {
	log.Printf("[lifecycle] credential rejected (%s), closing all connections", logutil.SanitizeForLog(ev.Reason))
	c.conns.CloseAll()
	c.notify(Change{LoggedOut: true, Logout: &ev})
}

// Stop ends event watching. Connections are left as they are.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
}
