// Package registry is the authoritative record of which terminal sessions the
// client knows about and which one has focus.
//
// Only (id, name) pairs and the active id are persisted; terminal content
// never is. Insertion order is preserved and drives the active-session
// fallback when the focused session is removed.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/yingjunnan/acweb/internal/kvstore"
	"github.com/yingjunnan/acweb/internal/logutil"
)

const (
	sessionsSetting = "terminal_sessions"
	activeSetting   = "terminal_active_session"
)

var (
	// ErrNotFound matches any *NotFoundError.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidID is returned when registering a session without an id.
	ErrInvalidID = errors.New("session id must not be empty")
)

// NotFoundError reports an operation on an unregistered session id. It
// signals a desync between the caller and the registry.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session %q not found", e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// Session identifies a terminal session. Name is display metadata only.
type Session struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Registry is safe for concurrent use.
type Registry struct {
	store kvstore.Store

	mu       sync.RWMutex
	sessions []Session
	active   string
}

func New(store kvstore.Store) *Registry {
	return &Registry{store: store}
}

func (r *Registry) indexOf(id string) int {
	for i, s := range r.sessions {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// List returns the registered sessions in insertion order.
func (r *Registry) List() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Session(nil), r.sessions...)
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Get returns the session with id.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := r.indexOf(id); i >= 0 {
		return r.sessions[i], true
	}
	return Session{}, false
}

// Contains reports whether id is registered.
func (r *Registry) Contains(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// Register adds s if its id is new, or updates the name of the existing
// entry. It reports whether a new session was added.
func (r *Registry) Register(s Session) (bool, error) {
	if s.ID == "" {
		return false, ErrInvalidID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.indexOf(s.ID); i >= 0 {
		if s.Name != "" {
			r.sessions[i].Name = s.Name
		}
		return false, nil
	}
	r.sessions = append(r.sessions, s)
	return true, nil
}

// Rename changes the display name of a registered session.
func (r *Registry) Rename(id, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexOf(id)
	if i < 0 {
		return &NotFoundError{ID: id}
	}
	r.sessions[i].Name = name
	return nil
}

// Remove deletes a session. If it was active, focus moves to the session
// before it, else to the first remaining one, else to nothing.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexOf(id)
	if i < 0 {
		return &NotFoundError{ID: id}
	}
	r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)

	if r.active == id {
		switch {
		case len(r.sessions) == 0:
			r.active = ""
		case i > 0:
			r.active = r.sessions[i-1].ID
		default:
			r.active = r.sessions[0].ID
		}
	}
	return nil
}

// SetActive focuses a registered session.
func (r *Registry) SetActive(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexOf(id) < 0 {
		return &NotFoundError{ID: id}
	}
	r.active = id
	return nil
}

// Active returns the focused session id, or "".
func (r *Registry) Active() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Persist writes the (id, name) list and the active id to the store.
func (r *Registry) Persist() error {
	r.mu.RLock()
	list := append([]Session{}, r.sessions...)
	active := r.active
	r.mu.RUnlock()

	b, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("encode sessions: %w", err)
	}
	if err := r.store.Set(sessionsSetting, string(b)); err != nil {
		return fmt.Errorf("persist sessions: %w", err)
	}
	if err := r.store.Set(activeSetting, active); err != nil {
		return fmt.Errorf("persist active session: %w", err)
	}
	return nil
}

// Restore replaces the in-memory state with the persisted one. Missing or
// corrupt data yields an empty registry; it is logged, never returned.
func (r *Registry) Restore() {
	sessions, active := r.load()

	r.mu.Lock()
	r.sessions = sessions
	r.active = active
	r.mu.Unlock()
}

func (r *Registry) load() ([]Session, string) {
	raw, err := r.store.Get(sessionsSetting)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			log.Printf("[registry] read persisted sessions: %v", err)
		}
		return nil, ""
	}

	var decoded []Session
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		log.Printf("[registry] persisted sessions corrupt, starting empty: %v", err)
		return nil, ""
	}

	seen := make(map[string]bool, len(decoded))
	sessions := make([]Session, 0, len(decoded))
	for _, s := range decoded {
		if s.ID == "" || seen[s.ID] {
			continue
		}
		seen[s.ID] = true
		sessions = append(sessions, s)
	}

	active, err := r.store.Get(activeSetting)
	if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		log.Printf("[registry] read persisted active session: %v", err)
	}
	if active != "" && !seen[active] {
		log.Printf("[registry] persisted active session %q is not registered, clearing",
			logutil.SanitizeForLog(active))
		active = ""
	}
	return sessions, active
}

// Clear erases in-memory and persisted session state.
func (r *Registry) Clear() error {
	r.mu.Lock()
	r.sessions = nil
	r.active = ""
	r.mu.Unlock()

	if err := r.store.Delete(sessionsSetting); err != nil {
		return fmt.Errorf("clear sessions: %w", err)
	}
	if err := r.store.Delete(activeSetting); err != nil {
		return fmt.Errorf("clear active session: %w", err)
	}
	return nil
}
