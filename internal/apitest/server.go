// Package apitest provides an in-process fake of the web terminal service for
// tests: login, live-session listing and status, the preference store, and the
// per-session terminal websocket.
package apitest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// Request records one request received by the fake server.
type Request struct {
	Method     string
	Path       string
	Auth       string
	TokenQuery string
}

type liveSession struct {
	ID           string
	Name         string
	CWD          string
	CreatedAt    time.Time
	LastActivity time.Time
	Rows, Cols   int
	conn         *websocket.Conn
}

type failure struct {
	status int
	body   string
}

// Server is a fake terminal service backed by httptest.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	users    map[string]string
	tokens   map[string]bool
	sessions map[string]*liveSession
	order    []string
	config   map[string]any
	requests []Request
	failures map[string][]failure
	dials    map[string]int

	// SessionsAsObject makes the listing endpoint answer {"sessions":[...]}
	// instead of a bare array.
	SessionsAsObject bool
	// NormalizeConfig, if set, rewrites a submitted config before it is
	// stored and echoed back.
	NormalizeConfig func(map[string]any)
}

// New starts a fake server with one user "admin"/"admin" and default config.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		users:    map[string]string{"admin": "admin"},
		tokens:   make(map[string]bool),
		sessions: make(map[string]*liveSession),
		failures: make(map[string][]failure),
		dials:    make(map[string]int),
		config: map[string]any{
			"default_path":     "~",
			"shell":            "/bin/bash",
			"font_size":        14,
			"theme":            "dark",
			"refresh_interval": 3,
			"session_timeout":  3600,
			"buffer_size":      1000,
		},
	}
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.record)
	r.Use(s.injectFailures)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Get("/terminal/sessions", s.handleListSessions)
			r.Get("/terminal/session/{id}/status", s.handleStatus)
			r.Get("/config/", s.handleGetConfig)
			r.Post("/config/", s.handleSaveConfig)
		})

		// The websocket refuses a bad token before the upgrade.
		r.Get("/terminal/ws/{id}", s.handleTerminalWS)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, Request{
			Method:     r.Method,
			Path:       r.URL.Path,
			Auth:       r.Header.Get("Authorization"),
			TokenQuery: r.URL.Query().Get("token"),
		})
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) injectFailures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		s.mu.Lock()
		queue := s.failures[key]
		var f *failure
		if len(queue) > 0 {
			f = &queue[0]
			s.failures[key] = queue[1:]
		}
		s.mu.Unlock()
		if f != nil {
			if f.body != "" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(f.status)
				w.Write([]byte(f.body))
				return
			}
			writeJSON(w, f.status, map[string]string{"detail": http.StatusText(f.status)})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) tokenValid(tok string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tok != "" && s.tokens[tok]
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !s.tokenValid(tok) {
			tok = r.URL.Query().Get("token")
		}
		if !s.tokenValid(tok) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Invalid request body"})
		return
	}
	s.mu.Lock()
	pw, ok := s.users[body.Username]
	s.mu.Unlock()
	if !ok || pw != body.Password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid username or password"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": s.IssueToken(),
		"token_type":   "bearer",
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	type entry struct {
		ID      string `json:"id"`
		Running bool   `json:"running"`
	}
	list := make([]entry, 0, len(s.order))
	for _, id := range s.order {
		list = append(list, entry{ID: id, Running: true})
	}
	asObject := s.SessionsAsObject
	s.mu.Unlock()

	if asObject {
		writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": list})
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	ls, ok := s.sessions[id]
	var detail map[string]interface{}
	if ok && r.URL.Query().Get("token") != "" {
		detail = map[string]interface{}{
			"name":          ls.Name,
			"cwd":           ls.CWD,
			"pid":           4242,
			"is_active":     true,
			"created_at":    float64(ls.CreatedAt.Unix()),
			"last_activity": float64(ls.LastActivity.Unix()),
		}
	}
	s.mu.Unlock()

	resp := map[string]interface{}{
		"session_id": id,
		"exists":     ok,
		"running":    ok,
	}
	for k, v := range detail {
		resp[k] = v
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	cfg := copyMap(s.config)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	var cfg map[string]any
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "Invalid config"})
		return
	}
	if s.NormalizeConfig != nil {
		s.NormalizeConfig(cfg)
	}
	s.mu.Lock()
	s.config = copyMap(cfg)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, cfg)
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type clientFrame struct {
	Type string `json:"type"`
	Data string `json:"data"`
	Rows int    `json:"rows"`
	Cols int    `json:"cols"`
}

func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.tokenValid(r.URL.Query().Get("token")) {
		http.Error(w, "invalid token", http.StatusForbidden)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	s.mu.Lock()
	s.dials[id]++
	ls, ok := s.sessions[id]
	if !ok {
		ls = &liveSession{ID: id, CreatedAt: time.Now()}
		s.sessions[id] = ls
		s.order = append(s.order, id)
	}
	ls.CWD = r.URL.Query().Get("cwd")
	ls.LastActivity = time.Now()
	ls.conn = conn
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if cur, ok := s.sessions[id]; ok && cur.conn == conn {
			cur.conn = nil
		}
		s.mu.Unlock()
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		switch f.Type {
		case "input":
			s.touch(id)
			out, _ := json.Marshal(map[string]string{"type": "output", "data": f.Data})
			if err := conn.Write(ctx, websocket.MessageText, out); err != nil {
				return
			}
		case "resize":
			s.mu.Lock()
			ls.Rows, ls.Cols = f.Rows, f.Cols
			s.mu.Unlock()
		case "close":
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

func (s *Server) touch(id string) {
	s.mu.Lock()
	if ls, ok := s.sessions[id]; ok {
		ls.LastActivity = time.Now()
	}
	s.mu.Unlock()
}

// IssueToken mints a new valid token.
func (s *Server) IssueToken() string {
	b := make([]byte, 16)
	rand.Read(b)
	tok := hex.EncodeToString(b)
	s.mu.Lock()
	s.tokens[tok] = true
	s.mu.Unlock()
	return tok
}

// RevokeToken makes tok invalid; later requests with it get 401.
func (s *Server) RevokeToken(tok string) {
	s.mu.Lock()
	delete(s.tokens, tok)
	s.mu.Unlock()
}

// AddLiveSession registers a live backing session.
func (s *Server) AddLiveSession(id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; ok {
		return
	}
	now := time.Now()
	s.sessions[id] = &liveSession{ID: id, Name: name, CreatedAt: now, LastActivity: now}
	s.order = append(s.order, id)
}

// KillSession ends a live session and drops its websocket, if any.
func (s *Server) KillSession(id string) {
	s.mu.Lock()
	ls, ok := s.sessions[id]
	delete(s.sessions, id)
	for i, sid := range s.order {
		if sid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	if ok && ls.conn != nil {
		ls.conn.Close(websocket.StatusGoingAway, "session ended")
	}
}

// Disconnect drops the websocket of a session without ending the session.
func (s *Server) Disconnect(id string) bool {
	s.mu.Lock()
	ls, ok := s.sessions[id]
	var conn *websocket.Conn
	if ok {
		conn = ls.conn
	}
	s.mu.Unlock()
	if conn == nil {
		return false
	}
	conn.Close(websocket.StatusGoingAway, "server restart")
	return true
}

// LiveSessions returns live session ids in creation order.
func (s *Server) LiveSessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Connected reports whether a websocket is currently attached to id.
func (s *Server) Connected(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.sessions[id]
	return ok && ls.conn != nil
}

// WaitConnected polls until id has an attached websocket or the timeout elapses.
func (s *Server) WaitConnected(id string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for {
		if s.Connected(id) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Dials returns how many websocket connections were accepted for id.
func (s *Server) Dials(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials[id]
}

// Size returns the last terminal size sent for id.
func (s *Server) Size(id string) (rows, cols int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ls, ok := s.sessions[id]; ok {
		return ls.Rows, ls.Cols
	}
	return 0, 0
}

// StoredConfig returns the stored preference object.
func (s *Server) StoredConfig() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyMap(s.config)
}

// FailNext makes the next request matching method and path answer with status.
// A non-empty body is sent verbatim as the response.
func (s *Server) FailNext(method, path string, status int, body string) {
	s.mu.Lock()
	key := method + " " + path
	s.failures[key] = append(s.failures[key], failure{status: status, body: body})
	s.mu.Unlock()
}

// Requests returns all recorded requests.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// RequestCount counts recorded requests with the given path.
func (s *Server) RequestCount(path string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Path == path {
			n++
		}
	}
	return n
}
