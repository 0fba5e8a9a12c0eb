// Package configsync keeps the user's terminal preferences in sync with the
// remote configuration store.
//
// The server holds the authoritative copy; a local copy is cached in the
// key/value store so the client starts with the last known values even when
// the server cannot be reached. Failures never leave the client without a
// usable Config: the defaults are always the floor.
package configsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/yingjunnan/acweb/internal/auth"
	"github.com/yingjunnan/acweb/internal/kvstore"
)

const (
	configPath   = "/api/v1/config/"
	cacheSetting = "terminal_config"
)

// Config is the flat preference record.
type Config struct {
	DefaultPath     string `json:"default_path" yaml:"default_path"`
	Shell           string `json:"shell" yaml:"shell"`
	FontSize        int    `json:"font_size" yaml:"font_size"`
	Theme           string `json:"theme" yaml:"theme"`
	RefreshInterval int    `json:"refresh_interval" yaml:"refresh_interval"` // seconds
	SessionTimeout  int    `json:"session_timeout" yaml:"session_timeout"`   // seconds
	BufferSize      int    `json:"buffer_size" yaml:"buffer_size"`           // scrollback lines
}

// Defaults returns the built-in preferences.
func Defaults() Config {
	return Config{
		DefaultPath:     "~",
		Shell:           "/bin/bash",
		FontSize:        14,
		Theme:           "dark",
		RefreshInterval: 3,
		SessionTimeout:  3600,
		BufferSize:      1000,
	}
}

// Refresh returns RefreshInterval as a duration, falling back to the default.
func (c Config) Refresh() time.Duration {
	if c.RefreshInterval <= 0 {
		return time.Duration(Defaults().RefreshInterval) * time.Second
	}
	return time.Duration(c.RefreshInterval) * time.Second
}

// Timeout returns SessionTimeout as a duration.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.SessionTimeout) * time.Second
}

// Warning reports a non-fatal Load failure; the previous config stays in use.
type Warning struct {
	Err error
}

func (w *Warning) Error() string {
	return "config load failed, keeping last known config: " + w.Err.Error()
}

func (w *Warning) Unwrap() error { return w.Err }

// Requester performs authenticated JSON requests; *auth.Gateway satisfies it.
type Requester interface {
	Do(ctx context.Context, method, path string, body, out any, opts ...auth.RequestOption) error
}

// Sync owns the in-memory Config.
type Sync struct {
	req   Requester
	cache kvstore.Store

	mu  sync.RWMutex
	cfg Config
}

// New creates a Sync seeded from the local cache (or defaults). cache may be nil.
func New(req Requester, cache kvstore.Store) *Sync {
	s := &Sync{req: req, cache: cache, cfg: Defaults()}
	s.restoreCache()
	return s
}

func (s *Sync) restoreCache() {
	if s.cache == nil {
		return
	}
	raw, err := s.cache.Get(cacheSetting)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			log.Printf("[config] read cache: %v", err)
		}
		return
	}
	cfg := Defaults()
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		log.Printf("[config] cached config corrupt, using defaults: %v", err)
		return
	}
	s.cfg = cfg
}

func (s *Sync) storeCache(cfg Config) {
	if s.cache == nil {
		return
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		log.Printf("[config] encode cache: %v", err)
		return
	}
	if err := s.cache.Set(cacheSetting, string(b)); err != nil {
		log.Printf("[config] write cache: %v", err)
	}
}

// Current returns a copy of the in-memory config.
func (s *Sync) Current() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Load fetches the remote config. On any failure the in-memory config is
// left untouched and a *Warning is returned.
func (s *Sync) Load(ctx context.Context) error {
	cfg := Defaults()
	if err := s.req.Do(ctx, http.MethodGet, configPath, nil, &cfg); err != nil {
		log.Printf("[config] load: %v", err)
		return &Warning{Err: err}
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.storeCache(cfg)
	return nil
}

// Save sends the full config. On success the in-memory copy becomes the
// server's echoed response, which may differ from cfg. On failure the
// previous config is kept and the error is returned.
func (s *Sync) Save(ctx context.Context, cfg Config) error {
	var echoed Config
	if err := s.req.Do(ctx, http.MethodPost, configPath, cfg, &echoed); err != nil {
		log.Printf("[config] save: %v", err)
		return fmt.Errorf("save config: %w", err)
	}
	s.mu.Lock()
	s.cfg = echoed
	s.mu.Unlock()
	s.storeCache(echoed)
	return nil
}
