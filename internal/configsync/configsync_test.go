package configsync

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/yingjunnan/acweb/internal/apitest"
	"github.com/yingjunnan/acweb/internal/auth"
	"github.com/yingjunnan/acweb/internal/kvstore"
)

func setup(t *testing.T) (*Sync, *apitest.Server, *kvstore.Memory) {
	t.Helper()
	srv := apitest.New(t)
	store := kvstore.NewMemory()
	g := auth.NewGateway(srv.URL, store)
	if err := g.SetToken(srv.IssueToken()); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
	return New(g, store), srv, store
}

func TestNew_Defaults(t *testing.T) {
	s := New(nil, nil)
	want := Config{
		DefaultPath:     "~",
		Shell:           "/bin/bash",
		FontSize:        14,
		Theme:           "dark",
		RefreshInterval: 3,
		SessionTimeout:  3600,
		BufferSize:      1000,
	}
	if s.Current() != want {
		t.Errorf("expected defaults %+v, got %+v", want, s.Current())
	}
	if s.Current().Refresh() != 3*time.Second {
		t.Errorf("unexpected refresh %s", s.Current().Refresh())
	}
	if s.Current().Timeout() != time.Hour {
		t.Errorf("unexpected timeout %s", s.Current().Timeout())
	}
}

func TestLoad_Success(t *testing.T) {
	s, _, store := setup(t)
	cfg := Defaults()
	cfg.Theme = "light"
	if err := s.Save(context.Background(), cfg); err != nil {
		t.Fatalf("seed Save: %v", err)
	}

	fresh := New(s.req, kvstore.NewMemory())
	if err := fresh.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if fresh.Current().Theme != "light" {
		t.Errorf("expected server theme, got %q", fresh.Current().Theme)
	}
	if _, err := store.Get(cacheSetting); err != nil {
		t.Errorf("expected cache written: %v", err)
	}
}

func TestLoad_FailureKeepsLastKnown(t *testing.T) {
	s, srv, _ := setup(t)
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	before := s.Current()

	srv.FailNext(http.MethodGet, configPath, http.StatusInternalServerError, "")
	err := s.Load(context.Background())
	var warn *Warning
	if !errors.As(err, &warn) {
		t.Fatalf("expected *Warning, got %v", err)
	}
	if s.Current() != before {
		t.Errorf("config changed after failed load: %+v", s.Current())
	}

	srv.FailNext(http.MethodGet, configPath, http.StatusOK, "{not json")
	if err := s.Load(context.Background()); !errors.As(err, &warn) {
		t.Fatalf("expected *Warning for malformed body, got %v", err)
	}
	if s.Current() != before {
		t.Errorf("config changed after malformed load: %+v", s.Current())
	}
}

func TestSave_AdoptsServerEcho(t *testing.T) {
	s, srv, _ := setup(t)
	srv.NormalizeConfig = func(m map[string]any) {
		if fs, ok := m["font_size"].(float64); ok && fs > 32 {
			m["font_size"] = 32
		}
	}

	cfg := Defaults()
	cfg.FontSize = 99
	if err := s.Save(context.Background(), cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if s.Current().FontSize != 32 {
		t.Errorf("expected server-normalized font size 32, got %d", s.Current().FontSize)
	}
}

func TestSave_FailureLeavesConfigUnchanged(t *testing.T) {
	s, srv, _ := setup(t)
	before := s.Current()

	srv.FailNext(http.MethodPost, configPath, http.StatusInternalServerError, "")
	cfg := Defaults()
	cfg.Shell = "/bin/zsh"
	if err := s.Save(context.Background(), cfg); err == nil {
		t.Fatal("expected save failure")
	}
	if s.Current() != before {
		t.Errorf("expected unchanged config, got %+v", s.Current())
	}
}

func TestNew_RestoresCache(t *testing.T) {
	store := kvstore.NewMemory()
	store.Set(cacheSetting, `{"theme":"solarized","font_size":18}`)

	s := New(nil, store)
	cur := s.Current()
	if cur.Theme != "solarized" || cur.FontSize != 18 {
		t.Errorf("expected cached values, got %+v", cur)
	}
	if cur.Shell != "/bin/bash" {
		t.Errorf("expected defaults for missing fields, got shell %q", cur.Shell)
	}
}

func TestNew_CorruptCacheFallsBackToDefaults(t *testing.T) {
	store := kvstore.NewMemory()
	store.Set(cacheSetting, "]]]")

	s := New(nil, store)
	if s.Current() != Defaults() {
		t.Errorf("expected defaults, got %+v", s.Current())
	}
}
