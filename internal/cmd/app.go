package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/yingjunnan/acweb/internal/auth"
	"github.com/yingjunnan/acweb/internal/channel"
	"github.com/yingjunnan/acweb/internal/config"
	"github.com/yingjunnan/acweb/internal/configsync"
	"github.com/yingjunnan/acweb/internal/connmgr"
	"github.com/yingjunnan/acweb/internal/database"
	"github.com/yingjunnan/acweb/internal/lifecycle"
	"github.com/yingjunnan/acweb/internal/registry"
	"github.com/yingjunnan/acweb/internal/termapi"
)

var errNotLoggedIn = errors.New("not logged in; run 'acweb login' first")

// app wires the client components for one command invocation.
type app struct {
	gw    *auth.Gateway
	api   *termapi.Client
	prefs *configsync.Sync
	reg   *registry.Registry
	conns *connmgr.Manager
	ctrl  *lifecycle.Controller
}

func newApp() *app {
	store := database.NewStore(nil)

	httpClient := &http.Client{Timeout: config.Cfg.RequestTimeout}
	if config.Cfg.InsecureSkipVerify {
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	gw := auth.NewGateway(config.Cfg.ServerURL, store, auth.WithHTTPClient(httpClient))
	return &app{
		gw:    gw,
		api:   termapi.NewClient(gw),
		prefs: configsync.New(gw, store),
		reg:   registry.New(store),
	}
}

// loadPrefs refreshes preferences from the server; failures keep the cached
// copy and are only logged.
func (a *app) loadPrefs(ctx context.Context) {
	if err := a.prefs.Load(ctx); err != nil {
		log.Printf("[cli] %v", err)
	}
}

// sessions builds the connection table and controller. Preferences should be
// loaded first so the scrollback size and start directory apply.
func (a *app) sessions() *lifecycle.Controller {
	if a.ctrl != nil {
		return a.ctrl
	}
	prefs := a.prefs.Current()
	var opts []channel.DialOption
	if prefs.DefaultPath != "" {
		opts = append(opts, channel.WithCWD(prefs.DefaultPath))
	}
	if config.Cfg.InsecureSkipVerify {
		opts = append(opts, channel.WithInsecureSkipVerify())
	}
	a.conns = connmgr.New(channel.NewWSDialer(a.gw, opts...), connmgr.WithHistoryLines(prefs.BufferSize))
	a.ctrl = lifecycle.New(a.gw, a.api, a.reg, a.conns)
	return a.ctrl
}

func (a *app) close() {
	if a.ctrl != nil {
		a.ctrl.Stop()
	}
	if a.conns != nil {
		a.conns.CloseAll()
	}
}

func (a *app) requireLogin() error {
	if !a.gw.IsAuthenticated() {
		return errNotLoggedIn
	}
	return nil
}

// dialContext bounds a connection attempt by the configured dial timeout.
func dialContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if config.Cfg.DialTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, config.Cfg.DialTimeout)
}

// resolveSession maps a user argument to a registered session id: an exact
// id, a unique id prefix, or a unique name.
func resolveSession(ctrl *lifecycle.Controller, arg string) (string, error) {
	list := ctrl.Sessions()
	for _, s := range list {
		if s.ID == arg {
			return s.ID, nil
		}
	}
	var matches []string
	for _, s := range list {
		if strings.HasPrefix(s.ID, arg) {
			matches = append(matches, s.ID)
		}
	}
	if len(matches) == 0 {
		for _, s := range list {
			if s.Name == arg {
				matches = append(matches, s.ID)
			}
		}
	}
	switch len(matches) {
	case 0:
		return "", &registry.NotFoundError{ID: arg}
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%q matches %d sessions, use a longer id", arg, len(matches))
	}
}
