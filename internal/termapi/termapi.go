// Package termapi wraps the terminal service endpoints used for session
// reconciliation: live-session enumeration and per-session status.
package termapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/yingjunnan/acweb/internal/auth"
)

// Requester performs authenticated JSON requests; *auth.Gateway satisfies it.
type Requester interface {
	Do(ctx context.Context, method, path string, body, out any, opts ...auth.RequestOption) error
}

// LiveSession is one entry of the live-session enumeration.
type LiveSession struct {
	ID      string `json:"id"`
	Running bool   `json:"running"`
}

// Status is the short status of a session.
type Status struct {
	SessionID string `json:"session_id"`
	Exists    bool   `json:"exists"`
	Running   bool   `json:"running"`
}

// DetailedStatus is the token-qualified status, mirroring the server's
// session record.
type DetailedStatus struct {
	Status
	Name         string  `json:"name"`
	CWD          string  `json:"cwd"`
	PID          int     `json:"pid"`
	IsActive     bool    `json:"is_active"`
	CreatedAt    float64 `json:"created_at"`
	LastActivity float64 `json:"last_activity"`
}

// LastActivityTime converts the server's epoch seconds.
func (d DetailedStatus) LastActivityTime() time.Time {
	return epoch(d.LastActivity)
}

// CreatedAtTime converts the server's epoch seconds.
func (d DetailedStatus) CreatedAtTime() time.Time {
	return epoch(d.CreatedAt)
}

func epoch(f float64) time.Time {
	if f == 0 {
		return time.Time{}
	}
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9))
}

// Client calls the terminal endpoints through a Requester.
type Client struct {
	req Requester
}

func NewClient(req Requester) *Client {
	return &Client{req: req}
}

// ListSessions returns the sessions the server currently has live. Both the
// bare-array and the {"sessions": [...]} response shapes are accepted.
func (c *Client) ListSessions(ctx context.Context) ([]LiveSession, error) {
	var raw json.RawMessage
	if err := c.req.Do(ctx, http.MethodGet, "/api/v1/terminal/sessions", nil, &raw, auth.WithTokenQuery()); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return decodeSessions(raw)
}

func decodeSessions(raw json.RawMessage) ([]LiveSession, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var list []LiveSession
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("decode sessions: %w", err)
		}
		return list, nil
	}
	var wrapped struct {
		Sessions []LiveSession `json:"sessions"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decode sessions: %w", err)
	}
	return wrapped.Sessions, nil
}

// LiveIDs returns the ids of ListSessions as a set.
func (c *Client) LiveIDs(ctx context.Context) (map[string]bool, error) {
	list, err := c.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool, len(list))
	for _, s := range list {
		if s.ID != "" {
			ids[s.ID] = true
		}
	}
	return ids, nil
}

// SessionStatus checks whether a session is alive on the server.
func (c *Client) SessionStatus(ctx context.Context, id string) (*Status, error) {
	var st Status
	if err := c.req.Do(ctx, http.MethodGet, statusPath(id), nil, &st); err != nil {
		return nil, fmt.Errorf("session %s status: %w", id, err)
	}
	if st.SessionID == "" {
		st.SessionID = id
	}
	return &st, nil
}

// DetailedStatus fetches the token-qualified status variant.
func (c *Client) DetailedStatus(ctx context.Context, id string) (*DetailedStatus, error) {
	var st DetailedStatus
	if err := c.req.Do(ctx, http.MethodGet, statusPath(id), nil, &st, auth.WithTokenQuery()); err != nil {
		return nil, fmt.Errorf("session %s detailed status: %w", id, err)
	}
	if st.SessionID == "" {
		st.SessionID = id
	}
	return &st, nil
}

func statusPath(id string) string {
	return "/api/v1/terminal/session/" + url.PathEscape(id) + "/status"
}

// NewSessionID returns a fresh session id. The server creates the backing
// process when the first channel for the id is opened.
func NewSessionID() string {
	return uuid.New().String()
}
