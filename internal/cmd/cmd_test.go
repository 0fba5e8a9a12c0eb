package cmd

import (
	"bytes"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/yingjunnan/acweb/internal/apitest"
	"github.com/yingjunnan/acweb/internal/configsync"
	"github.com/yingjunnan/acweb/internal/registry"
)

func newEnv(t *testing.T) *apitest.Server {
	t.Helper()
	srv := apitest.New(t)
	t.Setenv("ACWEB_SERVER_URL", srv.URL)
	t.Setenv("ACWEB_DATA_PATH", t.TempDir())
	return srv
}

// resetFlags restores every flag to its default; cobra keeps flag state
// between Execute calls on the package-level command tree.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func mustExecute(t *testing.T, args ...string) string {
	t.Helper()
	out, err := execute(t, "", args...)
	if err != nil {
		t.Fatalf("acweb %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func login(t *testing.T) {
	t.Helper()
	mustExecute(t, "login", "-u", "admin", "-p", "admin")
}

func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "acweb" {
		t.Errorf("rootCmd.Use = %q, want %q", rootCmd.Use, "acweb")
	}
	want := []string{"login", "logout", "sessions", "attach", "config", "logs"}
	have := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		if !have[name] {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestLogin(t *testing.T) {
	srv := newEnv(t)
	out := mustExecute(t, "login", "-u", "admin", "-p", "admin")
	if !strings.Contains(out, "Logged in to "+srv.URL+" as admin") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestLogin_Prompts(t *testing.T) {
	newEnv(t)
	out, err := execute(t, "admin\nadmin\n", "login")
	if err != nil {
		t.Fatalf("login: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Username: ") || !strings.Contains(out, "Password: ") {
		t.Errorf("expected prompts, got %q", out)
	}
}

func TestLogin_BadPassword(t *testing.T) {
	newEnv(t)
	if _, err := execute(t, "", "login", "-u", "admin", "-p", "nope"); err == nil {
		t.Fatal("expected error for bad password")
	}
	_, err := execute(t, "", "sessions", "list")
	if !errors.Is(err, errNotLoggedIn) {
		t.Errorf("sessions list = %v, want errNotLoggedIn", err)
	}
}

func TestSessionsFlow(t *testing.T) {
	srv := newEnv(t)
	login(t)

	out := mustExecute(t, "sessions", "new", "work")
	if !strings.Contains(out, "Created session") || !strings.Contains(out, "(work)") {
		t.Fatalf("unexpected output: %q", out)
	}
	mustExecute(t, "sessions", "new", "build")
	live := srv.LiveSessions()
	if len(live) != 2 {
		t.Fatalf("server has %d sessions, want 2", len(live))
	}

	out = mustExecute(t, "sessions")
	if !strings.Contains(out, "work") || !strings.Contains(out, "build") {
		t.Errorf("list missing sessions: %q", out)
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "build") && !strings.HasPrefix(line, "*") {
			t.Errorf("newest session should be marked active: %q", line)
		}
	}

	mustExecute(t, "sessions", "use", "work")
	mustExecute(t, "sessions", "rename", live[1][:8], "deploy")
	out = mustExecute(t, "sessions", "ls")
	if !strings.Contains(out, "deploy") || strings.Contains(out, "build") {
		t.Errorf("rename not reflected: %q", out)
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "work") && !strings.HasPrefix(line, "*") {
			t.Errorf("work should be active: %q", line)
		}
	}

	out = mustExecute(t, "sessions", "rm", "work")
	if !strings.Contains(out, "Active session is now "+live[1]) {
		t.Errorf("unexpected rm output: %q", out)
	}

	_, err := execute(t, "", "sessions", "use", "work")
	if !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("use removed session = %v, want ErrNotFound", err)
	}
}

func TestSessionsList_DropsEndedSessions(t *testing.T) {
	srv := newEnv(t)
	login(t)
	mustExecute(t, "sessions", "new", "keep")
	mustExecute(t, "sessions", "new", "gone")
	live := srv.LiveSessions()
	srv.KillSession(live[1])

	out := mustExecute(t, "sessions", "list")
	if !strings.Contains(out, "keep") || strings.Contains(out, "gone") {
		t.Errorf("stale session not dropped: %q", out)
	}
}

func TestSessionsStatus(t *testing.T) {
	newEnv(t)
	login(t)
	mustExecute(t, "sessions", "new", "work")

	out := mustExecute(t, "sessions", "status")
	for _, want := range []string{"Name:", "work", "Running:", "true", "PID:"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q: %q", want, out)
		}
	}
}

func TestSessionsStatus_FallsBackToPlainStatus(t *testing.T) {
	srv := newEnv(t)
	login(t)
	mustExecute(t, "sessions", "new", "work")
	live := srv.LiveSessions()
	if len(live) != 1 {
		t.Fatalf("live sessions = %v, want 1", live)
	}
	path := "/api/v1/terminal/session/" + live[0] + "/status"
	srv.FailNext(http.MethodGet, path, http.StatusInternalServerError, "")

	out := mustExecute(t, "sessions", "status")
	for _, want := range []string{"Name:", "work", "Running:", "true"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q: %q", want, out)
		}
	}
	if strings.Contains(out, "PID:") {
		t.Errorf("plain status carries no pid: %q", out)
	}
	if n := srv.RequestCount(path); n != 2 {
		t.Errorf("status requests = %d, want detailed then plain", n)
	}
}

func TestLogout(t *testing.T) {
	newEnv(t)
	login(t)
	mustExecute(t, "sessions", "new")

	out := mustExecute(t, "logout")
	if !strings.Contains(out, "Logged out.") {
		t.Errorf("unexpected output: %q", out)
	}
	if _, err := execute(t, "", "sessions"); !errors.Is(err, errNotLoggedIn) {
		t.Errorf("sessions after logout = %v, want errNotLoggedIn", err)
	}

	login(t)
	out = mustExecute(t, "sessions")
	if !strings.Contains(out, "No sessions") {
		t.Errorf("logout should have cleared the session list: %q", out)
	}
}

func TestAttach_DetachesOnEOF(t *testing.T) {
	srv := newEnv(t)
	login(t)

	out, err := execute(t, "echo hi\r", "attach")
	if err != nil {
		t.Fatalf("attach: %v\n%s", err, out)
	}
	if !strings.Contains(out, "[detached from") {
		t.Errorf("unexpected output: %q", out)
	}
	if n := len(srv.LiveSessions()); n != 1 {
		t.Errorf("attach without sessions should create one, server has %d", n)
	}
}

func TestConfigShowAndSet(t *testing.T) {
	srv := newEnv(t)
	login(t)

	out := mustExecute(t, "config", "show")
	if !strings.Contains(out, "theme: dark") || !strings.Contains(out, "buffer_size: 1000") {
		t.Errorf("unexpected config: %q", out)
	}

	out = mustExecute(t, "config", "set", "theme=light", "font_size=16")
	if !strings.Contains(out, "theme: light") || !strings.Contains(out, "font_size: 16") {
		t.Errorf("unexpected saved config: %q", out)
	}
	stored := srv.StoredConfig()
	if stored["theme"] != "light" {
		t.Errorf("server theme = %v", stored["theme"])
	}

	out = mustExecute(t, "config", "show", "--json")
	if !strings.Contains(out, `"font_size": 16`) {
		t.Errorf("unexpected json: %q", out)
	}

	if _, err := execute(t, "", "config", "set", "colour=red"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestConfigShow_OfflineUsesDefaults(t *testing.T) {
	newEnv(t)
	out := mustExecute(t, "config", "show")
	if !strings.Contains(out, "shell: /bin/bash") {
		t.Errorf("expected defaults, got %q", out)
	}
}

func TestApplySettings(t *testing.T) {
	base := configsync.Defaults()

	cfg, err := applySettings(base, []string{"default_path=~", "refresh_interval=5", "shell=/bin/zsh"})
	if err != nil {
		t.Fatalf("applySettings: %v", err)
	}
	if cfg.DefaultPath != "~" || cfg.RefreshInterval != 5 || cfg.Shell != "/bin/zsh" {
		t.Errorf("got %+v", cfg)
	}
	if cfg.Theme != base.Theme {
		t.Error("untouched fields must keep their values")
	}

	for _, bad := range [][]string{{"theme"}, {"=x"}, {"font_size=big"}, {"nope=1"}} {
		if _, err := applySettings(base, bad); err == nil {
			t.Errorf("applySettings(%v) should fail", bad)
		}
	}
}

func TestLogs(t *testing.T) {
	newEnv(t)
	login(t)

	out := mustExecute(t, "logs", "tail", "-n", "20")
	if !strings.Contains(out, "[lifecycle] reconciled") {
		t.Errorf("expected reconcile log line, got %q", out)
	}
	mustExecute(t, "logs", "clear")
	out = mustExecute(t, "logs", "tail")
	if strings.Contains(out, "[lifecycle]") {
		t.Errorf("log not cleared: %q", out)
	}
}
