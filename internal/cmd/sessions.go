package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yingjunnan/acweb/internal/auth"
	"github.com/yingjunnan/acweb/internal/lifecycle"
	"github.com/yingjunnan/acweb/internal/termapi"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage terminal sessions",
	Long: `Commands for listing, creating, focusing, renaming and removing terminal
sessions. Without a subcommand the session list is printed.

Sessions are identified by id, a unique id prefix, or their name.`,
	Args: cobra.NoArgs,
	RunE: runSessionsList,
}

var sessionsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List sessions after reconciling with the server",
	Args:    cobra.NoArgs,
	RunE:    runSessionsList,
}

var sessionsNewCmd = &cobra.Command{
	Use:   "new [name]",
	Short: "Create a session and make it active",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSessionsNew,
}

var sessionsRmCmd = &cobra.Command{
	Use:     "rm <session>",
	Aliases: []string{"remove"},
	Short:   "Close and forget a session",
	Args:    cobra.ExactArgs(1),
	RunE:    runSessionsRm,
}

var sessionsUseCmd = &cobra.Command{
	Use:   "use <session>",
	Short: "Make a session the active one",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsUse,
}

var sessionsRenameCmd = &cobra.Command{
	Use:   "rename <session> <name>",
	Short: "Change a session's display name",
	Args:  cobra.ExactArgs(2),
	RunE:  runSessionsRename,
}

var sessionsStatusCmd = &cobra.Command{
	Use:   "status [session]",
	Short: "Show local and server-side status of a session (default: active)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSessionsStatus,
}

var newAttach bool

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsNewCmd)
	sessionsCmd.AddCommand(sessionsRmCmd)
	sessionsCmd.AddCommand(sessionsUseCmd)
	sessionsCmd.AddCommand(sessionsRenameCmd)
	sessionsCmd.AddCommand(sessionsStatusCmd)

	sessionsNewCmd.Flags().BoolVarP(&newAttach, "attach", "a", false, "attach to the new session")
}

// reconciled builds the controller and reconciles it. A failed reconcile is
// reported as a warning; the persisted sessions are still usable.
func reconciled(cmd *cobra.Command, a *app) (*lifecycle.Controller, error) {
	if err := a.requireLogin(); err != nil {
		return nil, err
	}
	ctrl := a.sessions()
	if err := ctrl.Reconcile(cmd.Context()); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
	}
	return ctrl, nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	a := newApp()
	defer a.close()
	ctrl, err := reconciled(cmd, a)
	if err != nil {
		return err
	}
	printSessions(cmd.OutOrStdout(), ctrl.Sessions())
	return nil
}

func printSessions(out io.Writer, list []lifecycle.SessionStatus) {
	if len(list) == 0 {
		fmt.Fprintln(out, "No sessions. Create one with 'acweb sessions new'.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\tID\tNAME\tSTATE")
	for _, s := range list {
		marker := ""
		if s.Active {
			marker = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", marker, s.ID, s.Name, s.Phase)
	}
	w.Flush()
}

func runSessionsNew(cmd *cobra.Command, args []string) error {
	a := newApp()
	defer a.close()
	if err := a.requireLogin(); err != nil {
		return err
	}
	a.loadPrefs(cmd.Context())
	ctrl, err := reconciled(cmd, a)
	if err != nil {
		return err
	}

	name := ""
	if len(args) == 1 {
		name = args[0]
	}
	ctx, cancel := dialContext(cmd.Context())
	s, err := ctrl.Create(ctx, name)
	cancel()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created session %s (%s).\n", s.ID, s.Name)

	if newAttach {
		return attachSession(cmd, a, s.ID)
	}
	return nil
}

func runSessionsRm(cmd *cobra.Command, args []string) error {
	a := newApp()
	defer a.close()
	ctrl, err := reconciled(cmd, a)
	if err != nil {
		return err
	}
	id, err := resolveSession(ctrl, args[0])
	if err != nil {
		return err
	}
	if err := ctrl.Remove(cmd.Context(), id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed session %s.\n", id)
	if active := ctrl.Active(); active != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Active session is now %s.\n", active)
	}
	return nil
}

func runSessionsUse(cmd *cobra.Command, args []string) error {
	a := newApp()
	defer a.close()
	a.loadPrefs(cmd.Context())
	ctrl, err := reconciled(cmd, a)
	if err != nil {
		return err
	}
	id, err := resolveSession(ctrl, args[0])
	if err != nil {
		return err
	}
	ctx, cancel := dialContext(cmd.Context())
	defer cancel()
	if err := ctrl.SetActive(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Active session is now %s.\n", id)
	return nil
}

func runSessionsRename(cmd *cobra.Command, args []string) error {
	a := newApp()
	defer a.close()
	ctrl, err := reconciled(cmd, a)
	if err != nil {
		return err
	}
	id, err := resolveSession(ctrl, args[0])
	if err != nil {
		return err
	}
	if err := ctrl.Rename(id, args[1]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Renamed session %s to %q.\n", id, args[1])
	return nil
}

func runSessionsStatus(cmd *cobra.Command, args []string) error {
	a := newApp()
	defer a.close()
	ctrl, err := reconciled(cmd, a)
	if err != nil {
		return err
	}
	id := ctrl.Active()
	if len(args) == 1 {
		if id, err = resolveSession(ctrl, args[0]); err != nil {
			return err
		}
	}
	if id == "" {
		return fmt.Errorf("no active session")
	}
	local, err := ctrl.Status(id)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	remote, err := a.api.DetailedStatus(ctx, id)
	if err != nil {
		if errors.Is(err, auth.ErrAuthExpired) {
			return err
		}
		log.Printf("[cmd] detailed status unavailable, falling back: %v", err)
		st, serr := a.api.SessionStatus(ctx, id)
		if serr != nil {
			return serr
		}
		remote = &termapi.DetailedStatus{Status: *st}
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", local.ID)
	fmt.Fprintf(w, "Name:\t%s\n", local.Name)
	fmt.Fprintf(w, "State:\t%s\n", local.Phase)
	fmt.Fprintf(w, "Running:\t%v\n", remote.Running)
	if remote.CWD != "" {
		fmt.Fprintf(w, "Directory:\t%s\n", remote.CWD)
	}
	if remote.PID != 0 {
		fmt.Fprintf(w, "PID:\t%d\n", remote.PID)
	}
	if t := remote.CreatedAtTime(); !t.IsZero() {
		fmt.Fprintf(w, "Created:\t%s\n", t.Local().Format(time.RFC3339))
	}
	if t := remote.LastActivityTime(); !t.IsZero() {
		fmt.Fprintf(w, "Last activity:\t%s\n", t.Local().Format(time.RFC3339))
	}
	return w.Flush()
}
