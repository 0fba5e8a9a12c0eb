package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/yingjunnan/acweb/internal/connmgr"
	"github.com/yingjunnan/acweb/internal/lifecycle"
)

// detachKey is Ctrl-].
const detachKey = 0x1d

var errDetached = errors.New("detached")

var attachCmd = &cobra.Command{
	Use:   "attach [session]",
	Short: "Attach this terminal to a session (default: active, or a new one)",
	Long: `Attach the local terminal to a session's live channel. Output produced
since the channel opened is replayed first. Press Ctrl-] to detach; the
session keeps running on the server.

While attached, sessions that end on the server are dropped from the local
list every refresh_interval seconds.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAttach,
}

func init() {
	rootCmd.AddCommand(attachCmd)
}

func runAttach(cmd *cobra.Command, args []string) error {
	a := newApp()
	defer a.close()
	if err := a.requireLogin(); err != nil {
		return err
	}
	a.loadPrefs(cmd.Context())
	ctrl := a.sessions()

	ctx, cancel := dialContext(cmd.Context())
	err := ctrl.Start(ctx)
	cancel()
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
		ctx, cancel := dialContext(cmd.Context())
		s, err := ctrl.Create(ctx, "")
		cancel()
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		id = s.ID
	}
	return attachSession(cmd, a, id)
}

// attachSession focuses id and pumps it to and from the local terminal until
// the user detaches, the channel closes, or the credential is rejected.
func attachSession(cmd *cobra.Command, a *app, id string) error {
	ctrl := a.sessions()
	ctx, cancel := dialContext(cmd.Context())
	err := ctrl.SetActive(ctx, id)
	cancel()
	if err != nil {
		return err
	}
	conn, ok := a.conns.Get(id)
	if !ok {
		return fmt.Errorf("session %s is not connected", id)
	}

	mon := lifecycle.NewMonitor(ctrl, a.prefs.Current().Refresh())
	if err := mon.Start(); err != nil {
		return err
	}
	defer mon.Stop()

	err = pump(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), ctrl, conn)
	switch {
	case errors.Is(err, errDetached):
		fmt.Fprintf(cmd.ErrOrStderr(), "\r\n[detached from %s]\r\n", id)
		return nil
	case err != nil:
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "\r\n[connection to %s closed]\r\n", id)
	return nil
}

func pump(ctx context.Context, in io.Reader, out io.Writer, ctrl *lifecycle.Controller, conn *connmgr.Conn) error {
	changes, cancelChanges := ctrl.Subscribe()
	defer cancelChanges()

	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd := int(f.Fd())
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		defer term.Restore(fd, state)
		if cols, rows, err := term.GetSize(fd); err == nil {
			conn.Resize(ctx, uint16(rows), uint16(cols))
		}
		stop := watchResize(ctx, fd, conn)
		defer stop()
	}

	// Output is read from the history by offset, so the replay and the live
	// stream never overlap.
	hist := conn.History()
	data, off, changed := hist.ReadFrom(0)
	if _, err := out.Write(data); err != nil {
		return err
	}

	inputErr := make(chan error, 1)
	go func() {
		inputErr <- forwardInput(ctx, in, conn)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-inputErr:
			return err
		case <-changed:
			data, off, changed = hist.ReadFrom(off)
			if _, err := out.Write(data); err != nil {
				return err
			}
		case <-conn.Done():
			data, _, _ = hist.ReadFrom(off)
			_, err := out.Write(data)
			return err
		case ch, ok := <-changes:
			if ok && ch.LoggedOut {
				return fmt.Errorf("credential rejected by the server; run 'acweb login'")
			}
		}
	}
}

// forwardInput copies local input to the channel until the detach key or EOF.
func forwardInput(ctx context.Context, in io.Reader, conn *connmgr.Conn) error {
	buf := make([]byte, 4096)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			data := buf[:n]
			i := bytes.IndexByte(data, detachKey)
			if i >= 0 {
				data = data[:i]
			}
			if len(data) > 0 {
				if serr := conn.Send(ctx, append([]byte(nil), data...)); serr != nil {
					return serr
				}
			}
			if i >= 0 {
				return errDetached
			}
		}
		if err == io.EOF {
			return errDetached
		}
		if err != nil {
			return err
		}
	}
}
