//go:build !windows

package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/yingjunnan/acweb/internal/connmgr"
)

// watchResize forwards terminal size changes until the returned stop is called.
func watchResize(ctx context.Context, fd int, conn *connmgr.Conn) func() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGWINCH)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-sig:
				if cols, rows, err := term.GetSize(fd); err == nil {
					conn.Resize(ctx, uint16(rows), uint16(cols))
				}
			}
		}
	}()
	return func() {
		signal.Stop(sig)
		close(done)
	}
}
