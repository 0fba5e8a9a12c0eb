package cmd

import (
	"context"

	"github.com/yingjunnan/acweb/internal/connmgr"
)

// watchResize is a no-op: Windows consoles do not signal size changes.
func watchResize(ctx context.Context, fd int, conn *connmgr.Conn) func() {
	return func() {}
}
