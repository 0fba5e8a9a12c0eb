package main

import (
	"os"

	"github.com/yingjunnan/acweb/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
