package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ServerURL          string `envconfig:"SERVER_URL" default:"http://localhost:8000"`
	DataPath           string `envconfig:"DATA_PATH" default:"~/.acweb"`
	DatabasePath       string `envconfig:"DATABASE_PATH" default:""`
	LogPath            string `envconfig:"LOG_PATH" default:""`
	InsecureSkipVerify bool   `envconfig:"INSECURE_SKIP_VERIFY" default:"false"`

	// Network timeouts
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"10s"`
	DialTimeout    time.Duration `envconfig:"DIAL_TIMEOUT" default:"10s"`
}

var Cfg Settings

func Load() {
	s, err := Parse()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	Cfg = s
}

// Parse reads ACWEB_* environment variables and resolves derived paths.
func Parse() (Settings, error) {
	var s Settings
	if err := envconfig.Process("ACWEB", &s); err != nil {
		return s, err
	}

	dataPath, err := expandHome(s.DataPath)
	if err != nil {
		return s, fmt.Errorf("resolve data path: %w", err)
	}
	s.DataPath = dataPath
	if s.DatabasePath == "" {
		s.DatabasePath = filepath.Join(s.DataPath, "acweb.db")
	}
	if s.LogPath == "" {
		s.LogPath = filepath.Join(s.DataPath, "acweb.log")
	}
	s.ServerURL = strings.TrimRight(s.ServerURL, "/")
	return s, nil
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}
