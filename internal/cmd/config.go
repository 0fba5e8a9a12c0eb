package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/yingjunnan/acweb/internal/configsync"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change terminal preferences",
	Long: `Terminal preferences live on the server and are cached locally. When the
server cannot be reached the cached (or default) values are shown.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current preferences",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key>=<value>...",
	Short: "Change preferences and save them to the server",
	Long: `Change one or more preferences, e.g.

  acweb config set theme=light font_size=16

Keys: default_path, shell, font_size, theme, refresh_interval,
session_timeout, buffer_size. The server may normalize values; the saved
result is printed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runConfigSet,
}

var configJSON bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configShowCmd.Flags().BoolVar(&configJSON, "json", false, "print JSON instead of YAML")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	a := newApp()
	if a.gw.IsAuthenticated() {
		if err := a.prefs.Load(cmd.Context()); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
		}
	}
	return printConfig(cmd, a.prefs.Current())
}

func printConfig(cmd *cobra.Command, cfg configsync.Config) error {
	out := cmd.OutOrStdout()
	if configJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	a := newApp()
	if err := a.requireLogin(); err != nil {
		return err
	}
	if err := a.prefs.Load(cmd.Context()); err != nil {
		return fmt.Errorf("load current preferences: %w", err)
	}
	cfg, err := applySettings(a.prefs.Current(), args)
	if err != nil {
		return err
	}
	if err := a.prefs.Save(cmd.Context(), cfg); err != nil {
		return err
	}
	return printConfig(cmd, a.prefs.Current())
}

// applySettings overlays key=value pairs on cfg. Values are parsed as YAML
// scalars so numbers and strings need no quoting.
func applySettings(cfg configsync.Config, pairs []string) (configsync.Config, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return cfg, err
	}
	fields := make(map[string]interface{})
	if err := json.Unmarshal(raw, &fields); err != nil {
		return cfg, err
	}

	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return cfg, fmt.Errorf("invalid setting %q, want key=value", pair)
		}
		if _, known := fields[key]; !known {
			return cfg, fmt.Errorf("unknown setting %q", key)
		}
		var v interface{}
		if err := yaml.Unmarshal([]byte(value), &v); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", key, err)
		}
		if v == nil {
			// "~" and empty values are YAML nulls; keep them literal.
			v = value
		}
		fields[key] = v
	}

	raw, err = json.Marshal(fields)
	if err != nil {
		return cfg, err
	}
	var out configsync.Config
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return cfg, fmt.Errorf("invalid value: %w", err)
	}
	return out, nil
}
