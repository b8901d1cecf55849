package main

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRootCmd() *cobra.Command {
	cfg := viper.New()
	cfg.SetEnvPrefix("BOARD")
	cfg.AutomaticEnv()
	cfg.SetDefault("url", "http://localhost:8080")

	rootCmd := &cobra.Command{
		Use:           "boardctl",
		Short:         "Inspect live presence and events of a boardsync server",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().String("url", "", "server base URL (env BOARD_URL)")
	rootCmd.PersistentFlags().String("token", "", "bearer token (env BOARD_TOKEN)")
	_ = cfg.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))
	_ = cfg.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))

	rootCmd.AddCommand(
		newRosterCmd(cfg),
		newTailCmd(cfg),
	)
	return rootCmd
}

type settings struct {
	base  string
	token string
}

func loadSettings(cfg *viper.Viper) (settings, error) {
	s := settings{
		base:  strings.TrimRight(cfg.GetString("url"), "/"),
		token: cfg.GetString("token"),
	}
	if s.token == "" {
		return s, errors.New("a token is required (--token or BOARD_TOKEN)")
	}
	u, err := url.Parse(s.base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return s, fmt.Errorf("invalid server URL %q", s.base)
	}
	return s, nil
}

// wsURL maps the HTTP base URL to the gateway's WebSocket endpoint.
func (s settings) wsURL() string {
	if rest, ok := strings.CutPrefix(s.base, "https://"); ok {
		return "wss://" + rest + "/ws"
	}
	return "ws://" + strings.TrimPrefix(s.base, "http://") + "/ws"
}
