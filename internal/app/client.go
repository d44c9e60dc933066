package app

import (
	"github.com/pkg/errors"

	intrnl "realtime/internal"
)

// RunMonitor launches the presence monitor TUI.
func RunMonitor(cfg ClientConfig) error {
	if cfg.ServerURL == "" {
		return errors.New("server URL is required")
	}
	if cfg.Token == "" {
		return errors.New("admin token is required")
	}
	return intrnl.RunMonitor(cfg.ServerURL, cfg.Token)
}
