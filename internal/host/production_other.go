//go:build !windows

package host

import (
	"log/slog"

	kservice "github.com/kardianos/service"
)

// NewProduction returns the System dispatcher.
func NewProduction(config *kservice.Config, logger *slog.Logger) Dispatcher {
	return NewSystem(config, logger)
}
