package host

import (
	"log/slog"

	kservice "github.com/kardianos/service"
	"golang.org/x/sys/windows/svc"
)

// NewProduction returns the SCM dispatcher when the process was started by the
// Service Control Manager, and the System dispatcher otherwise.
func NewProduction(config *kservice.Config, logger *slog.Logger) Dispatcher {
	if isService, err := svc.IsWindowsService(); err == nil && isService {
		return NewSCM(logger)
	}
	return NewSystem(config, logger)
}
