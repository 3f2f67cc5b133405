package lifecycle

import (
	"github.com/BrainStation-23/svcctl/internal/host"
	"github.com/BrainStation-23/svcctl/internal/service"
)

// StatusReporter publishes status records to a status sink.
type StatusReporter interface {
	ReportStatus(status service.Status) error
}

// StatusReporterFunc adapts a function to StatusReporter.
type StatusReporterFunc func(status service.Status) error

func (f StatusReporterFunc) ReportStatus(status service.Status) error {
	return f(status)
}

// dispatcherReporter publishes through the dispatcher the handler was registered with.
type dispatcherReporter struct {
	dispatcher host.Dispatcher
	token      host.StatusToken
}

func (r dispatcherReporter) ReportStatus(status service.Status) error {
	return r.dispatcher.SetStatus(r.token, status)
}
