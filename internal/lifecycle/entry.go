package lifecycle

import (
	"github.com/BrainStation-23/svcctl/internal/host"
)

// NewEntry builds the dispatcher entry point for program: it creates the
// state machine with the hosting dispatcher, executes it and returns the exit
// code once Stopped has been reported.
func NewEntry(name string, program Program, opts ...Option) host.Entry {
	return host.Entry{
		Name: name,
		Main: func(d host.Dispatcher, args []string) uint32 {
			l := New(name, d, program, opts...)
			l.Execute(args)
			<-l.Done()
			return l.ExitCode()
		},
	}
}
