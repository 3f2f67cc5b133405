package service

import (
	"fmt"
	"strings"
	"time"
)

// State is the current state of a registered service.
// The numeric values match the Windows SERVICE_* state codes.
type State uint32

const (
	Unknown         State = 0
	Stopped         State = 1
	StartPending    State = 2
	StopPending     State = 3
	Running         State = 4
	ContinuePending State = 5
	PausePending    State = 6
	Paused          State = 7
)

var stateNames = map[State]string{
	Unknown:         "unknown",
	Stopped:         "stopped",
	StartPending:    "start_pending",
	StopPending:     "stop_pending",
	Running:         "running",
	ContinuePending: "continue_pending",
	PausePending:    "pause_pending",
	Paused:          "paused",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

// MarshalYAML renders the state by name.
func (s State) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

// IsPending reports whether the state is a transition between two stable states.
func (s State) IsPending() bool {
	switch s {
	case StartPending, StopPending, ContinuePending, PausePending:
		return true
	}
	return false
}

// Kind is the service type reported with a status record.
type Kind uint32

const (
	KindOwnProcess   Kind = 0x10
	KindShareProcess Kind = 0x20
)

// ControlKind identifies a control code delivered to a running service.
// The numeric values match the Windows SERVICE_CONTROL_* codes.
type ControlKind uint32

const (
	ControlStop                  ControlKind = 1
	ControlPause                 ControlKind = 2
	ControlContinue              ControlKind = 3
	ControlInterrogate           ControlKind = 4
	ControlShutdown              ControlKind = 5
	ControlParamChange           ControlKind = 6
	ControlNetBindAdd            ControlKind = 7
	ControlNetBindRemove         ControlKind = 8
	ControlNetBindEnable         ControlKind = 9
	ControlNetBindDisable        ControlKind = 10
	ControlDeviceEvent           ControlKind = 11
	ControlHardwareProfileChange ControlKind = 12
	ControlPowerEvent            ControlKind = 13
	ControlSessionChange         ControlKind = 14
	ControlPreShutdown           ControlKind = 15
	ControlTimeChange            ControlKind = 16
	ControlUserLogoff            ControlKind = 17
	ControlTriggerEvent          ControlKind = 32
	ControlLowResources          ControlKind = 96
	ControlSystemLowResources    ControlKind = 97
)

var controlNames = map[ControlKind]string{
	ControlStop:                  "stop",
	ControlPause:                 "pause",
	ControlContinue:              "continue",
	ControlInterrogate:           "interrogate",
	ControlShutdown:              "shutdown",
	ControlParamChange:           "param_change",
	ControlNetBindAdd:            "netbind_add",
	ControlNetBindRemove:         "netbind_remove",
	ControlNetBindEnable:         "netbind_enable",
	ControlNetBindDisable:        "netbind_disable",
	ControlDeviceEvent:           "device_event",
	ControlHardwareProfileChange: "hardware_profile_change",
	ControlPowerEvent:            "power_event",
	ControlSessionChange:         "session_change",
	ControlPreShutdown:           "pre_shutdown",
	ControlTimeChange:            "time_change",
	ControlUserLogoff:            "user_logoff",
	ControlTriggerEvent:          "trigger_event",
	ControlLowResources:          "low_resources",
	ControlSystemLowResources:    "system_low_resources",
}

func (c ControlKind) String() string {
	if name, ok := controlNames[c]; ok {
		return name
	}
	return fmt.Sprintf("control(%d)", uint32(c))
}

// ParseControlKind converts a control name such as "pause" or "param-change"
// into its ControlKind.
func ParseControlKind(name string) (ControlKind, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	for kind, n := range controlNames {
		if n == normalized {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("unknown control %q", name)
}

// Accepted is the set of control codes a service declares it will handle.
// The bit values match the Windows SERVICE_ACCEPT_* flags.
type Accepted uint32

const (
	AcceptStop                  Accepted = 0x0001
	AcceptPauseAndContinue      Accepted = 0x0002
	AcceptShutdown              Accepted = 0x0004
	AcceptParamChange           Accepted = 0x0008
	AcceptNetBindChange         Accepted = 0x0010
	AcceptHardwareProfileChange Accepted = 0x0020
	AcceptPowerEvent            Accepted = 0x0040
	AcceptSessionChange         Accepted = 0x0080
	AcceptPreShutdown           Accepted = 0x0100
	AcceptTimeChange            Accepted = 0x0200
	AcceptTriggerEvent          Accepted = 0x0400
	AcceptUserLogoff            Accepted = 0x0800
	AcceptLowResources          Accepted = 0x2000
	AcceptSystemLowResources    Accepted = 0x4000
)

// Has reports whether every bit in other is set.
func (a Accepted) Has(other Accepted) bool {
	return a&other == other
}

// Result is the code a control handler returns to the control facility.
// The values match the Win32 error codes the SCM expects from a handler.
type Result uint32

const (
	ResultSuccess             Result = 0
	ResultNotImplemented      Result = 120
	ResultCannotAcceptControl Result = 1061
	ResultFailure             Result = 1064
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultNotImplemented:
		return "not_implemented"
	case ResultCannotAcceptControl:
		return "cannot_accept_control"
	case ResultFailure:
		return "failure"
	}
	return fmt.Sprintf("result(%d)", uint32(r))
}

// ExitCodeServiceSpecific is reported as ExitCode when the service-specific
// exit code carries the actual failure.
const ExitCodeServiceSpecific uint32 = 1066

const (
	minWaitTime = 1000 * time.Millisecond
	maxWaitTime = 10000 * time.Millisecond
)

// Status is the status record a service publishes and a controller polls.
type Status struct {
	Kind                    Kind     `yaml:"kind" json:"kind"`
	State                   State    `yaml:"state" json:"state"`
	Accepts                 Accepted `yaml:"accepts" json:"accepts"`
	ExitCode                uint32   `yaml:"exit_code" json:"exit_code"`
	ServiceSpecificExitCode uint32   `yaml:"service_specific_exit_code" json:"service_specific_exit_code"`
	CheckPoint              uint32   `yaml:"checkpoint" json:"checkpoint"`
	// WaitHint is in milliseconds.
	WaitHint  uint32 `yaml:"wait_hint_ms" json:"wait_hint_ms"`
	ProcessID uint32 `yaml:"pid,omitempty" json:"pid,omitempty"`
}

// WaitTime returns how long a controller sleeps between polls of this status:
// one tenth of the wait hint, clamped to [1s, 10s]. The clamp bounds apply to
// that derived interval, not to the hint, so a 10001 ms hint waits 1000 ms and
// only hints of 100000 ms or more reach the 10 s ceiling.
func (s Status) WaitTime() time.Duration {
	wait := time.Duration(s.WaitHint/10) * time.Millisecond
	if wait < minWaitTime {
		return minWaitTime
	}
	if wait > maxWaitTime {
		return maxWaitTime
	}
	return wait
}

// WaitHintDuration returns the wait hint as a time.Duration.
func (s Status) WaitHintDuration() time.Duration {
	return time.Duration(s.WaitHint) * time.Millisecond
}
