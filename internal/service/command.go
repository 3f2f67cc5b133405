//go:build !windows

package service

import "os/exec"

// commandRunner runs a service-manager command and returns its combined output
type commandRunner func(name string, args ...string) ([]byte, error)

func runCommand(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}
