//go:build !windows && !linux && !darwin

package service

import (
	"fmt"
	"runtime"
)

func newPlatformBackend(access Access) (Backend, error) {
	return nil, fmt.Errorf("unsupported platform: %s", runtime.GOOS)
}
