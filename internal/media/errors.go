package media

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPermissionDenied is returned when the runtime refuses access to a
	// capture device.
	ErrPermissionDenied = errors.New("media permission denied")
	// ErrDeviceUnavailable is returned when no usable device exists or the
	// device cannot be opened.
	ErrDeviceUnavailable = errors.New("media device unavailable")
	// ErrScreenUnavailable is returned when screen capture fails or was
	// cancelled by the user.
	ErrScreenUnavailable = errors.New("screen capture unavailable")
)

func classifyCaptureError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "denied") || strings.Contains(msg, "permission") || strings.Contains(msg, "unauthorized") {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
}
