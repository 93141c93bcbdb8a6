package adb

import (
	"context"

	"mobileproxy/models"
)

// Bridge is the narrow contract the core needs from the device-bridge tool.
//
// None of the methods return errors. A timeout, a missing binary or a device
// that went away all collapse into the documented zero result (false, "",
// nil slice, or ok=false) so callers stay operable when hardware is flaky.
type Bridge interface {
	// IsAvailable reports whether the bridge tool answers at all. A false
	// result is a precondition failure for every other call.
	IsAvailable(ctx context.Context) bool

	// ListDevices returns devices in the "device" (ready) state only.
	ListDevices(ctx context.Context) []models.DeviceInfo

	// GetProperty returns "" both for an empty property and a failed lookup.
	GetProperty(ctx context.Context, serial, key string) string

	// CreateForward clears any stale forward on localPort before creating the
	// new one, so repeating it is safe.
	CreateForward(ctx context.Context, serial string, localPort, remotePort int) bool
	RemoveForward(ctx context.Context, serial string, localPort int) bool

	// ListForwards reports the forwards the bridge actually holds for serial.
	ListForwards(ctx context.Context, serial string) []models.Forward

	// SetAirplaneMode is true when the settings write succeeded. The
	// notification broadcast that follows is best-effort.
	SetAirplaneMode(ctx context.Context, serial string, on bool) bool

	// GetDeviceIP returns ok=false when no address could be read, which is
	// normal while the radio is still settling.
	GetDeviceIP(ctx context.Context, serial string) (ip string, ok bool)
}

// HasForward reports whether forwards contains a tcp forward on localPort.
func HasForward(forwards []models.Forward, localPort int) bool {
	for _, f := range forwards {
		if f.LocalPort() == localPort {
			return true
		}
	}
	return false
}
