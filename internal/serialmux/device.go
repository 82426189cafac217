package serialmux

import "runtime"

// Default device names, used when no path is given on the command line.
const (
	DefaultPosixDevice   = "/dev/ttyUSB0"
	DefaultWindowsDevice = "COM1"
)

// DefaultDevicePath returns the default serial device for the given GOOS.
func DefaultDevicePath(goos string) string {
	if goos == "windows" {
		return DefaultWindowsDevice
	}
	return DefaultPosixDevice
}

// HostDevicePath returns DefaultDevicePath for the running platform.
func HostDevicePath() string {
	return DefaultDevicePath(runtime.GOOS)
}
