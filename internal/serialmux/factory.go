package serialmux

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/banshee-data/teleinfo.sim/internal/fsutil"
)

// OpenSerialMux opens path through factory and wraps the port in a SerialMux.
func OpenSerialMux(factory SerialPortFactory, path string, opts PortOptions) (*SerialMux[SerialPorter], error) {
	if path == "" {
		return nil, fmt.Errorf("serial device path is required")
	}
	port, err := factory.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}
	return NewSerialMux(port), nil
}

// NewRealSerialMux creates a SerialMux instance backed by a real serial port at the
// given path using the provided serial options.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[SerialPorter], error) {
	return OpenSerialMux(NewRealSerialPortFactory(), path, opts)
}

// NewFileSerialMux creates a SerialMux that writes frames to a regular file
// instead of a device, creating missing parent directories and truncating the
// file. Used in dev mode to inspect the byte stream without hardware.
func NewFileSerialMux(fsys fsutil.FileSystem, path string) (*SerialMux[io.WriteCloser], error) {
	if path == "" {
		return nil, fmt.Errorf("output file path is required")
	}
	if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory for %s: %w", path, err)
	}
	f, err := fsys.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file %s: %w", path, err)
	}
	return NewSerialMux(f), nil
}
