package app

import (
	"errors"
	"fmt"
	"io"

	"github.com/emmett/parlo/internal/audio"
)

// DeviceManager handles audio device selection and listing
type DeviceManager struct {
	out  io.Writer
	list func() ([]audio.DeviceInfo, error)
}

// NewDeviceManager creates a DeviceManager that enumerates malgo devices
func NewDeviceManager(out io.Writer) *DeviceManager {
	return &DeviceManager{out: out, list: audio.ListDevices}
}

// ListDevices prints all available audio input devices
func (dm *DeviceManager) ListDevices() error {
	devices, err := dm.list()
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}
	if len(devices) == 0 {
		fmt.Fprintln(dm.out, "No audio capture devices found.")
		return errors.New("no devices found")
	}

	fmt.Fprintf(dm.out, "Found %d capture device(s):\n\n", len(devices))
	for i, device := range devices {
		marker := ""
		if device.IsDefault {
			marker = " [DEFAULT]"
		}
		fmt.Fprintf(dm.out, "%d. %s%s\n", i+1, device.Name, marker)
		fmt.Fprintf(dm.out, "   ID: %s\n\n", device.ID)
	}

	fmt.Fprintln(dm.out, "To practice with a specific device, run:")
	fmt.Fprintf(dm.out, "  parlo --device %q\n", devices[0].Name)
	return nil
}

// SelectDevice resolves a device by ID or name, or the default device when
// name is empty
func (dm *DeviceManager) SelectDevice(name string) (*audio.DeviceInfo, error) {
	devices, err := dm.list()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	device, err := audio.SelectDevice(devices, name)
	if err != nil {
		return nil, fmt.Errorf("%w (use --list-devices)", err)
	}
	return device, nil
}
