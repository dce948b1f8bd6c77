package audio

import (
	"fmt"
	"strings"

	"github.com/gen2brain/malgo"
)

// DeviceInfo describes a microphone the learner can record with
type DeviceInfo struct {
	ID        string // "capture-N", stable for the lifetime of the audio context
	Name      string // Human-readable device name
	IsDefault bool   // Whether the OS reports this as the default input
}

// String returns a human-readable representation of the device
func (d DeviceInfo) String() string {
	if d.IsDefault {
		return fmt.Sprintf("%s: %s [DEFAULT]", d.ID, d.Name)
	}
	return fmt.Sprintf("%s: %s", d.ID, d.Name)
}

// ListDevices returns every capture device malgo can see
func ListDevices() ([]DeviceInfo, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: init audio context: %v", ErrDeviceUnavailable, err)
	}
	defer freeContext(ctx)

	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("%w: enumerate devices: %v", ErrDeviceUnavailable, err)
	}

	devices := make([]DeviceInfo, 0, len(infos))
	for i, info := range infos {
		devices = append(devices, DeviceInfo{
			ID:        fmt.Sprintf("capture-%d", i),
			Name:      info.Name(),
			IsDefault: info.IsDefault > 0,
		})
	}
	return devices, nil
}

// SelectDevice picks the device matching name by ID or case-insensitive
// partial name. An empty name picks the default device, or the first one
// if the backend does not flag a default.
func SelectDevice(devices []DeviceInfo, name string) (*DeviceInfo, error) {
	if name == "" {
		return pickDefault(devices)
	}
	return findDevice(devices, name)
}

func pickDefault(devices []DeviceInfo) (*DeviceInfo, error) {
	for i := range devices {
		if devices[i].IsDefault {
			return &devices[i], nil
		}
	}
	if len(devices) > 0 {
		return &devices[0], nil
	}
	return nil, fmt.Errorf("%w: no capture devices found", ErrDeviceUnavailable)
}

func findDevice(devices []DeviceInfo, name string) (*DeviceInfo, error) {
	for i := range devices {
		if devices[i].ID == name {
			return &devices[i], nil
		}
	}
	search := strings.ToLower(name)
	for i := range devices {
		if strings.Contains(strings.ToLower(devices[i].Name), search) {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no device matching %q", ErrDeviceUnavailable, name)
}
