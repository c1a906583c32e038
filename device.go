package upscale

import (
	"fmt"
	"strings"
	"sync"

	"github.com/prethora/xprim-upscale/nn"
)

// Device preferences accepted by configuration.
const (
	DeviceGPU = "gpu"
	DeviceCPU = "cpu"
)

// Device is the compute device model parameters and tiles live on.
type Device interface {
	// Name identifies the device in logs.
	Name() string

	// Reserve accounts for bytes of parameter memory, failing when the
	// device cannot hold them.
	Reserve(bytes int64) error

	// Release returns bytes previously reserved.
	Release(bytes int64)

	// Resident reports the bytes currently reserved.
	Resident() int64

	// Place moves a tensor onto the device.
	Place(t *nn.Tensor) (*nn.Tensor, error)
}

// cpuDevice runs everything in host memory, with an optional cap on
// reserved parameter bytes.
type cpuDevice struct {
	mu       sync.Mutex
	limit    int64
	resident int64
}

// NewCPUDevice returns a host device. limit caps reserved bytes; zero
// means unlimited.
func NewCPUDevice(limit int64) Device {
	return &cpuDevice{limit: limit}
}

func (d *cpuDevice) Name() string { return DeviceCPU }

func (d *cpuDevice) Reserve(bytes int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.limit > 0 && d.resident+bytes > d.limit {
		return fmt.Errorf("%s: %s requested with %s of %s in use",
			d.Name(), formatSize(bytes), formatSize(d.resident), formatSize(d.limit))
	}
	d.resident += bytes
	return nil
}

func (d *cpuDevice) Release(bytes int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resident = max(0, d.resident-bytes)
}

func (d *cpuDevice) Resident() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resident
}

// Place is the identity: host tensors are already resident.
func (d *cpuDevice) Place(t *nn.Tensor) (*nn.Tensor, error) {
	return t, nil
}

// resolveDevice maps a configured preference to a usable device. Only the
// CPU backend is built in, so a GPU preference falls back with a warning.
func resolveDevice(preference string, limit int64, logger Logger) Device {
	switch strings.ToLower(preference) {
	case DeviceGPU, "":
		logger.Warn("GPU requested but no GPU backend is available, using CPU", "preference", preference)
	case DeviceCPU:
	default:
		logger.Warn("unknown device preference, using CPU", "preference", preference)
	}
	return NewCPUDevice(limit)
}
