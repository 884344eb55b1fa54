package simulation

import (
	"log/slog"

	"kosmostile/gpu"
)

type options struct {
	device      gpu.Device
	kernel      *gpu.Kernel
	maxInFlight int
	logger      *slog.Logger
}

// Option configures a Grid
type Option func(*options)

// WithDevice runs the grid on dev. The grid does not release a device it
// was given. Without this option a CPU device is created and owned.
func WithDevice(dev gpu.Device) Option {
	return func(o *options) { o.device = dev }
}

// WithKernel replaces the tick kernel, e.g. with one from LoadTickKernel
func WithKernel(k gpu.Kernel) Option {
	return func(o *options) { o.kernel = &k }
}

// WithMaxInFlight bounds the ticks queued on the device
func WithMaxInFlight(n int) Option {
	return func(o *options) { o.maxInFlight = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}
