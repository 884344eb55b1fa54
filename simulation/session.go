package simulation

import (
	"fmt"

	"kosmostile/core"
	"kosmostile/gpu"
)

// Role says which generation a dispatch reads and which it writes
type Role uint8

const (
	// RoleA reads generation 0 and writes generation 1
	RoleA Role = iota
	// RoleB reads generation 1 and writes generation 0
	RoleB
)

// RoleFor returns the role of the dispatch with the given frame number
func RoleFor(frame uint64) Role {
	return Role(frame % 2)
}

func (r Role) Source() int      { return int(r) }
func (r Role) Destination() int { return 1 - int(r) }

func (r Role) String() string {
	if r == RoleA {
		return "A->B"
	}
	return "B->A"
}

// DeviceSession holds the device objects shared by every tick: the two
// generation buffers, the compiled kernel and one bind group per role.
// It is immutable once built.
type DeviceSession struct {
	device   gpu.Device
	dims     core.Dims
	size     uint64
	pipeline gpu.PipelineID
	buffers  [2]gpu.BufferID
	groups   [2]gpu.BindGroupID
	dispatch [3]uint32
}

// CheckWindow validates a window width before anything touches the device
func CheckWindow(width int) error {
	if width < 1 {
		return fmt.Errorf("%w: window width %d", ErrPrecondition, width)
	}
	if width > MaxWindowWidth {
		return fmt.Errorf("%w: window width %d exceeds %d", ErrPrecondition, width, MaxWindowWidth)
	}
	if (core.TileSize*width*width*width)%8 != 0 {
		return fmt.Errorf("%w: %d-wide window is not 8-byte aligned", ErrPrecondition, width)
	}
	return nil
}

// MaxWindowWidth caps one generation at 8 GiB
const MaxWindowWidth = 1024

// NewDeviceSession compiles kernel and allocates both generations of a
// grid with dims. On failure everything created so far is released.
func NewDeviceSession(dev gpu.Device, kernel gpu.Kernel, dims core.Dims) (*DeviceSession, error) {
	if dev == nil {
		return nil, &InitError{Stage: "device", Err: fmt.Errorf("no device")}
	}
	if kernel.EntryPoint != TickEntryPoint {
		return nil, &InitError{Stage: "kernel", Err: fmt.Errorf("entry point %q, want %q", kernel.EntryPoint, TickEntryPoint)}
	}

	s := &DeviceSession{
		device: dev,
		dims:   dims,
		size:   uint64(dims.ByteSize()),
		dispatch: gpu.DispatchSize(
			[3]uint32{uint32(dims.Width), uint32(dims.Height), uint32(dims.Depth)},
			kernel.Workgroup,
		),
	}
	ok := false
	defer func() {
		if !ok {
			s.Release()
		}
	}()

	for gen := range s.buffers {
		id, err := dev.CreateBuffer(gpu.BufferDescriptor{
			Label: fmt.Sprintf("tile generation %d", gen),
			Size:  s.size,
			Usage: gpu.UsageStorage | gpu.UsageCopySrc | gpu.UsageCopyDst,
		})
		if err != nil {
			return nil, &InitError{Stage: "buffer", Err: err}
		}
		s.buffers[gen] = id
	}

	pipeline, err := dev.CreateComputePipeline(gpu.ComputePipelineDescriptor{Label: "tile tick", Kernel: kernel})
	if err != nil {
		return nil, &InitError{Stage: "pipeline", Err: err}
	}
	s.pipeline = pipeline

	for _, role := range []Role{RoleA, RoleB} {
		group, err := dev.CreateBindGroup(pipeline, []gpu.BindGroupEntry{
			{Binding: 0, Buffer: s.buffers[role.Source()]},
			{Binding: 1, Buffer: s.buffers[role.Destination()]},
		})
		if err != nil {
			return nil, &InitError{Stage: "bind group " + role.String(), Err: err}
		}
		s.groups[role] = group
	}

	ok = true
	return s, nil
}

func (s *DeviceSession) Device() gpu.Device { return s.device }
func (s *DeviceSession) Dims() core.Dims    { return s.dims }

// BufferSize is the byte size of one generation
func (s *DeviceSession) BufferSize() uint64 { return s.size }

// Buffer returns generation gen (0 or 1)
func (s *DeviceSession) Buffer(gen int) gpu.BufferID { return s.buffers[gen] }

// BindGroup returns the binding table used by dispatches of role r
func (s *DeviceSession) BindGroup(r Role) gpu.BindGroupID { return s.groups[r] }

func (s *DeviceSession) Pipeline() gpu.PipelineID { return s.pipeline }

// DispatchSize is the workgroup count per axis, rounded up
func (s *DeviceSession) DispatchSize() [3]uint32 { return s.dispatch }

// Release destroys the session's device objects. The device stays open.
func (s *DeviceSession) Release() {
	for i, g := range s.groups {
		if g != 0 {
			s.device.DestroyBindGroup(g)
			s.groups[i] = 0
		}
	}
	if s.pipeline != 0 {
		s.device.DestroyComputePipeline(s.pipeline)
		s.pipeline = 0
	}
	for i, b := range s.buffers {
		if b != 0 {
			s.device.DestroyBuffer(b)
			s.buffers[i] = 0
		}
	}
}
