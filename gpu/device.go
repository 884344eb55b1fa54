package gpu

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDeviceLost is returned by every call on a device after it was reset
	// or removed. There is no recovery; build a new device.
	ErrDeviceLost = errors.New("gpu: device lost")
	// ErrValidation reports misuse of the device contract.
	ErrValidation = errors.New("gpu: validation failed")
	// ErrMapAborted is delivered to a MapAsync callback whose buffer was
	// unmapped or destroyed before the mapping completed.
	ErrMapAborted = errors.New("gpu: mapping aborted")
)

// Device is a compute device with a single FIFO submission queue.
//
// WriteBuffer and Submit only enqueue work. Completion is observed through
// OnSubmittedWorkDone and MapAsync callbacks, which are delivered in queue
// order from a device goroutine and must not block.
type Device interface {
	Name() string

	CreateBuffer(desc BufferDescriptor) (BufferID, error)
	DestroyBuffer(id BufferID)
	CreateComputePipeline(desc ComputePipelineDescriptor) (PipelineID, error)
	DestroyComputePipeline(id PipelineID)
	CreateBindGroup(pipeline PipelineID, entries []BindGroupEntry) (BindGroupID, error)
	DestroyBindGroup(id BindGroupID)

	// WriteBuffer copies data and enqueues the write.
	WriteBuffer(id BufferID, offset uint64, data []byte) error
	Submit(cb *CommandBuffer) error
	// OnSubmittedWorkDone runs fn once everything submitted so far finished.
	// fn also runs when the device is lost.
	OnSubmittedWorkDone(fn func())

	// MapAsync requests host access after all previously submitted work.
	MapAsync(id BufferID, mode MapMode, fn func(error)) error
	// MappedRange returns the mapped bytes. They are only valid until Unmap.
	MappedRange(id BufferID) ([]byte, error)
	Unmap(id BufferID) error

	// Poll reports whether the queue is idle without blocking.
	Poll() bool
	// Wait blocks until the queue is idle.
	Wait() error
	Release()
}

// Backend names accepted by Open
const (
	BackendCPU = "cpu"
	BackendGL  = "gl"
)

// Open creates a device for the named backend. workers only applies to the
// CPU device; zero means one per CPU.
func Open(backend string, workers int) (Device, error) {
	switch strings.ToLower(backend) {
	case "", BackendCPU:
		return NewCPUDevice(workers), nil
	case BackendGL:
		dev, err := NewGLDevice()
		if err != nil {
			return nil, err
		}
		return dev, nil
	}
	return nil, fmt.Errorf("gpu: unknown backend %q", backend)
}
