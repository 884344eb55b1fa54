package gpu

import "fmt"

// BufferUsage is a bit set of the ways a buffer may be used
type BufferUsage uint32

const (
	UsageStorage BufferUsage = 1 << iota
	UsageCopySrc
	UsageCopyDst
	UsageMapRead
)

func (u BufferUsage) Has(flag BufferUsage) bool {
	return u&flag == flag
}

// MapMode selects host access for MapAsync. Only reads are supported.
type MapMode uint32

const MapRead MapMode = 1

type (
	BufferID    uint32
	PipelineID  uint32
	BindGroupID uint32
)

// BufferDescriptor describes a device buffer
type BufferDescriptor struct {
	Label string
	Size  uint64
	Usage BufferUsage
}

// BindingLayout declares one storage slot of a kernel
type BindingLayout struct {
	Binding  uint32
	ReadOnly bool
}

// WorkgroupSize is the local invocation shape every kernel in this module
// is compiled with.
var WorkgroupSize = [3]uint32{4, 4, 4}

// KernelFunc is the host form of a compute kernel. It is invoked once per
// global invocation id; constants holds the push constant block and
// bindings the storage buffers in slot order.
type KernelFunc func(id [3]uint32, constants []byte, bindings [][]byte)

// Kernel is a compute entry point in the forms the devices understand:
// GLSL source for GL and a KernelFunc for the CPU device.
type Kernel struct {
	EntryPoint string
	Workgroup  [3]uint32
	// PushConstantSize is the byte size of the per-dispatch parameter block.
	// GL receives it through the uvec4 uniform named PushConstantUniform.
	PushConstantSize    uint32
	PushConstantUniform string
	Bindings            []BindingLayout
	Source              []byte
	Func                KernelFunc
}

// ComputePipelineDescriptor describes a compute pipeline
type ComputePipelineDescriptor struct {
	Label  string
	Kernel Kernel
}

// BindGroupEntry binds a buffer to a kernel slot
type BindGroupEntry struct {
	Binding uint32
	Buffer  BufferID
}

// DispatchSize is the number of workgroups needed to cover extent cells
// along each axis, rounding up.
func DispatchSize(extent [3]uint32, workgroup [3]uint32) [3]uint32 {
	var out [3]uint32
	for a := 0; a < 3; a++ {
		w := workgroup[a]
		if w == 0 {
			w = 1
		}
		out[a] = (extent[a] + w - 1) / w
	}
	return out
}

func (k Kernel) validate() error {
	if k.EntryPoint == "" {
		return fmt.Errorf("%w: kernel has no entry point", ErrValidation)
	}
	if k.Workgroup[0] == 0 || k.Workgroup[1] == 0 || k.Workgroup[2] == 0 {
		return fmt.Errorf("%w: kernel %s has empty workgroup %v", ErrValidation, k.EntryPoint, k.Workgroup)
	}
	seen := make(map[uint32]bool, len(k.Bindings))
	for _, b := range k.Bindings {
		if seen[b.Binding] {
			return fmt.Errorf("%w: kernel %s declares binding %d twice", ErrValidation, k.EntryPoint, b.Binding)
		}
		seen[b.Binding] = true
	}
	return nil
}
