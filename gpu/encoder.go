package gpu

// Command is one recorded operation of a CommandBuffer
type Command interface {
	command()
}

// DispatchCommand runs a compute pipeline over Groups workgroups
type DispatchCommand struct {
	Pipeline  PipelineID
	BindGroup BindGroupID
	Constants []byte
	Groups    [3]uint32
}

// CopyCommand copies Size bytes between buffers
type CopyCommand struct {
	Src, Dst       BufferID
	SrcOff, DstOff uint64
	Size           uint64
}

func (DispatchCommand) command() {}
func (CopyCommand) command()     {}

// CommandBuffer is a finished, immutable list of commands
type CommandBuffer struct {
	Label    string
	commands []Command
}

// Commands returns the recorded commands in submission order
func (cb *CommandBuffer) Commands() []Command {
	return cb.commands
}

// CommandEncoder records commands for one submission
type CommandEncoder struct {
	label    string
	commands []Command
}

func NewCommandEncoder(label string) *CommandEncoder {
	return &CommandEncoder{label: label}
}

// BeginComputePass starts recording dispatches. State set on the pass
// (pipeline, bind group, constants) carries over between dispatches.
func (e *CommandEncoder) BeginComputePass() *ComputePass {
	return &ComputePass{enc: e}
}

func (e *CommandEncoder) CopyBufferToBuffer(src BufferID, srcOff uint64, dst BufferID, dstOff, size uint64) {
	e.commands = append(e.commands, CopyCommand{Src: src, Dst: dst, SrcOff: srcOff, DstOff: dstOff, Size: size})
}

func (e *CommandEncoder) Finish() *CommandBuffer {
	cb := &CommandBuffer{Label: e.label, commands: e.commands}
	e.commands = nil
	return cb
}

// ComputePass records dispatches into its encoder
type ComputePass struct {
	enc       *CommandEncoder
	pipeline  PipelineID
	bindGroup BindGroupID
	constants []byte
}

func (p *ComputePass) SetPipeline(id PipelineID) {
	p.pipeline = id
}

// SetBindGroup binds group 0, the only group kernels here declare.
func (p *ComputePass) SetBindGroup(index uint32, id BindGroupID) {
	p.bindGroup = id
}

// SetPushConstants copies data into the constant block at offset
func (p *ComputePass) SetPushConstants(offset uint32, data []byte) {
	end := int(offset) + len(data)
	if end > len(p.constants) {
		grown := make([]byte, end)
		copy(grown, p.constants)
		p.constants = grown
	}
	copy(p.constants[offset:], data)
}

func (p *ComputePass) DispatchWorkgroups(x, y, z uint32) {
	constants := make([]byte, len(p.constants))
	copy(constants, p.constants)
	p.enc.commands = append(p.enc.commands, DispatchCommand{
		Pipeline:  p.pipeline,
		BindGroup: p.bindGroup,
		Constants: constants,
		Groups:    [3]uint32{x, y, z},
	})
}

func (p *ComputePass) End() {}
