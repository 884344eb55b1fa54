//go:build gl

package gpu

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/go-gl/gl/v4.3-core/gl"
	"github.com/go-gl/glfw/v3.3/glfw"
)

type glBuffer struct {
	desc   BufferDescriptor
	name   uint32
	state  mapState
	mapSeq uint64
	mapped []byte
}

type glPipeline struct {
	label   string
	kernel  Kernel
	slots   []BindingLayout
	program uint32
	uniform int32
}

type glBindGroup struct {
	pipeline PipelineID
	entries  []BindGroupEntry
}

// glFence retires one queued operation. done runs on the GL goroutine.
type glFence struct {
	sync uintptr
	done func(lost bool)
}

// GLDevice runs kernels as OpenGL 4.3 compute shaders. All GL calls happen
// on one OS-locked goroutine owning a hidden GLFW window; completion is
// tracked with fence syncs polled from that goroutine.
type GLDevice struct {
	calls  chan func()
	quit   chan struct{}
	exited chan struct{}

	mu        sync.Mutex
	cond      *sync.Cond
	pending   int
	lost      bool
	closed    bool
	nextID    uint32
	buffers   map[BufferID]*glBuffer
	pipelines map[PipelineID]*glPipeline
	groups    map[BindGroupID]*glBindGroup

	// owned by the GL goroutine
	window   *glfw.Window
	fences   []glFence
	renderer string
}

var _ Device = (*GLDevice)(nil)

// NewGLDevice creates a hidden GL 4.3 core context and starts its goroutine.
func NewGLDevice() (*GLDevice, error) {
	d := &GLDevice{
		calls:     make(chan func(), 256),
		quit:      make(chan struct{}),
		exited:    make(chan struct{}),
		buffers:   make(map[BufferID]*glBuffer),
		pipelines: make(map[PipelineID]*glPipeline),
		groups:    make(map[BindGroupID]*glBindGroup),
	}
	d.cond = sync.NewCond(&d.mu)

	ready := make(chan error, 1)
	go d.run(ready)
	if err := <-ready; err != nil {
		return nil, err
	}
	slogger().Info("gl device ready", "renderer", d.renderer)
	return d, nil
}

func (d *GLDevice) Name() string {
	return "gl (" + d.renderer + ")"
}

func (d *GLDevice) run(ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(d.exited)

	if err := d.initContext(); err != nil {
		ready <- err
		return
	}
	ready <- nil

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		var tick <-chan time.Time
		if len(d.fences) > 0 {
			tick = ticker.C
		}
		select {
		case call := <-d.calls:
			call()
		case <-tick:
		case <-d.quit:
			d.shutdown()
			return
		}
		d.retire(false)
	}
}

func (d *GLDevice) initContext() error {
	if err := glfw.Init(); err != nil {
		return fmt.Errorf("failed to initialize glfw: %w", err)
	}
	glfw.WindowHint(glfw.Visible, glfw.False)
	glfw.WindowHint(glfw.ContextVersionMajor, 4)
	glfw.WindowHint(glfw.ContextVersionMinor, 3)
	glfw.WindowHint(glfw.OpenGLProfile, glfw.OpenGLCoreProfile)
	glfw.WindowHint(glfw.OpenGLForwardCompatible, glfw.True)

	window, err := glfw.CreateWindow(1, 1, "kosmostile compute", nil, nil)
	if err != nil {
		glfw.Terminate()
		return fmt.Errorf("failed to create compute context: %w", err)
	}
	window.MakeContextCurrent()
	if err := gl.Init(); err != nil {
		window.Destroy()
		glfw.Terminate()
		return fmt.Errorf("failed to initialize OpenGL: %w", err)
	}
	d.window = window
	d.renderer = gl.GoStr(gl.GetString(gl.RENDERER))
	return nil
}

func (d *GLDevice) shutdown() {
	gl.Finish()
	d.retire(true)
	d.mu.Lock()
	for _, b := range d.buffers {
		gl.DeleteBuffers(1, &b.name)
	}
	for _, p := range d.pipelines {
		gl.DeleteProgram(p.program)
	}
	d.mu.Unlock()
	d.window.Destroy()
	glfw.Terminate()
}

// do runs fn on the GL goroutine and waits for it
func (d *GLDevice) do(fn func()) error {
	done := make(chan struct{})
	select {
	case d.calls <- func() { fn(); close(done) }:
	case <-d.exited:
		return ErrDeviceLost
	}
	select {
	case <-done:
		return nil
	case <-d.exited:
		return ErrDeviceLost
	}
}

// post queues fn on the GL goroutine. The caller must already have counted
// the operation in pending; fn is responsible for fencing or retiring it.
func (d *GLDevice) post(fn func()) bool {
	select {
	case d.calls <- fn:
		return true
	case <-d.exited:
		return false
	}
}

// begin counts one queued operation; call with mu held
func (d *GLDevice) begin() {
	d.pending++
}

func (d *GLDevice) finish() {
	d.mu.Lock()
	d.pending--
	d.cond.Broadcast()
	d.mu.Unlock()
}

func (d *GLDevice) usable() error {
	if d.lost || d.closed {
		return ErrDeviceLost
	}
	return nil
}

func (d *GLDevice) markLost(cause error) {
	d.mu.Lock()
	if !d.lost {
		d.lost = true
		slogger().Error("gl device lost", "error", cause)
	}
	d.cond.Broadcast()
	d.mu.Unlock()
}

func (d *GLDevice) isLost() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lost
}

// GL_CONTEXT_LOST is a 4.5 enum, missing from the 4.3 bindings
const glContextLost = 0x0507

// checkError reads the GL error flag; GL goroutine only
func (d *GLDevice) checkError(what string) error {
	switch code := gl.GetError(); code {
	case gl.NO_ERROR:
		return nil
	case glContextLost:
		d.markLost(fmt.Errorf("%s: context lost", what))
		return ErrDeviceLost
	default:
		return fmt.Errorf("%s: gl error 0x%x", what, code)
	}
}

// fence inserts a sync object after the commands issued so far
func (d *GLDevice) fence(done func(lost bool)) {
	s := gl.FenceSync(gl.SYNC_GPU_COMMANDS_COMPLETE, 0)
	d.fences = append(d.fences, glFence{sync: s, done: done})
}

// retire runs the callbacks of signalled fences in order. With all set it
// retires every fence; callers pass it after gl.Finish.
func (d *GLDevice) retire(all bool) {
	lost := d.isLost()
	n := 0
	for ; n < len(d.fences); n++ {
		f := d.fences[n]
		if !lost && !all {
			status := gl.ClientWaitSync(f.sync, gl.SYNC_FLUSH_COMMANDS_BIT, 0)
			if status == gl.WAIT_FAILED {
				d.markLost(fmt.Errorf("fence wait failed"))
				lost = true
			} else if status != gl.ALREADY_SIGNALED && status != gl.CONDITION_SATISFIED {
				break
			}
		}
		gl.DeleteSync(f.sync)
		f.done(lost)
		d.finish()
	}
	d.fences = append(d.fences[:0], d.fences[n:]...)
}

func (d *GLDevice) CreateBuffer(desc BufferDescriptor) (BufferID, error) {
	if desc.Size == 0 || desc.Size%4 != 0 {
		return 0, fmt.Errorf("%w: buffer %q size %d must be a non-zero multiple of 4", ErrValidation, desc.Label, desc.Size)
	}
	if desc.Usage.Has(UsageMapRead) && desc.Usage&^(UsageMapRead|UsageCopyDst) != 0 {
		return 0, fmt.Errorf("%w: buffer %q: map-read buffers may only be copy destinations", ErrValidation, desc.Label)
	}
	d.mu.Lock()
	if err := d.usable(); err != nil {
		d.mu.Unlock()
		return 0, err
	}
	d.mu.Unlock()

	hint := uint32(gl.DYNAMIC_COPY)
	if desc.Usage.Has(UsageMapRead) {
		hint = gl.STREAM_READ
	}
	b := &glBuffer{desc: desc}
	var glErr error
	err := d.do(func() {
		gl.GenBuffers(1, &b.name)
		gl.BindBuffer(gl.COPY_WRITE_BUFFER, b.name)
		gl.BufferData(gl.COPY_WRITE_BUFFER, int(desc.Size), nil, hint)
		glErr = d.checkError("create buffer " + desc.Label)
	})
	if err == nil {
		err = glErr
	}
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := BufferID(d.nextID)
	d.buffers[id] = b
	return id, nil
}

func (d *GLDevice) DestroyBuffer(id BufferID) {
	d.mu.Lock()
	b, ok := d.buffers[id]
	delete(d.buffers, id)
	d.mu.Unlock()
	if ok {
		d.do(func() { gl.DeleteBuffers(1, &b.name) })
	}
}

func (d *GLDevice) CreateComputePipeline(desc ComputePipelineDescriptor) (PipelineID, error) {
	k := desc.Kernel
	if err := k.validate(); err != nil {
		return 0, err
	}
	if len(k.Source) == 0 {
		return 0, fmt.Errorf("%w: kernel %s has no shader source", ErrValidation, k.EntryPoint)
	}
	slots := append([]BindingLayout(nil), k.Bindings...)
	sort.Slice(slots, func(i, j int) bool { return slots[i].Binding < slots[j].Binding })

	p := &glPipeline{label: desc.Label, kernel: k, slots: slots, uniform: -1}
	var buildErr error
	err := d.do(func() {
		p.program, buildErr = compileCompute(string(k.Source))
		if buildErr == nil && k.PushConstantUniform != "" {
			p.uniform = gl.GetUniformLocation(p.program, gl.Str(k.PushConstantUniform+"\x00"))
		}
	})
	if err == nil {
		err = buildErr
	}
	if err != nil {
		return 0, fmt.Errorf("pipeline %q: %w", desc.Label, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := PipelineID(d.nextID)
	d.pipelines[id] = p
	return id, nil
}

func compileCompute(source string) (uint32, error) {
	shader := gl.CreateShader(gl.COMPUTE_SHADER)
	csources, free := gl.Strs(source + "\x00")
	gl.ShaderSource(shader, 1, csources, nil)
	free()
	gl.CompileShader(shader)
	defer gl.DeleteShader(shader)

	var status int32
	gl.GetShaderiv(shader, gl.COMPILE_STATUS, &status)
	if status == gl.FALSE {
		var logLength int32
		gl.GetShaderiv(shader, gl.INFO_LOG_LENGTH, &logLength)
		log := strings.Repeat("\x00", int(logLength+1))
		gl.GetShaderInfoLog(shader, logLength, nil, gl.Str(log))
		return 0, fmt.Errorf("%w: compute shader compilation failed: %s", ErrValidation, log)
	}

	program := gl.CreateProgram()
	gl.AttachShader(program, shader)
	gl.LinkProgram(program)
	gl.GetProgramiv(program, gl.LINK_STATUS, &status)
	if status == gl.FALSE {
		var logLength int32
		gl.GetProgramiv(program, gl.INFO_LOG_LENGTH, &logLength)
		log := strings.Repeat("\x00", int(logLength+1))
		gl.GetProgramInfoLog(program, logLength, nil, gl.Str(log))
		gl.DeleteProgram(program)
		return 0, fmt.Errorf("%w: compute program link failed: %s", ErrValidation, log)
	}
	return program, nil
}

func (d *GLDevice) DestroyComputePipeline(id PipelineID) {
	d.mu.Lock()
	p, ok := d.pipelines[id]
	delete(d.pipelines, id)
	d.mu.Unlock()
	if ok {
		d.do(func() { gl.DeleteProgram(p.program) })
	}
}

func (d *GLDevice) CreateBindGroup(pipeline PipelineID, entries []BindGroupEntry) (BindGroupID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usable(); err != nil {
		return 0, err
	}
	p, ok := d.pipelines[pipeline]
	if !ok {
		return 0, fmt.Errorf("%w: unknown pipeline %d", ErrValidation, pipeline)
	}
	if len(entries) != len(p.slots) {
		return 0, fmt.Errorf("%w: pipeline %q takes %d bindings, got %d", ErrValidation, p.label, len(p.slots), len(entries))
	}
	for _, slot := range p.slots {
		found := false
		for _, e := range entries {
			if e.Binding != slot.Binding {
				continue
			}
			b, ok := d.buffers[e.Buffer]
			if !ok || !b.desc.Usage.Has(UsageStorage) {
				return 0, fmt.Errorf("%w: binding %d needs a storage buffer", ErrValidation, e.Binding)
			}
			found = true
		}
		if !found {
			return 0, fmt.Errorf("%w: binding %d not provided", ErrValidation, slot.Binding)
		}
	}
	d.nextID++
	id := BindGroupID(d.nextID)
	d.groups[id] = &glBindGroup{pipeline: pipeline, entries: append([]BindGroupEntry(nil), entries...)}
	return id, nil
}

func (d *GLDevice) DestroyBindGroup(id BindGroupID) {
	d.mu.Lock()
	delete(d.groups, id)
	d.mu.Unlock()
}

func (d *GLDevice) WriteBuffer(id BufferID, offset uint64, data []byte) error {
	d.mu.Lock()
	if err := d.usable(); err != nil {
		d.mu.Unlock()
		return err
	}
	b, ok := d.buffers[id]
	if !ok || !b.desc.Usage.Has(UsageCopyDst) || b.state != unmapped {
		d.mu.Unlock()
		return fmt.Errorf("%w: buffer %d is not writable", ErrValidation, id)
	}
	size := uint64(len(data))
	if size == 0 || offset%4 != 0 || size%4 != 0 || offset+size > b.desc.Size {
		d.mu.Unlock()
		return fmt.Errorf("%w: write of %d bytes at %d into %q", ErrValidation, size, offset, b.desc.Label)
	}
	d.begin()
	d.mu.Unlock()

	owned := append([]byte(nil), data...)
	if !d.post(func() {
		gl.BindBuffer(gl.COPY_WRITE_BUFFER, b.name)
		gl.BufferSubData(gl.COPY_WRITE_BUFFER, int(offset), len(owned), gl.Ptr(owned))
		d.checkError("write buffer")
		d.fence(func(bool) {})
	}) {
		d.finish()
		return ErrDeviceLost
	}
	return nil
}

type glStep func() error

func (d *GLDevice) Submit(cb *CommandBuffer) error {
	d.mu.Lock()
	if err := d.usable(); err != nil {
		d.mu.Unlock()
		return err
	}
	steps := make([]glStep, 0, len(cb.commands))
	for _, c := range cb.commands {
		var (
			step glStep
			err  error
		)
		switch c := c.(type) {
		case DispatchCommand:
			step, err = d.prepareDispatch(c)
		case CopyCommand:
			step, err = d.prepareCopy(c)
		default:
			err = fmt.Errorf("%w: unknown command %T", ErrValidation, c)
		}
		if err != nil {
			d.mu.Unlock()
			return fmt.Errorf("submit %q: %w", cb.Label, err)
		}
		steps = append(steps, step)
	}
	d.begin()
	d.mu.Unlock()

	if !d.post(func() {
		for _, step := range steps {
			if err := step(); err != nil {
				slogger().Error("gl submit failed", "label", cb.Label, "error", err)
				break
			}
		}
		d.fence(func(bool) {})
	}) {
		d.finish()
		return ErrDeviceLost
	}
	return nil
}

// prepareDispatch must be called with mu held
func (d *GLDevice) prepareDispatch(c DispatchCommand) (glStep, error) {
	p, ok := d.pipelines[c.Pipeline]
	if !ok {
		return nil, fmt.Errorf("%w: unknown pipeline %d", ErrValidation, c.Pipeline)
	}
	g, ok := d.groups[c.BindGroup]
	if !ok || g.pipeline != c.Pipeline {
		return nil, fmt.Errorf("%w: bind group %d does not match pipeline %d", ErrValidation, c.BindGroup, c.Pipeline)
	}
	if uint32(len(c.Constants)) < p.kernel.PushConstantSize {
		return nil, fmt.Errorf("%w: %s needs %d bytes of constants", ErrValidation, p.kernel.EntryPoint, p.kernel.PushConstantSize)
	}
	names := make([]uint32, len(g.entries))
	for i, e := range g.entries {
		b, ok := d.buffers[e.Buffer]
		if !ok {
			return nil, fmt.Errorf("%w: bind group %d refers to destroyed buffer %d", ErrValidation, c.BindGroup, e.Buffer)
		}
		if b.state != unmapped {
			return nil, fmt.Errorf("%w: buffer %q is mapped", ErrValidation, b.desc.Label)
		}
		names[i] = b.name
	}
	var words [4]uint32
	for i := 0; i < 4 && 4*i+4 <= len(c.Constants); i++ {
		words[i] = binary.LittleEndian.Uint32(c.Constants[4*i:])
	}
	return func() error {
		gl.UseProgram(p.program)
		if p.uniform >= 0 {
			gl.Uniform4ui(p.uniform, words[0], words[1], words[2], words[3])
		}
		for i, e := range g.entries {
			gl.BindBufferBase(gl.SHADER_STORAGE_BUFFER, e.Binding, names[i])
		}
		gl.DispatchCompute(c.Groups[0], c.Groups[1], c.Groups[2])
		gl.MemoryBarrier(gl.SHADER_STORAGE_BARRIER_BIT | gl.BUFFER_UPDATE_BARRIER_BIT)
		return d.checkError("dispatch " + p.kernel.EntryPoint)
	}, nil
}

// prepareCopy must be called with mu held
func (d *GLDevice) prepareCopy(c CopyCommand) (glStep, error) {
	src, ok := d.buffers[c.Src]
	dst, ok2 := d.buffers[c.Dst]
	switch {
	case !ok || !ok2:
		return nil, fmt.Errorf("%w: copy between unknown buffers", ErrValidation)
	case c.Src == c.Dst:
		return nil, fmt.Errorf("%w: copy within buffer %q", ErrValidation, src.desc.Label)
	case !src.desc.Usage.Has(UsageCopySrc) || !dst.desc.Usage.Has(UsageCopyDst):
		return nil, fmt.Errorf("%w: copy from %q to %q not allowed", ErrValidation, src.desc.Label, dst.desc.Label)
	case src.state != unmapped || dst.state != unmapped:
		return nil, fmt.Errorf("%w: copy touches a mapped buffer", ErrValidation)
	case c.Size%4 != 0 || c.SrcOff+c.Size > src.desc.Size || c.DstOff+c.Size > dst.desc.Size:
		return nil, fmt.Errorf("%w: copy of %d bytes out of bounds", ErrValidation, c.Size)
	}
	return func() error {
		gl.BindBuffer(gl.COPY_READ_BUFFER, src.name)
		gl.BindBuffer(gl.COPY_WRITE_BUFFER, dst.name)
		gl.CopyBufferSubData(gl.COPY_READ_BUFFER, gl.COPY_WRITE_BUFFER, int(c.SrcOff), int(c.DstOff), int(c.Size))
		return d.checkError("copy buffer")
	}, nil
}

func (d *GLDevice) OnSubmittedWorkDone(fn func()) {
	d.mu.Lock()
	d.begin()
	d.mu.Unlock()
	if !d.post(func() { d.fence(func(bool) { fn() }) }) {
		d.finish()
		go fn()
	}
}

func (d *GLDevice) MapAsync(id BufferID, mode MapMode, fn func(error)) error {
	d.mu.Lock()
	if err := d.usable(); err != nil {
		d.mu.Unlock()
		return err
	}
	b, ok := d.buffers[id]
	if !ok || mode != MapRead || !b.desc.Usage.Has(UsageMapRead) {
		d.mu.Unlock()
		return fmt.Errorf("%w: buffer %d is not mappable for reading", ErrValidation, id)
	}
	if b.state != unmapped {
		d.mu.Unlock()
		return fmt.Errorf("%w: buffer %q is already mapped", ErrValidation, b.desc.Label)
	}
	b.state = mapPending
	b.mapSeq++
	seq := b.mapSeq
	d.begin()
	d.mu.Unlock()

	ok = d.post(func() {
		d.fence(func(lost bool) {
			fn(d.completeMap(b, seq, lost))
		})
	})
	if !ok {
		d.finish()
		return ErrDeviceLost
	}
	return nil
}

// completeMap maps b once its fence signalled; GL goroutine only
func (d *GLDevice) completeMap(b *glBuffer, seq uint64, lost bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	current := b.mapSeq == seq && b.state == mapPending
	if lost {
		if current {
			b.state = unmapped
		}
		return ErrDeviceLost
	}
	if !current {
		return ErrMapAborted
	}
	gl.BindBuffer(gl.COPY_READ_BUFFER, b.name)
	ptr := gl.MapBufferRange(gl.COPY_READ_BUFFER, 0, int(b.desc.Size), gl.MAP_READ_BIT)
	if ptr == nil {
		b.state = unmapped
		return fmt.Errorf("%w: glMapBufferRange returned nil for %q", ErrValidation, b.desc.Label)
	}
	b.mapped = unsafe.Slice((*byte)(ptr), int(b.desc.Size))
	b.state = mapped
	return nil
}

func (d *GLDevice) MappedRange(id BufferID) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return nil, ErrDeviceLost
	}
	b, ok := d.buffers[id]
	if !ok || b.state != mapped {
		return nil, fmt.Errorf("%w: buffer %d is not mapped", ErrValidation, id)
	}
	return b.mapped, nil
}

func (d *GLDevice) Unmap(id BufferID) error {
	d.mu.Lock()
	b, ok := d.buffers[id]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: unmap of unknown buffer %d", ErrValidation, id)
	}
	wasMapped := b.state == mapped
	b.state = unmapped
	b.mapped = nil
	d.mu.Unlock()

	if !wasMapped {
		return nil
	}
	return d.do(func() {
		gl.BindBuffer(gl.COPY_READ_BUFFER, b.name)
		gl.UnmapBuffer(gl.COPY_READ_BUFFER)
	})
}

func (d *GLDevice) Poll() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending == 0
}

func (d *GLDevice) Wait() error {
	err := d.do(func() {
		gl.Finish()
		d.retire(true)
	})
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.pending > 0 && !d.lost {
		d.cond.Wait()
	}
	if d.lost {
		return ErrDeviceLost
	}
	return nil
}

func (d *GLDevice) Release() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	close(d.quit)
	<-d.exited
}
