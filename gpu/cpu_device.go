package gpu

import (
	"fmt"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

type mapState uint8

const (
	unmapped mapState = iota
	mapPending
	mapped
)

type cpuBuffer struct {
	desc   BufferDescriptor
	data   []byte
	state  mapState
	mapSeq uint64
}

type cpuPipeline struct {
	label  string
	kernel Kernel
	slots  []BindingLayout
}

type cpuBindGroup struct {
	pipeline PipelineID
	buffers  []BufferID
}

// cpuOp runs on the queue goroutine. lost is set once the device is gone,
// in which case the op must skip its work but still deliver callbacks.
type cpuOp func(lost bool) error

// CPUDevice implements Device on the host. Submissions run in order on a
// single queue goroutine; each dispatch fans its workgroups out over a
// bounded errgroup.
type CPUDevice struct {
	workers int

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []cpuOp
	busy      bool
	lost      bool
	closed    bool
	nextID    uint32
	buffers   map[BufferID]*cpuBuffer
	pipelines map[PipelineID]*cpuPipeline
	groups    map[BindGroupID]*cpuBindGroup
}

var _ Device = (*CPUDevice)(nil)

// NewCPUDevice creates a host device. workers <= 0 uses one worker per CPU.
func NewCPUDevice(workers int) *CPUDevice {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	d := &CPUDevice{
		workers:   workers,
		buffers:   make(map[BufferID]*cpuBuffer),
		pipelines: make(map[PipelineID]*cpuPipeline),
		groups:    make(map[BindGroupID]*cpuBindGroup),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.loop()
	slogger().Info("cpu device ready", "workers", workers)
	return d
}

func (d *CPUDevice) Name() string {
	return fmt.Sprintf("cpu (%d workers)", d.workers)
}

// Lose simulates the device being reset or removed. Pending map requests
// fail with ErrDeviceLost and every later call returns it.
func (d *CPUDevice) Lose() {
	d.mu.Lock()
	if !d.lost {
		d.lost = true
		slogger().Warn("cpu device lost")
	}
	d.cond.Broadcast()
	d.mu.Unlock()
}

// usable must be called with mu held
func (d *CPUDevice) usable() error {
	if d.lost || d.closed {
		return ErrDeviceLost
	}
	return nil
}

func (d *CPUDevice) id() uint32 {
	d.nextID++
	return d.nextID
}

func (d *CPUDevice) enqueue(op cpuOp) {
	d.queue = append(d.queue, op)
	d.cond.Broadcast()
}

func (d *CPUDevice) loop() {
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		op := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.busy = true
		lost := d.lost
		d.mu.Unlock()

		err := op(lost)

		d.mu.Lock()
		if err != nil && !d.lost {
			d.lost = true
			slogger().Error("cpu device lost", "error", err)
		}
		d.busy = false
		d.cond.Broadcast()
		d.mu.Unlock()
	}
}

func (d *CPUDevice) CreateBuffer(desc BufferDescriptor) (BufferID, error) {
	if desc.Size == 0 || desc.Size%4 != 0 {
		return 0, fmt.Errorf("%w: buffer %q size %d must be a non-zero multiple of 4", ErrValidation, desc.Label, desc.Size)
	}
	if desc.Usage.Has(UsageMapRead) && desc.Usage&^(UsageMapRead|UsageCopyDst) != 0 {
		return 0, fmt.Errorf("%w: buffer %q: map-read buffers may only be copy destinations", ErrValidation, desc.Label)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usable(); err != nil {
		return 0, err
	}
	id := BufferID(d.id())
	d.buffers[id] = &cpuBuffer{desc: desc, data: make([]byte, desc.Size)}
	return id, nil
}

func (d *CPUDevice) DestroyBuffer(id BufferID) {
	d.mu.Lock()
	delete(d.buffers, id)
	d.mu.Unlock()
}

func (d *CPUDevice) CreateComputePipeline(desc ComputePipelineDescriptor) (PipelineID, error) {
	k := desc.Kernel
	if err := k.validate(); err != nil {
		return 0, err
	}
	if k.Func == nil {
		return 0, fmt.Errorf("%w: kernel %s has no host implementation", ErrValidation, k.EntryPoint)
	}
	slots := append([]BindingLayout(nil), k.Bindings...)
	sort.Slice(slots, func(i, j int) bool { return slots[i].Binding < slots[j].Binding })

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usable(); err != nil {
		return 0, err
	}
	id := PipelineID(d.id())
	d.pipelines[id] = &cpuPipeline{label: desc.Label, kernel: k, slots: slots}
	return id, nil
}

func (d *CPUDevice) DestroyComputePipeline(id PipelineID) {
	d.mu.Lock()
	delete(d.pipelines, id)
	d.mu.Unlock()
}

func (d *CPUDevice) CreateBindGroup(pipeline PipelineID, entries []BindGroupEntry) (BindGroupID, error) {
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

	buffers := make([]BufferID, len(p.slots))
	for i, slot := range p.slots {
		found := false
		for _, e := range entries {
			if e.Binding != slot.Binding {
				continue
			}
			b, ok := d.buffers[e.Buffer]
			if !ok {
				return 0, fmt.Errorf("%w: binding %d: unknown buffer %d", ErrValidation, e.Binding, e.Buffer)
			}
			if !b.desc.Usage.Has(UsageStorage) {
				return 0, fmt.Errorf("%w: binding %d: buffer %q is not a storage buffer", ErrValidation, e.Binding, b.desc.Label)
			}
			buffers[i] = e.Buffer
			found = true
		}
		if !found {
			return 0, fmt.Errorf("%w: binding %d not provided", ErrValidation, slot.Binding)
		}
	}
	for i := range buffers {
		for j := i + 1; j < len(buffers); j++ {
			if buffers[i] == buffers[j] && (!p.slots[i].ReadOnly || !p.slots[j].ReadOnly) {
				return 0, fmt.Errorf("%w: buffer %d bound to writable slots %d and %d", ErrValidation, buffers[i], p.slots[i].Binding, p.slots[j].Binding)
			}
		}
	}

	id := BindGroupID(d.id())
	d.groups[id] = &cpuBindGroup{pipeline: pipeline, buffers: buffers}
	return id, nil
}

func (d *CPUDevice) DestroyBindGroup(id BindGroupID) {
	d.mu.Lock()
	delete(d.groups, id)
	d.mu.Unlock()
}

func (d *CPUDevice) WriteBuffer(id BufferID, offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usable(); err != nil {
		return err
	}
	b, ok := d.buffers[id]
	if !ok {
		return fmt.Errorf("%w: write to unknown buffer %d", ErrValidation, id)
	}
	if !b.desc.Usage.Has(UsageCopyDst) {
		return fmt.Errorf("%w: buffer %q is not a copy destination", ErrValidation, b.desc.Label)
	}
	if b.state != unmapped {
		return fmt.Errorf("%w: write to mapped buffer %q", ErrValidation, b.desc.Label)
	}
	size := uint64(len(data))
	if offset%4 != 0 || size%4 != 0 || offset+size > b.desc.Size {
		return fmt.Errorf("%w: write of %d bytes at %d into %q (%d bytes)", ErrValidation, size, offset, b.desc.Label, b.desc.Size)
	}

	owned := append([]byte(nil), data...)
	d.enqueue(func(lost bool) error {
		if !lost {
			copy(b.data[offset:], owned)
		}
		return nil
	})
	return nil
}

func (d *CPUDevice) Submit(cb *CommandBuffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usable(); err != nil {
		return err
	}

	steps := make([]func() error, 0, len(cb.commands))
	for _, c := range cb.commands {
		var (
			step func() error
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
			return fmt.Errorf("submit %q: %w", cb.Label, err)
		}
		steps = append(steps, step)
	}

	d.enqueue(func(lost bool) error {
		if lost {
			return nil
		}
		for _, step := range steps {
			if err := step(); err != nil {
				return err
			}
		}
		return nil
	})
	return nil
}

// prepareDispatch must be called with mu held
func (d *CPUDevice) prepareDispatch(c DispatchCommand) (func() error, error) {
	p, ok := d.pipelines[c.Pipeline]
	if !ok {
		return nil, fmt.Errorf("%w: unknown pipeline %d", ErrValidation, c.Pipeline)
	}
	g, ok := d.groups[c.BindGroup]
	if !ok {
		return nil, fmt.Errorf("%w: unknown bind group %d", ErrValidation, c.BindGroup)
	}
	if g.pipeline != c.Pipeline {
		return nil, fmt.Errorf("%w: bind group %d was made for pipeline %d", ErrValidation, c.BindGroup, g.pipeline)
	}
	if uint32(len(c.Constants)) < p.kernel.PushConstantSize {
		return nil, fmt.Errorf("%w: %s needs %d bytes of constants, got %d", ErrValidation, p.kernel.EntryPoint, p.kernel.PushConstantSize, len(c.Constants))
	}
	bindings := make([][]byte, len(g.buffers))
	for i, id := range g.buffers {
		b, ok := d.buffers[id]
		if !ok {
			return nil, fmt.Errorf("%w: bind group %d refers to destroyed buffer %d", ErrValidation, c.BindGroup, id)
		}
		if b.state != unmapped {
			return nil, fmt.Errorf("%w: buffer %q is mapped", ErrValidation, b.desc.Label)
		}
		bindings[i] = b.data
	}
	return func() error {
		return d.dispatch(p, c.Constants, bindings, c.Groups)
	}, nil
}

// prepareCopy must be called with mu held
func (d *CPUDevice) prepareCopy(c CopyCommand) (func() error, error) {
	src, ok := d.buffers[c.Src]
	if !ok {
		return nil, fmt.Errorf("%w: copy from unknown buffer %d", ErrValidation, c.Src)
	}
	dst, ok := d.buffers[c.Dst]
	if !ok {
		return nil, fmt.Errorf("%w: copy to unknown buffer %d", ErrValidation, c.Dst)
	}
	switch {
	case c.Src == c.Dst:
		return nil, fmt.Errorf("%w: copy within buffer %q", ErrValidation, src.desc.Label)
	case !src.desc.Usage.Has(UsageCopySrc):
		return nil, fmt.Errorf("%w: buffer %q is not a copy source", ErrValidation, src.desc.Label)
	case !dst.desc.Usage.Has(UsageCopyDst):
		return nil, fmt.Errorf("%w: buffer %q is not a copy destination", ErrValidation, dst.desc.Label)
	case src.state != unmapped || dst.state != unmapped:
		return nil, fmt.Errorf("%w: copy touches a mapped buffer", ErrValidation)
	case c.Size%4 != 0 || c.SrcOff+c.Size > src.desc.Size || c.DstOff+c.Size > dst.desc.Size:
		return nil, fmt.Errorf("%w: copy of %d bytes out of bounds", ErrValidation, c.Size)
	}
	return func() error {
		copy(dst.data[c.DstOff:c.DstOff+c.Size], src.data[c.SrcOff:c.SrcOff+c.Size])
		return nil
	}, nil
}

// dispatch runs every invocation of groups. Workgroups along X are spread
// over the workers; a panicking kernel loses the device.
func (d *CPUDevice) dispatch(p *cpuPipeline, constants []byte, bindings [][]byte, groups [3]uint32) error {
	wg := p.kernel.Workgroup
	fn := p.kernel.Func

	var g errgroup.Group
	g.SetLimit(d.workers)
	for gx := uint32(0); gx < groups[0]; gx++ {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("kernel %s panicked: %v", p.kernel.EntryPoint, r)
				}
			}()
			for gy := uint32(0); gy < groups[1]; gy++ {
				for gz := uint32(0); gz < groups[2]; gz++ {
					for lx := uint32(0); lx < wg[0]; lx++ {
						for ly := uint32(0); ly < wg[1]; ly++ {
							for lz := uint32(0); lz < wg[2]; lz++ {
								fn([3]uint32{gx*wg[0] + lx, gy*wg[1] + ly, gz*wg[2] + lz}, constants, bindings)
							}
						}
					}
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (d *CPUDevice) OnSubmittedWorkDone(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		go fn()
		return
	}
	d.enqueue(func(bool) error {
		fn()
		return nil
	})
}

func (d *CPUDevice) MapAsync(id BufferID, mode MapMode, fn func(error)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usable(); err != nil {
		return err
	}
	b, ok := d.buffers[id]
	if !ok {
		return fmt.Errorf("%w: map of unknown buffer %d", ErrValidation, id)
	}
	if mode != MapRead || !b.desc.Usage.Has(UsageMapRead) {
		return fmt.Errorf("%w: buffer %q is not mappable for reading", ErrValidation, b.desc.Label)
	}
	if b.state != unmapped {
		return fmt.Errorf("%w: buffer %q is already mapped", ErrValidation, b.desc.Label)
	}
	b.state = mapPending
	b.mapSeq++
	seq := b.mapSeq

	d.enqueue(func(lost bool) error {
		d.mu.Lock()
		var err error
		cur, ok := d.buffers[id]
		switch {
		case lost:
			err = ErrDeviceLost
			if ok && cur.mapSeq == seq && cur.state == mapPending {
				cur.state = unmapped
			}
		case !ok || cur != b || cur.mapSeq != seq || cur.state != mapPending:
			err = ErrMapAborted
		default:
			cur.state = mapped
		}
		d.mu.Unlock()
		fn(err)
		return nil
	})
	return nil
}

func (d *CPUDevice) MappedRange(id BufferID) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return nil, ErrDeviceLost
	}
	b, ok := d.buffers[id]
	if !ok || b.state != mapped {
		return nil, fmt.Errorf("%w: buffer %d is not mapped", ErrValidation, id)
	}
	return b.data, nil
}

// Unmap releases host access. Unmapping a pending request aborts it.
func (d *CPUDevice) Unmap(id BufferID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[id]
	if !ok {
		return fmt.Errorf("%w: unmap of unknown buffer %d", ErrValidation, id)
	}
	b.state = unmapped
	return nil
}

func (d *CPUDevice) Poll() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue) == 0 && !d.busy
}

func (d *CPUDevice) Wait() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.queue) > 0 || d.busy {
		d.cond.Wait()
	}
	if d.lost {
		return ErrDeviceLost
	}
	return nil
}

// Release stops the queue goroutine once queued work has drained.
func (d *CPUDevice) Release() {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
}
