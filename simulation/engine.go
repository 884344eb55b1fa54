package simulation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"kosmostile/core"
	"kosmostile/gpu"
)

// DefaultMaxInFlight bounds the ticks submitted but not yet completed
const DefaultMaxInFlight = 8

// TickEngine advances the grid on the device. Each Tick reads one
// generation and writes the other; the frame counter's parity picks which.
type TickEngine struct {
	session *DeviceSession
	log     *slog.Logger

	// frame is only written with submitMu held; it counts ticks the device
	// accepted, so a failed submit does not flip the generations
	frame atomic.Uint64
	// submitMu keeps frame numbers and queue order in step
	submitMu sync.Mutex

	inFlight *semaphore.Weighted
	pending  atomic.Int64

	staging     gpu.BufferID
	stagingSlot *semaphore.Weighted
}

// NewTickEngine wraps session and allocates the staging buffer used by
// Download. maxInFlight <= 0 selects DefaultMaxInFlight.
func NewTickEngine(session *DeviceSession, maxInFlight int, log *slog.Logger) (*TickEngine, error) {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	if log == nil {
		log = slogger()
	}
	staging, err := session.device.CreateBuffer(gpu.BufferDescriptor{
		Label: "tile staging",
		Size:  session.size,
		Usage: gpu.UsageMapRead | gpu.UsageCopyDst,
	})
	if err != nil {
		return nil, &InitError{Stage: "staging buffer", Err: err}
	}
	return &TickEngine{
		session:     session,
		log:         log,
		inFlight:    semaphore.NewWeighted(int64(maxInFlight)),
		staging:     staging,
		stagingSlot: semaphore.NewWeighted(1),
	}, nil
}

func (e *TickEngine) Session() *DeviceSession { return e.session }

// Frame returns the number of ticks dispatched so far, which is also the
// frame number the next tick will carry.
func (e *TickEngine) Frame() uint64 {
	return e.frame.Load()
}

// InFlight returns the number of ticks the device has not finished yet
func (e *TickEngine) InFlight() int {
	return int(e.pending.Load())
}

// Tick submits one update of the whole grid. It returns once the work is
// queued; it only blocks when the in-flight bound is reached.
func (e *TickEngine) Tick(ctx context.Context) error {
	if err := e.inFlight.Acquire(ctx, 1); err != nil {
		return err
	}

	s := e.session
	e.submitMu.Lock()
	frame := e.frame.Load()
	role := RoleFor(frame)
	constants := core.NewTickConstants(s.dims, frame)

	enc := gpu.NewCommandEncoder("tile tick")
	pass := enc.BeginComputePass()
	pass.SetPipeline(s.pipeline)
	pass.SetPushConstants(0, constants.Bytes())
	pass.SetBindGroup(0, s.BindGroup(role))
	pass.DispatchWorkgroups(s.dispatch[0], s.dispatch[1], s.dispatch[2])
	pass.End()
	err := s.device.Submit(enc.Finish())
	if err == nil {
		e.frame.Store(frame + 1)
		e.pending.Add(1)
		s.device.OnSubmittedWorkDone(func() {
			e.pending.Add(-1)
			e.inFlight.Release(1)
		})
	}
	e.submitMu.Unlock()

	if err != nil {
		e.inFlight.Release(1)
		return fmt.Errorf("tick %d: %w", frame, err)
	}
	e.log.Debug("tick submitted", "frame", frame, "role", role.String(), "axis", constants.Axis())
	return nil
}

// Poll reports whether the device has finished all queued work
func (e *TickEngine) Poll() bool {
	return e.session.device.Poll()
}

// Wait blocks until the device has finished all queued work
func (e *TickEngine) Wait() error {
	return e.session.device.Wait()
}

// Release frees the staging buffer. The session is released by its owner.
func (e *TickEngine) Release() {
	if e.staging != 0 {
		e.session.device.DestroyBuffer(e.staging)
		e.staging = 0
	}
}
