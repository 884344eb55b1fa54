package simulation

import (
	"context"
	"fmt"

	"kosmostile/core"
	"kosmostile/gpu"
)

// currentGeneration holds the latest state at frame: the generation the
// previous tick wrote and the next tick reads.
func currentGeneration(frame uint64) int {
	return RoleFor(frame).Source()
}

// Upload replaces the current generation with cells. The write is queued
// behind every tick submitted before it.
func (e *TickEngine) Upload(cells []core.Tile) error {
	if want := e.session.dims.Len(); len(cells) != want {
		return &TransferError{Op: "upload", Err: fmt.Errorf("%w: got %d cells, want %d", ErrLengthMismatch, len(cells), want)}
	}
	data := core.EncodeTiles(cells)

	e.submitMu.Lock()
	defer e.submitMu.Unlock()
	gen := currentGeneration(e.frame.Load())
	if err := e.session.device.WriteBuffer(e.session.Buffer(gen), 0, data); err != nil {
		return &TransferError{Op: "upload", Err: err}
	}
	return nil
}

// Download copies the current generation back to the host once every tick
// submitted before the call has finished.
//
// Only one download uses the staging buffer at a time; others wait for it.
// If ctx ends while the mapping is pending, Download returns ctx.Err() and
// the staging buffer is unmapped and freed in the background.
func (e *TickEngine) Download(ctx context.Context) ([]core.Tile, error) {
	mapped, err := e.beginDownload(ctx)
	if err != nil {
		return nil, err
	}
	return e.finishDownload(ctx, mapped)
}

// DownloadResult is delivered by DownloadAsync
type DownloadResult struct {
	Tiles []core.Tile
	Err   error
}

// DownloadAsync queues the copy before returning, so it observes exactly
// the ticks submitted before the call, and completes on its own goroutine.
func (e *TickEngine) DownloadAsync(ctx context.Context) <-chan DownloadResult {
	out := make(chan DownloadResult, 1)
	mapped, err := e.beginDownload(ctx)
	if err != nil {
		out <- DownloadResult{Err: err}
		return out
	}
	go func() {
		tiles, err := e.finishDownload(ctx, mapped)
		out <- DownloadResult{Tiles: tiles, Err: err}
	}()
	return out
}

// beginDownload takes the staging slot, queues the copy and requests the
// mapping. On success the slot is owned by finishDownload.
func (e *TickEngine) beginDownload(ctx context.Context) (<-chan error, error) {
	if err := e.stagingSlot.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	dev := e.session.device
	e.submitMu.Lock()
	gen := currentGeneration(e.frame.Load())
	enc := gpu.NewCommandEncoder("tile download")
	enc.CopyBufferToBuffer(e.session.Buffer(gen), 0, e.staging, 0, e.session.size)
	err := dev.Submit(enc.Finish())
	e.submitMu.Unlock()
	if err != nil {
		e.stagingSlot.Release(1)
		return nil, &TransferError{Op: "download", Err: err}
	}

	mapped := make(chan error, 1)
	if err := dev.MapAsync(e.staging, gpu.MapRead, func(err error) { mapped <- err }); err != nil {
		e.stagingSlot.Release(1)
		return nil, &TransferError{Op: "map staging", Err: err}
	}
	return mapped, nil
}

func (e *TickEngine) finishDownload(ctx context.Context, mapped <-chan error) ([]core.Tile, error) {
	select {
	case err := <-mapped:
		if err != nil {
			e.stagingSlot.Release(1)
			return nil, &TransferError{Op: "map staging", Err: err}
		}
	case <-ctx.Done():
		go e.abandonDownload(mapped)
		return nil, ctx.Err()
	}
	defer e.stagingSlot.Release(1)

	dev := e.session.device
	data, err := dev.MappedRange(e.staging)
	if err != nil {
		dev.Unmap(e.staging)
		return nil, &TransferError{Op: "download", Err: err}
	}
	tiles, decodeErr := core.DecodeTiles(data)
	if err := dev.Unmap(e.staging); err != nil && decodeErr == nil {
		return nil, &TransferError{Op: "unmap staging", Err: err}
	}
	if decodeErr != nil {
		return nil, &TransferError{Op: "download", Err: decodeErr}
	}
	return tiles, nil
}

// abandonDownload waits out a mapping whose caller went away
func (e *TickEngine) abandonDownload(mapped <-chan error) {
	defer e.stagingSlot.Release(1)
	if err := <-mapped; err != nil {
		e.log.Debug("abandoned download did not map", "error", err)
		return
	}
	if err := e.session.device.Unmap(e.staging); err != nil {
		e.log.Warn("unmap after cancelled download", "error", err)
	}
	e.log.Debug("staging buffer released after cancelled download")
}
