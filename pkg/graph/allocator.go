package graph

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Allocator defaults.
const (
	DefaultBlockSize   int64 = 1000
	DefaultSanityFloor int64 = 3000
)

// IDAllocator issues node ids from the LastID counter stored on the root
// context (core namespace).
//
// A counter below the sanity floor is treated as uninitialized or corrupt
// the first time it is read, and recomputed from the largest id in the
// store. The recomputed value never moves the counter backwards.
//
// Like the Graph it wraps, an IDAllocator is confined to the worker.
type IDAllocator struct {
	g         *Graph
	floor     int64
	blockSize int64
	recovered bool
}

// NewIDAllocator creates an allocator over g's root. Non-positive floor and
// blockSize fall back to the defaults.
func NewIDAllocator(g *Graph, floor, blockSize int64) *IDAllocator {
	if floor <= 0 {
		floor = DefaultSanityFloor
	}
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &IDAllocator{g: g, floor: floor, blockSize: blockSize}
}

// LastID returns the current counter, running the one-time recovery when it
// is below the floor.
func (a *IDAllocator) LastID(ctx context.Context) (int64, error) {
	root, ok := a.g.Root()
	if !ok {
		return 0, fmt.Errorf("%w: root context %d", ErrNotFound, a.g.rootID)
	}
	last, _ := root.Attributes.Int(CoreNamespace, AttrLastID)
	if last >= a.floor || a.recovered {
		return last, nil
	}

	maxID, err := a.g.store.MaxNodeID(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover id counter: %w", err)
	}
	recovered := max(last, maxID+1)
	if recovered != last {
		if err := a.persist(ctx, recovered); err != nil {
			return 0, err
		}
	}
	a.recovered = true
	a.g.log.Warn("id counter below sanity floor, recomputed from store",
		zap.Int64("previous", last),
		zap.Int64("max_node_id", maxID),
		zap.Int64("last_id", recovered))
	return recovered, nil
}

// NextID reserves and returns a single id.
func (a *IDAllocator) NextID(ctx context.Context) (int64, error) {
	last, err := a.LastID(ctx)
	if err != nil {
		return 0, err
	}
	next := last + 1
	if err := a.persist(ctx, next); err != nil {
		return 0, err
	}
	return next, nil
}

// Block reserves the half-open range [begin, end) with end = begin + size.
// A non-positive size uses the configured block size. The counter is left
// at end, so later ids are all >= end.
func (a *IDAllocator) Block(ctx context.Context, size int64) (begin, end int64, err error) {
	if size <= 0 {
		size = a.blockSize
	}
	last, err := a.LastID(ctx)
	if err != nil {
		return 0, 0, err
	}
	begin = last + 1
	end = begin + size
	if err := a.persist(ctx, end); err != nil {
		return 0, 0, err
	}
	return begin, end, nil
}

func (a *IDAllocator) persist(ctx context.Context, last int64) error {
	err := a.g.UpdateContext(ctx, a.g.rootID, Attributes{
		CoreNamespace: {AttrLastID: Int(last)},
	})
	if err != nil {
		return fmt.Errorf("persist id counter: %w", err)
	}
	return nil
}
