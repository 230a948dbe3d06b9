package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/giantswarm/slotpool/internal/sentinel"
	"github.com/giantswarm/slotpool/internal/slotpool"
)

// ErrPoolClosed is returned when Acquire is called on a closed pool
// (e.g., during shutdown).
const ErrPoolClosed = sentinel.Error("pool is closed")

// practicalUnboundedCapacity is the fixed capacity substituted for the
// "unbounded" pool (maxSize == 0). The generic engine requires a positive
// fixed capacity — its registry is a flat array indexed by slot, not a
// growable list — and an unbounded number of concurrent SQLite connections
// was never really practical anyway. 4096 is far beyond what any realistic
// test suite will run concurrently.
const practicalUnboundedCapacity = 4096

// Pool manages a collection of Instance objects (SQLite-backed fixture
// databases) with on-demand creation and optional size bounding, built on
// top of a lock-light slotpool.Pool. When Acquire finds no usable Instance,
// it creates one via the factory — up to maxSize instances when bounded
// (maxSize > 0). When all instances in a bounded pool are in use, Acquire
// blocks until one is released or the context is canceled.
//
// It is safe for concurrent use by multiple goroutines.
type Pool struct {
	engine *slotpool.Pool[*Instance]
	alloc  *instanceAllocator

	// leases correlates a live *Instance back to the slotpool.Lease backing
	// it, so Release/ReleaseFailed — which only receive the Instance and a
	// generation token, matching the pre-existing Instance.Release contract
	// — can find the right slot to hand back. This bridging lookup runs
	// once per acquire/release pair; it is not on the lock-light hot path
	// that slotpool itself implements.
	leases sync.Map // map[*Instance]*slotpool.Lease[*Instance]
}

// InstanceFactory creates an Instance for the given pool index. The factory
// encapsulates all instance construction details (ID generation, directory
// layout, releaser wiring, configuration), keeping Pool decoupled from
// instance creation concerns.
type InstanceFactory func(index int) (*Instance, error)

// instanceAllocator adapts an InstanceFactory and Instance lifecycle to the
// slotpool.Allocator contract. Unlike a typical Allocator, Instance does not
// invoke the release callback itself — its release is already driven
// externally through Manager and the token-based Instance.Release — so
// Create ignores the callback it is handed.
type instanceAllocator struct {
	factory InstanceFactory
	nextIdx atomic.Int64

	mu  sync.Mutex
	all []*Instance
}

func (a *instanceAllocator) Create(_ func()) (*Instance, error) {
	idx := int(a.nextIdx.Add(1)) - 1

	inst, err := a.factory(idx)
	if err != nil {
		return nil, fmt.Errorf("creating instance: %w", err)
	}

	a.mu.Lock()
	a.all = append(a.all, inst)
	a.mu.Unlock()

	return inst, nil
}

func (a *instanceAllocator) OnAcquire(*Instance) {}

// OnDispose closes the instance's fixture database connection for good. Stop
// is idempotent, so this is safe even if the instance was already stopped by
// a caller (for example, via ReleaseRestart's own restart cycle, which does
// not dispose).
func (a *instanceAllocator) OnDispose(inst *Instance) {
	ctx, cancel := context.WithTimeout(context.Background(), inst.cfg.StopTimeout)
	defer cancel()
	if err := inst.Stop(ctx); err != nil { //nolint:contextcheck // cleanup must use background context; caller's context is unrelated
		Logger().Warn("failed to stop disposed instance", "id", inst.ID(), "error", err)
	}
}

func (a *instanceAllocator) instances() []*Instance {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := make([]*Instance, len(a.all))
	copy(cp, a.all)
	return cp
}

// instanceValidator keeps an Instance eligible for reuse as long as it has
// not recorded a fatal error. A stopped-but-healthy instance (the normal
// outcome of ReleaseRestart) is still valid: Manager's Acquire path already
// lazily restarts an unstarted instance before handing it to a caller.
type instanceValidator struct{}

func (instanceValidator) IsValid(inst *Instance, _ int64) bool {
	return inst != nil && inst.Err() == nil
}

// NewPool creates a Pool that creates instances on demand using the given factory.
// maxSize bounds the pool: 0 means no configured limit (capped internally at
// practicalUnboundedCapacity), >0 caps the number of instances.
// Panics if factory is nil or maxSize < 0.
func NewPool(factory InstanceFactory, maxSize int) *Pool {
	if factory == nil {
		panic("slotpool: NewPool factory must not be nil")
	}
	if maxSize < 0 {
		panic(fmt.Sprintf("slotpool: NewPool maxSize must not be negative, got %d", maxSize))
	}

	capacity := maxSize
	if capacity == 0 {
		capacity = practicalUnboundedCapacity
	}

	alloc := &instanceAllocator{factory: factory}
	engine := slotpool.NewPool[*Instance](capacity, alloc, instanceValidator{}, slotpool.SystemClock{})

	return &Pool{engine: engine, alloc: alloc}
}

// Instances returns a copy of the slice of all instances ever created by this Pool.
func (p *Pool) Instances() []*Instance {
	return p.alloc.instances()
}

// Acquire returns a free Instance or creates a new one on demand. Returns
// ErrPoolClosed if the pool has been closed (e.g., during shutdown).
//
// When the pool is bounded and all instances are in use, Acquire blocks
// until an instance is released, the pool is closed, or the context is
// canceled.
func (p *Pool) Acquire(ctx context.Context) (*Instance, uint64, error) {
	timeout := time.Hour // no caller-imposed deadline; ctx cancellation still applies
	if d, ok := ctx.Deadline(); ok {
		timeout = time.Until(d)
	}

	lease, err := p.engine.Acquire(ctx, timeout, nil)
	if err != nil {
		if errors.Is(err, slotpool.ErrPoolClosed) {
			return nil, 0, ErrPoolClosed
		}
		if errors.Is(err, slotpool.ErrTimeout) {
			return nil, 0, fmt.Errorf("context done while waiting for instance: %w", ctx.Err())
		}
		return nil, 0, fmt.Errorf("context done while waiting for instance: %w", err)
	}

	inst := lease.Value()
	p.leases.Store(inst, lease)
	token := inst.markAcquired()
	return inst, token, nil
}

// Release puts an Instance back into circulation for reuse. The token must
// match the generation value returned by Acquire; if the token is stale
// (instance was re-acquired), Release panics (double-release).
//
// If the pool has been closed (e.g., during shutdown), the instance is
// stopped instead of being returned for reuse.
func (p *Pool) Release(i *Instance, token uint64) {
	if !i.tryRelease(token) {
		panic("slotpool: double-release of instance " + i.ID())
	}
	p.takeLease(i).Release()
}

// ReleaseFailed marks an Instance as permanently failed. The instance is
// stopped but remains in the all slice for Shutdown cleanup.
// The token must match the generation value returned by Acquire; if the token
// is stale (instance was re-acquired), ReleaseFailed panics (double-release).
func (p *Pool) ReleaseFailed(i *Instance, token uint64) {
	if !i.tryRelease(token) {
		panic("slotpool: double-release of instance " + i.ID())
	}
	p.takeLease(i).Dispose()
}

func (p *Pool) takeLease(i *Instance) *slotpool.Lease[*Instance] {
	v, ok := p.leases.LoadAndDelete(i)
	if !ok {
		panic("slotpool: release of instance " + i.ID() + " with no matching lease")
	}
	return v.(*slotpool.Lease[*Instance]) //nolint:forcetypeassert // leases only ever stores this type
}

// Close marks the pool as closed. Subsequent Acquire calls return
// ErrPoolClosed, and instances held at the time of Close are stopped as
// they are released instead of returning to circulation. Safe to call
// multiple times (idempotent).
func (p *Pool) Close() {
	_ = p.engine.Close()
}
