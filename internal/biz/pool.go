package biz

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-kratos/kratos/v2/log"
)

// ErrPoolEmpty is returned when a pool holds no resources. The caller
// decides whether to wait, skip the cycle or escalate; the pool never
// blocks on emptiness.
var ErrPoolEmpty = errors.New("resource pool is empty")

// Resource is an opaque pooled entry: a portal credential or an egress
// proxy descriptor. The pool owns the authoritative list; workers only hold
// a transient reference for the duration of one cycle.
type Resource struct {
	ID    string            `json:"id"`
	Kind  string            `json:"kind"`
	Label string            `json:"label"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

// partitionCursor tracks one partition's rotation through the pool.
type partitionCursor struct {
	next int
	last int
	used bool
}

// ResourcePool is a round-robin allocator with an independent rotation
// cursor per partition key. A partition seen for the first time starts at
// offset (partitions already seen) mod (pool size), so N partitions
// fetching concurrently each round receive N distinct resources instead of
// colliding on the same one.
type ResourcePool struct {
	name string

	mu        sync.Mutex
	resources []Resource
	cursors   map[string]*partitionCursor
	seen      int

	logger *log.Helper
}

// PoolStats is a point-in-time snapshot for the observability layer.
type PoolStats struct {
	Name       string `json:"name"`
	Size       int    `json:"size"`
	Partitions int    `json:"partitions"`
}

// NewResourcePool creates an empty pool.
func NewResourcePool(name string, logger log.Logger) *ResourcePool {
	return &ResourcePool{
		name:    name,
		cursors: make(map[string]*partitionCursor),
		logger:  log.NewHelper(logger),
	}
}

// GetNext returns the partition's next resource and advances its cursor,
// wrapping at the resource count.
func (p *ResourcePool) GetNext(partitionKey string) (Resource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.resources) == 0 {
		return Resource{}, fmt.Errorf("pool %s: %w", p.name, ErrPoolEmpty)
	}

	cursor, ok := p.cursors[partitionKey]
	if !ok {
		// First access: stagger this partition's starting offset so
		// partitions interleave instead of colliding.
		cursor = &partitionCursor{next: p.seen % len(p.resources)}
		p.cursors[partitionKey] = cursor
		p.seen++
	}

	idx := cursor.next % len(p.resources)
	cursor.last = idx
	cursor.used = true
	cursor.next = (idx + 1) % len(p.resources)

	return p.resources[idx], nil
}

// GetCurrent peeks at the resource last handed to the partition without
// advancing its cursor.
func (p *ResourcePool) GetCurrent(partitionKey string) (Resource, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cursor, ok := p.cursors[partitionKey]
	if !ok || !cursor.used || cursor.last >= len(p.resources) {
		return Resource{}, false
	}
	return p.resources[cursor.last], true
}

// UpdateResources atomically replaces the resource list and resets all
// cursors. In-flight GetNext calls observe either the full old list or the
// full new list, never a mix.
func (p *ResourcePool) UpdateResources(resources []Resource) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.resources = append([]Resource(nil), resources...)
	p.cursors = make(map[string]*partitionCursor)
	p.seen = 0

	p.logger.Debugw("msg", "pool resources replaced",
		"pool", p.name,
		"size", len(p.resources))
}

// AddResource appends one resource to the pool.
func (p *ResourcePool) AddResource(r Resource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resources = append(p.resources, r)
}

// RemoveResource removes the resource with the given ID. Cursors pointing
// past the shortened list wrap naturally on the next GetNext.
func (p *ResourcePool) RemoveResource(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, r := range p.resources {
		if r.ID == id {
			p.resources = append(p.resources[:i], p.resources[i+1:]...)
			return true
		}
	}
	return false
}

// Size returns the current resource count.
func (p *ResourcePool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.resources)
}

// Stats returns a snapshot of pool occupancy.
func (p *ResourcePool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Name:       p.name,
		Size:       len(p.resources),
		Partitions: len(p.cursors),
	}
}
