// Package mmio maps guest physical address ranges to device handlers.
package mmio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bobuhiro11/govmd/vlog"
)

var (
	// ErrNoSpace is returned when the registry cannot take another region.
	ErrNoSpace = errors.New("mmio region table full")

	// ErrInvalidRange is returned for an empty range or a missing handler.
	ErrInvalidRange = errors.New("invalid mmio region")
)

// Direction of an access.
type Direction int

const (
	Read Direction = iota
	Write
)

func (d Direction) String() string {
	switch d {
	case Read:
		return "read"
	case Write:
		return "write"
	}

	return fmt.Sprintf("Direction(%d)", int(d))
}

// Handler services an access to addr. Only the low 32 bits of *data carry
// a 32-bit register; a handler must leave the upper half alone on reads.
type Handler func(dir Direction, addr uint64, data *uint64) error

// Region is an inclusive [Start, End] range and its handler.
type Region struct {
	Start   uint64
	End     uint64
	Handler Handler
}

// Contains reports whether addr lies in r.
func (r Region) Contains(addr uint64) bool {
	return r.Start <= addr && addr <= r.End
}

// Registry is an ordered list of regions. Regions are never removed.
type Registry struct {
	mu         sync.RWMutex
	regions    []Region
	maxRegions int
}

// New returns an empty registry holding at most maxRegions regions.
// maxRegions <= 0 means no limit.
func New(maxRegions int) *Registry {
	return &Registry{maxRegions: maxRegions}
}

// Register appends the region [start, end].
func (r *Registry) Register(start, end uint64, h Handler) error {
	if start > end || h == nil {
		return fmt.Errorf("%w: [%#x - %#x]", ErrInvalidRange, start, end)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxRegions > 0 && len(r.regions) >= r.maxRegions {
		return fmt.Errorf("%w: %d regions", ErrNoSpace, len(r.regions))
	}

	r.regions = append(r.regions, Region{Start: start, End: end, Handler: h})

	vlog.Debugf("mmio: added handler for range [%#x - %#x]", start, end)

	return nil
}

// Dispatch returns the handler of the first registered region containing
// addr. Overlapping regions resolve to the one registered first.
func (r *Registry) Dispatch(addr uint64) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, region := range r.regions {
		if region.Contains(addr) {
			return region.Handler, true
		}
	}

	return nil, false
}

// Regions returns a copy of the registered regions in registration order.
func (r *Registry) Regions() []Region {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]Region(nil), r.regions...)
}
