// Package guestmem owns the guest physical memory layout: RAM regions with
// anonymous, file, or hugepage backing, and the translation from guest
// physical addresses to host-accessible byte ranges. All other components
// resolve guest addresses through an AddressSpace.
package guestmem

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"unsafe"
)

// Backing selects how a region's host memory is obtained.
type Backing int

const (
	// BackingAnonymous is a plain private anonymous mapping.
	BackingAnonymous Backing = iota
	// BackingHugepage requests huge pages for the mapping (MAP_HUGETLB or a
	// hugetlbfs-backed file when a path is given).
	BackingHugepage
	// BackingFile maps guest RAM from a file (mem-path).
	BackingFile
)

func (b Backing) String() string {
	switch b {
	case BackingAnonymous:
		return "anonymous"
	case BackingHugepage:
		return "hugepage"
	case BackingFile:
		return "file"
	}
	return fmt.Sprintf("backing(%d)", int(b))
}

// BackingConfig describes the host storage for one region. Hugepage backing
// is a flag on the common path, not a separate code path: translation is
// uniform regardless of backing.
type BackingConfig struct {
	Kind Backing

	// Path is the mem-path for file and hugetlbfs backing. Ignored for
	// anonymous backing.
	Path string

	// Prealloc populates the mapping up front (MAP_POPULATE).
	Prealloc bool

	// Share makes the mapping shared rather than private, so external
	// processes (e.g. a vhost-user backend) can see guest RAM.
	Share bool
}

// OverlapError is returned by Add when the requested range intersects an
// existing region.
type OverlapError struct {
	Base, Size                 uint64
	ExistingBase, ExistingSize uint64
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("guestmem: region [0x%x, 0x%x) overlaps existing region [0x%x, 0x%x)",
		e.Base, e.Base+e.Size, e.ExistingBase, e.ExistingBase+e.ExistingSize)
}

// OutOfBoundsError is returned by Translate when a request is not fully
// contained in a single region. A request spanning a region boundary fails
// rather than silently truncating.
type OutOfBoundsError struct {
	Addr   uint64
	Length int
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("guestmem: address range [0x%x, 0x%x) is not mapped", e.Addr, e.Addr+uint64(e.Length))
}

// Region is a named, owned mapping of one guest physical range onto host
// memory. Regions are created and destroyed only through an AddressSpace.
type Region struct {
	Name      string
	GuestBase uint64
	Size      uint64
	Backing   BackingConfig

	hostMem []byte
	mapping *hostMapping
}

// End returns the first guest address after the region.
func (r *Region) End() uint64 { return r.GuestBase + r.Size }

// HostAddr returns the host virtual address of the region's first byte. The
// passthrough bridge hands this to the IOMMU for DMA mapping. Zero once the
// region has been removed.
func (r *Region) HostAddr() uintptr {
	if len(r.hostMem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&r.hostMem[0]))
}

func (r *Region) contains(addr uint64, length int) bool {
	if addr < r.GuestBase {
		return false
	}
	return addr+uint64(length) <= r.End()
}

// UpdateListener observes structural changes to the region set. The
// passthrough bridge registers one to keep its DMA mappings current.
type UpdateListener interface {
	RegionAdded(r *Region) error
	RegionRemoved(r *Region)
}

// AddressSpace is the guest physical memory map. Translation is read-mostly:
// many device backends translate concurrently while structural mutation
// (Add/Remove) takes the write lock. Byte-level access through translated
// views is deliberately unsynchronized, matching guest-visible memory
// semantics.
type AddressSpace struct {
	mu        sync.RWMutex
	regions   []*Region // sorted by GuestBase, non-overlapping
	listeners []UpdateListener
}

// New creates an empty address space.
func New() *AddressSpace {
	return &AddressSpace{}
}

// Add maps a new region. The range must not overlap any existing region and
// the size must be a multiple of the host page size for the chosen backing.
func (as *AddressSpace) Add(name string, base, size uint64, backing BackingConfig) (*Region, error) {
	if size == 0 {
		return nil, fmt.Errorf("guestmem: cannot add zero-size region %q", name)
	}
	if base+size < base {
		return nil, fmt.Errorf("guestmem: region %q wraps the address space", name)
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	for _, r := range as.regions {
		if base < r.End() && base+size > r.GuestBase {
			return nil, &OverlapError{
				Base: base, Size: size,
				ExistingBase: r.GuestBase, ExistingSize: r.Size,
			}
		}
	}

	mapping, mem, err := mapHostMemory(size, backing)
	if err != nil {
		return nil, fmt.Errorf("guestmem: map region %q: %w", name, err)
	}

	region := &Region{
		Name:      name,
		GuestBase: base,
		Size:      size,
		Backing:   backing,
		hostMem:   mem,
		mapping:   mapping,
	}

	as.regions = append(as.regions, region)
	sort.Slice(as.regions, func(i, j int) bool {
		return as.regions[i].GuestBase < as.regions[j].GuestBase
	})

	for _, l := range as.listeners {
		if err := l.RegionAdded(region); err != nil {
			as.removeLocked(region)
			return nil, fmt.Errorf("guestmem: region %q rejected by listener: %w", name, err)
		}
	}

	return region, nil
}

// Remove unmaps a region. In-flight translations hold views into the old
// mapping; callers sequence Remove against device quiesce, the lock only
// guarantees the region table itself does not race.
func (as *AddressSpace) Remove(region *Region) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	for _, r := range as.regions {
		if r == region {
			as.removeLocked(region)
			return nil
		}
	}
	return fmt.Errorf("guestmem: remove of unknown region %q", region.Name)
}

func (as *AddressSpace) removeLocked(region *Region) {
	out := as.regions[:0]
	for _, r := range as.regions {
		if r != region {
			out = append(out, r)
		}
	}
	as.regions = out

	for _, l := range as.listeners {
		l.RegionRemoved(region)
	}

	region.hostMem = nil
	unmapHostMemory(region.mapping)
	region.mapping = nil
}

// RegisterListener subscribes to region add/remove events. Existing regions
// are replayed to the listener immediately.
func (as *AddressSpace) RegisterListener(l UpdateListener) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	for _, r := range as.regions {
		if err := l.RegionAdded(r); err != nil {
			return fmt.Errorf("guestmem: listener rejected existing region %q: %w", r.Name, err)
		}
	}
	as.listeners = append(as.listeners, l)
	return nil
}

// Translate resolves a guest physical range to a bounds-checked host view.
// The view is valid until the owning region is removed.
func (as *AddressSpace) Translate(addr uint64, length int) ([]byte, error) {
	if length < 0 {
		return nil, fmt.Errorf("guestmem: negative translate length %d", length)
	}

	as.mu.RLock()
	defer as.mu.RUnlock()

	r := as.findLocked(addr)
	if r == nil || !r.contains(addr, length) {
		return nil, &OutOfBoundsError{Addr: addr, Length: length}
	}
	off := addr - r.GuestBase
	return r.hostMem[off : off+uint64(length) : off+uint64(length)], nil
}

// findLocked returns the region containing addr, or nil.
func (as *AddressSpace) findLocked(addr uint64) *Region {
	i := sort.Search(len(as.regions), func(i int) bool {
		return as.regions[i].End() > addr
	})
	if i < len(as.regions) && as.regions[i].GuestBase <= addr {
		return as.regions[i]
	}
	return nil
}

// Regions returns a snapshot of the current region set in address order.
func (as *AddressSpace) Regions() []*Region {
	as.mu.RLock()
	defer as.mu.RUnlock()

	out := make([]*Region, len(as.regions))
	copy(out, as.regions)
	return out
}

// ReadAt implements io.ReaderAt over the whole guest address space. Offsets
// are guest physical addresses. Reads that are not fully mapped fail.
func (as *AddressSpace) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("guestmem: negative read offset %d", off)
	}
	view, err := as.Translate(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, view), nil
}

// WriteAt implements io.WriterAt over the whole guest address space.
func (as *AddressSpace) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("guestmem: negative write offset %d", off)
	}
	view, err := as.Translate(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(view, p), nil
}

// Reclaim marks the given guest range reclaimable on the host (balloon
// inflate). Only the named range is touched. The range must be mapped.
func (as *AddressSpace) Reclaim(addr, length uint64) error {
	return as.advise(addr, length, adviseReclaim)
}

// Restore makes a previously reclaimed range usable again (balloon deflate).
func (as *AddressSpace) Restore(addr, length uint64) error {
	return as.advise(addr, length, adviseRestore)
}

func (as *AddressSpace) advise(addr, length uint64, kind adviseKind) error {
	as.mu.RLock()
	defer as.mu.RUnlock()

	r := as.findLocked(addr)
	if r == nil || !r.contains(addr, int(length)) {
		return &OutOfBoundsError{Addr: addr, Length: int(length)}
	}
	off := addr - r.GuestBase
	return adviseHostMemory(r.mapping, off, length, kind)
}

// Close unmaps all regions, in reverse address order.
func (as *AddressSpace) Close() error {
	as.mu.Lock()
	defer as.mu.Unlock()

	for i := len(as.regions) - 1; i >= 0; i-- {
		r := as.regions[i]
		for _, l := range as.listeners {
			l.RegionRemoved(r)
		}
		r.hostMem = nil
		unmapHostMemory(r.mapping)
		r.mapping = nil
	}
	as.regions = nil
	return nil
}

var _ io.ReaderAt = (*AddressSpace)(nil)
var _ io.WriterAt = (*AddressSpace)(nil)
