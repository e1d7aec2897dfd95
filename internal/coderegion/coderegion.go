// Package coderegion manages the single large executable memory
// mapping compiled methods are installed into. Generated code is
// never relocated once installed: recompilation installs a new
// implementation at a new address and leaves the old one in place
// (old frames may still return into it), and in-place patches
// (inline caches, skippable exits) go through an exclusive
// ModificationLease instead.
package coderegion

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/wudi/jvmjit/internal/classmodel"
	"golang.org/x/sys/unix"
)

// DefaultSize is the default reservation: ~1GB, reserved up front and
// never grown, matching spec.md §5's "one large anonymous mapping"
// design so every installed address stays valid for the process
// lifetime.
const DefaultSize = 1 << 30

// Region is one reserved RWX mapping plus the bookkeeping needed to
// hand out stable addresses and patch them safely later.
type Region struct {
	mu sync.RWMutex

	base []byte // the mmap'd slice; len == capacity, never reallocated
	next int    // first unused byte offset

	ranges map[classmodel.MethodImplementationID]byteRange
	leased bool // true while a ModificationLease is outstanding
}

type byteRange struct {
	start, end int
}

// New reserves a fresh executable region of the given size (rounded
// up to a page by the kernel). Memory is committed as mapped but
// conceptually "reserved, not committed": nothing outside [0, next)
// has meaningful content.
func New(size int) (*Region, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("coderegion: mmap %d bytes: %w", size, err)
	}
	return &Region{
		base:   mem,
		ranges: make(map[classmodel.MethodImplementationID]byteRange),
	}, nil
}

// Close unmaps the region. Any address previously returned by Install
// is invalid afterward; callers must guarantee no thread is executing
// in the region.
func (r *Region) Close() error {
	return unix.Munmap(r.base)
}

// Install copies code into the region under the caller-chosen
// implementation ID and returns its base address. Copying happens under the
// region's write lock so Install never races a concurrent Patch.
func (r *Region) Install(id classmodel.MethodImplementationID, code []byte) (uintptr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.next+len(code) > len(r.base) {
		return 0, fmt.Errorf("coderegion: out of space: need %d, have %d free", len(code), len(r.base)-r.next)
	}
	start := r.next
	copy(r.base[start:], code)
	r.next += len(code)
	r.ranges[id] = byteRange{start: start, end: r.next}
	return r.addressOf(start), nil
}

// AddressOf returns the installed base address for an implementation,
// or false if it was never installed here.
func (r *Region) AddressOf(id classmodel.MethodImplementationID) (uintptr, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rng, ok := r.ranges[id]
	if !ok {
		return 0, false
	}
	return r.addressOf(rng.start), true
}

func (r *Region) addressOf(offset int) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(r.base))) + uintptr(offset)
}

// ModificationLease grants exclusive permission to overwrite bytes
// already installed in a Region: inline-cache patches and
// skippable-exit self-overwrites both go through one of these so a
// concurrent Install can never observe a torn write.
type ModificationLease struct {
	region *Region
}

// Lease acquires exclusive write access to the region. Only one
// lease may be outstanding at a time; a second concurrent call to
// Lease blocks until the first is Released.
func (r *Region) Lease() *ModificationLease {
	r.mu.Lock()
	r.leased = true
	return &ModificationLease{region: r}
}

// Patch overwrites len(code) bytes starting at the given
// implementation's installed offset plus byteOffset. The caller is
// responsible for ensuring the new bytes preserve instruction
// boundaries; coderegion does not disassemble to check.
func (l *ModificationLease) Patch(id classmodel.MethodImplementationID, byteOffset int, code []byte) error {
	rng, ok := l.region.ranges[id]
	if !ok {
		return fmt.Errorf("coderegion: patch target %s not installed", id)
	}
	pos := rng.start + byteOffset
	if pos+len(code) > rng.end {
		return fmt.Errorf("coderegion: patch at +%d (%d bytes) overruns implementation %s", byteOffset, len(code), id)
	}
	copy(l.region.base[pos:], code)
	return nil
}

// Release ends the lease. Using the lease afterward panics.
func (l *ModificationLease) Release() {
	l.region.leased = false
	l.region.mu.Unlock()
	l.region = nil
}

// Stats summarizes region occupancy for the `jvmjit hotspots` CLI
// command and engine diagnostics.
type Stats struct {
	Capacity    int
	Used        int
	Implementations int
}

func (r *Region) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Capacity: len(r.base), Used: r.next, Implementations: len(r.ranges)}
}
