package alloc

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	allocerrors "github.com/segheap/segheap/internal/errors"
)

// breakSource models the platform's heap-break adjustment syscall:
// brk_adjust(delta) -> previous_break | failure. It is only ever called
// with delta > 0.
type breakSource interface {
	adjust(delta uintptr) (prevBreak uintptr, err error)
}

// reservedArena is the production breakSource. A Go process cannot safely
// call the real brk(2) -- its runtime already manages a heap through mmap
// and moving the break out from under it would corrupt unrelated state.
// Instead, reservedArena reserves one large anonymous mapping once and
// treats "adjusting the break" as advancing a commit cursor inside that
// reservation. Because the whole reservation belongs to this process and
// nothing else claims bytes from it, every adjust() call here is
// contiguous; the non-contiguous (gap-block) path is exercised only by a
// fake breakSource in tests.
type reservedArena struct {
	mu        sync.Mutex
	base      uintptr
	reserved  uintptr
	committed uintptr
}

// newReservedArena reserves size bytes of anonymous, private memory and
// returns a breakSource whose base is the start of that reservation.
func newReservedArena(size uintptr) (*reservedArena, error) {
	if size == 0 {
		return nil, allocerrors.InvalidConfig("reserved arena size must be greater than 0")
	}

	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, allocerrors.SystemCallFailed("mmap", err)
	}

	return &reservedArena{
		base:     uintptr(unsafe.Pointer(&data[0])),
		reserved: size,
	}, nil
}

// close releases the reservation back to the OS. Not required for
// process-lifetime use; provided so tests can tear down an Engine cleanly.
func (r *reservedArena) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := (*[1 << 30]byte)(unsafe.Pointer(r.base))[:r.reserved:r.reserved]
	if err := unix.Munmap(b); err != nil {
		return allocerrors.SystemCallFailed("munmap", err)
	}

	return nil
}

// adjust advances the commit cursor by delta and returns the address the
// cursor held before the call -- the "previous break".
func (r *reservedArena) adjust(delta uintptr) (uintptr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.committed+delta > r.reserved {
		return 0, allocerrors.OutOfMemory(delta)
	}

	prev := r.base + r.committed
	r.committed += delta

	return prev, nil
}
