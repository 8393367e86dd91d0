package alloc

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// fakeBreakSource is a hand-written test double that lets tests script
// exactly which previous-break value comes back from the next adjust()
// call, including deliberately non-contiguous ones that drive the
// gap-block path. Unlike a bare address counter, it reserves real backing
// memory up front so every address it hands the engine is actually
// readable and writable -- the engine writes block headers and free-list
// links through those addresses, so a fake that only tracked numbers would
// crash.
type fakeBreakSource struct {
	base      uintptr
	reserved  uintptr
	committed uintptr
}

// newFakeBreakSource reserves size bytes of real anonymous memory for a
// test to adjust() against.
func newFakeBreakSource(size uintptr) *fakeBreakSource {
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		panic(err)
	}

	return &fakeBreakSource{base: uintptr(unsafe.Pointer(&data[0])), reserved: size}
}

func (f *fakeBreakSource) adjust(delta uintptr) (uintptr, error) {
	prev := f.base + f.committed
	f.committed += delta

	return prev, nil
}

// consumeGap simulates an unrelated data-segment resident claiming n bytes
// of address space between two adjust() calls, without the engine's
// knowledge: the next adjust() call will report a previous break that is n
// bytes above the engine's recorded heapEnd, exercising the non-contiguous
// extension path.
func (f *fakeBreakSource) consumeGap(n uintptr) {
	f.committed += n
}
