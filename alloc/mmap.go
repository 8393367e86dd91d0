package alloc

import (
	"unsafe"

	"golang.org/x/sys/unix"

	allocerrors "github.com/segheap/segheap/internal/errors"
)

// pageMapper models the anonymous-mapping syscall pair:
// map_anon(bytes) -> base | failure, unmap(base, bytes). bytes is always a
// multiple of the system page size.
type pageMapper interface {
	mapAnon(n uintptr) (base uintptr, err error)
	unmap(base, n uintptr) error
}

// osPageMapper is the production pageMapper: it casts the mapped []byte's
// first element address to a uintptr for arithmetic, and reconstructs a
// bounded []byte view of the same region to hand to Munmap.
type osPageMapper struct{}

func (osPageMapper) mapAnon(n uintptr) (uintptr, error) {
	data, err := unix.Mmap(-1, 0, int(n), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, allocerrors.SystemCallFailed("mmap", err)
	}

	return uintptr(unsafe.Pointer(&data[0])), nil
}

func (osPageMapper) unmap(base, n uintptr) error {
	b := (*[1 << 30]byte)(unsafe.Pointer(base))[:n:n]
	if err := unix.Munmap(b); err != nil {
		return allocerrors.SystemCallFailed("munmap", err)
	}

	return nil
}

// alignPage rounds n up to a multiple of the OS page size.
func alignPage(n uintptr) uintptr {
	pageSize := uintptr(osPageSize())
	return (n + pageSize - 1) &^ (pageSize - 1)
}

func osPageSize() int { return unix.Getpagesize() }

// largeAlloc routes a payload request above the mmap threshold to the page
// mapper. It formats a header-only block (mmap blocks carry no footer and
// no free-list links; they are independent islands) and returns the
// payload address.
func largeAlloc(m pageMapper, payloadSize uintptr) (uintptr, error) {
	total := alignPage(payloadSize + uintptr(wordSize))

	base, err := m.mapAnon(total)
	if err != nil {
		return 0, err
	}

	setHeader(base, total, true, true)

	return payloadAddr(base), nil
}

// largeFree releases a mapped block in full, given its payload address.
func largeFree(m pageMapper, payload uintptr) error {
	addr := blockFromPayload(payload)
	size := blockSize(addr)

	return m.unmap(addr, size)
}
