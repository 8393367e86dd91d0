package alloc

import "fmt"

// Violation describes one failing invariant found by CheckInvariants: enough
// raw detail to print a useful diagnostic, no more.
type Violation struct {
	Address uintptr
	Rule    string
	Detail  string
}

// CheckInvariants walks the heap span [heapStart, heapTop) in address order
// and the segregated free lists, checking that heap blocks tile the span
// exactly, that no two adjacent blocks are both free, that header and
// footer sizes agree, and that free-list membership matches the used/mmap
// bits on every block. It is a debug aid, not part of the allocation fast
// path: call it from tests or from a diagnostic tool, never from
// Allocate/Free.
func (e *Engine) CheckInvariants() []Violation {
	var violations []Violation

	if !e.initialized {
		return nil
	}

	freeSet := make(map[uintptr]bool)
	for class := 0; class < numLists; class++ {
		for cur := e.lists.heads[class]; cur != 0; cur = linkNext(cur) {
			freeSet[cur] = true
		}
	}

	var sum uintptr

	prevFree := false

	for addr := e.heapStart; addr < e.heapTop; {
		size := blockSize(addr)
		sum += size

		// header/footer agreement and word alignment.
		if size%uintptr(wordSize) != 0 {
			violations = append(violations, Violation{addr, "alignment", fmt.Sprintf("size %d not word-aligned", size)})
		}

		if size < minBlockSize {
			violations = append(violations, Violation{addr, "min-size", fmt.Sprintf("size %d below minimum %d", size, minBlockSize)})
		}

		if addr+size <= e.heapTop {
			if fs := footerSize(footerAddr(addr, size)); fs != size {
				violations = append(violations, Violation{addr, "footer-mismatch", fmt.Sprintf("header size %d disagrees with footer size %d", size, fs)})
			}
		}

		used := blockUsed(addr)
		isFree := !used && !blockIsMMap(addr)

		// no two address-adjacent heap blocks may both be free.
		if isFree && prevFree {
			violations = append(violations, Violation{addr, "uncoalesced-neighbors", "adjacent to a preceding free block"})
		}

		prevFree = isFree

		// free-list membership must agree with the used/mmap bits.
		inList := freeSet[addr]
		if isFree && !inList {
			violations = append(violations, Violation{addr, "missing-from-freelist", "free block missing from its size-class list"})
		}

		if !isFree && inList {
			violations = append(violations, Violation{addr, "spurious-freelist-entry", "used or mmap block present in a size-class list"})
		}

		if inList {
			delete(freeSet, addr)
		}

		if size == 0 {
			violations = append(violations, Violation{addr, "zero-size-block", "zero-size block would loop forever"})
			break
		}

		addr += size
	}

	// summed block sizes must equal the formatted heap span.
	if sum != e.heapTop-e.heapStart {
		violations = append(violations, Violation{e.heapStart, "tiling",
			fmt.Sprintf("summed block sizes %d != heap span %d", sum, e.heapTop-e.heapStart)})
	}

	for addr := range freeSet {
		violations = append(violations, Violation{addr, "orphaned-freelist-entry", "free list entry does not correspond to a tiled heap block"})
	}

	return violations
}

// FormatViolations formats a Violation slice for display: one line per
// finding, cheap enough to call from a test failure message or a CLI flag.
func FormatViolations(violations []Violation) string {
	if len(violations) == 0 {
		return "no invariant violations detected"
	}

	result := fmt.Sprintf("detected %d invariant violations:\n", len(violations))
	for i, v := range violations {
		result += fmt.Sprintf("  %d: [%s] at 0x%x: %s\n", i+1, v.Rule, v.Address, v.Detail)
	}

	return result
}
