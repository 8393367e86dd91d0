package alloc

// numLists is NUM_LISTS: the number of segregated size classes.
const numLists = 8

// classUpper gives the inclusive upper bound in bytes of every size class
// except the last, which is unbounded above. Classes partition
// [minBlockSize, inf) as powers of two starting at minBlockSize.
var classUpper = [numLists - 1]uintptr{
	minBlockSize,
	minBlockSize * 2,
	minBlockSize * 4,
	minBlockSize * 8,
	minBlockSize * 16,
	minBlockSize * 32,
	minBlockSize * 64,
}

// sizeClass returns the segregated list index for a block of the given
// size: a monotone non-decreasing function of size into [0, numLists).
func sizeClass(size uintptr) int {
	for i, upper := range classUpper {
		if size <= upper {
			return i
		}
	}
	return numLists - 1
}

// freeLists holds the numLists doubly linked list heads. A head of 0 means
// the class is empty; list order is unordered (insertion is always at head).
type freeLists struct {
	heads [numLists]uintptr
}

// insert pushes a formatted free block onto the head of its size class's
// list. The caller must have already written the block's header/footer and
// must not have left stale link words.
func (f *freeLists) insert(class int, addr uintptr) {
	head := f.heads[class]
	setLinkPrev(addr, 0)
	setLinkNext(addr, head)
	if head != 0 {
		setLinkPrev(head, addr)
	}
	f.heads[class] = addr
}

// remove unlinks a known free block from its size class's list.
func (f *freeLists) remove(class int, addr uintptr) {
	prev := linkPrev(addr)
	next := linkNext(addr)
	if prev != 0 {
		setLinkNext(prev, next)
	} else {
		f.heads[class] = next
	}
	if next != 0 {
		setLinkPrev(next, prev)
	}
}

// firstFit walks list class(need) and every list above it in class order,
// returning the first free block whose size is at least need, along with
// the class it was found in. It returns (0, -1) on a total miss.
//
// Scanning higher lists (rather than stopping at class(need)) is required
// for correctness: a class covers a range of sizes, so list class(need) may
// hold only blocks smaller than need while a fitting block sits in any
// higher class.
func (f *freeLists) firstFit(need uintptr) (addr uintptr, class int) {
	start := sizeClass(need)
	for idx := start; idx < numLists; idx++ {
		for cur := f.heads[idx]; cur != 0; cur = linkNext(cur) {
			if blockSize(cur) >= need {
				return cur, idx
			}
		}
	}
	return 0, -1
}
