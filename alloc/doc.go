// Package alloc implements a segregated free-list dynamic memory allocator.
//
// It manages its own heap region in user space, growing it on demand through
// a break-adjustment seam and routing large requests to a separate anonymous
// mapping path, in the style of a small C malloc implementation. The package
// is single-threaded by design (see SafeEngine for a mutex-guarded facade);
// callers needing concurrent access should go through SafeEngine or the
// package-level convenience functions, which are built on top of it.
package alloc
