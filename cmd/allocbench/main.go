// Command allocbench drives the alloc package's segregated free-list engine
// outside of its test suite: a quick smoke workload by default, or a
// concurrent stress workload against alloc.SafeEngine with -stress.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sync/errgroup"

	"github.com/segheap/segheap/alloc"
	"github.com/segheap/segheap/internal/allocconfig"
)

func main() {
	var (
		heapTotal  = flag.Uint64("heap-total", 4096, "initial heap reservation in bytes")
		growth     = flag.Uint64("growth", 4096, "amortized heap growth increment in bytes")
		threshold  = flag.Uint64("mmap-threshold", 128*1024, "payload size above which allocations map anonymous memory")
		configPath = flag.String("config", "", "path to a JSON allocconfig.Document; overrides -heap-total/-growth/-mmap-threshold when set")
		stress     = flag.Bool("stress", false, "run a concurrent stress workload against SafeEngine instead of the single-threaded smoke workload")
		workers    = flag.Int("workers", 8, "worker goroutines for -stress")
		iterations = flag.Int("iterations", 10000, "allocate/free cycles per worker for -stress")
		payload    = flag.Uint64("payload", 64, "payload size per allocation in -stress mode")
		checkEvery = flag.Int("check-every", 0, "run CheckInvariants after every Nth allocation in the smoke workload (0 disables)")
	)

	flag.Parse()

	opts := []alloc.Option{
		alloc.WithHeapTotalSize(uintptr(*heapTotal)),
		alloc.WithGrowthIncrement(uintptr(*growth)),
		alloc.WithMmapThreshold(uintptr(*threshold)),
	}

	if *configPath != "" {
		doc, err := allocconfig.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "allocbench: %v\n", err)
			os.Exit(1)
		}

		opts = doc.Options()
	}

	if *stress {
		if err := runStress(opts, *workers, *iterations, uintptr(*payload)); err != nil {
			fmt.Fprintf(os.Stderr, "allocbench: stress run failed: %v\n", err)
			os.Exit(1)
		}

		return
	}

	if err := runSmoke(opts, *checkEvery); err != nil {
		fmt.Fprintf(os.Stderr, "allocbench: smoke run failed: %v\n", err)
		os.Exit(1)
	}
}

// runSmoke exercises the single-threaded Engine directly, allocating a fixed
// list of sizes (the largest one above the default mmap threshold) and then
// freeing them all, optionally checking invariants at a configurable
// cadence. It does not write to or read from the allocated payloads.
func runSmoke(opts []alloc.Option, checkEvery int) error {
	eng, err := alloc.New(opts...)
	if err != nil {
		return err
	}

	sizes := []uintptr{16, 32, 64, 128, 256, 512, 1024, 4096, 200000}

	var live []unsafe.Pointer

	for i, n := range sizes {
		p := eng.Allocate(n)
		if p == nil {
			return fmt.Errorf("allocation %d of %d bytes failed (%v)", i, n, eng.LastFault())
		}

		live = append(live, p)

		if checkEvery > 0 && (i+1)%checkEvery == 0 {
			if v := eng.CheckInvariants(); len(v) != 0 {
				return fmt.Errorf("invariant check failed after allocation %d:\n%s", i, alloc.FormatViolations(v))
			}
		}
	}

	for _, p := range live {
		eng.Free(p)
	}

	stats := eng.Stats()
	fmt.Printf("smoke run complete: %d allocations, %d frees, %d bytes in use\n",
		stats.AllocCount, stats.FreeCount, stats.BytesInUse)

	return nil
}

// runStress fans workers goroutines out against one shared SafeEngine via
// errgroup, so the first worker failure cancels the rest instead of letting
// every goroutine run to completion after the run is already doomed.
func runStress(opts []alloc.Option, workers, iterations int, payload uintptr) error {
	eng, err := alloc.NewSafe(opts...)
	if err != nil {
		return err
	}
	defer eng.Close()

	start := time.Now()

	g, ctx := errgroup.WithContext(context.Background())

	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < iterations; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}

				p := eng.Allocate(payload)
				if p == nil {
					return fmt.Errorf("worker allocation failed at iteration %d (%v)", i, eng.LastFault())
				}

				eng.Free(p)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	elapsed := time.Since(start)
	stats := eng.Stats()

	fmt.Printf("stress run complete: %d workers x %d iterations in %s (%d total allocations)\n",
		workers, iterations, elapsed, stats.AllocCount)

	return nil
}
