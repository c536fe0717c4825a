package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"kmm/kernel/mm"
	"kmm/kernel/mm/pmm"
)

// stressCmd implements subcommands.Command for the "stress" command.
type stressCmd struct {
	machine    string
	workers    int
	iterations int
	batch      int
}

// Name implements subcommands.Command.Name.
func (*stressCmd) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*stressCmd) Synopsis() string {
	return "hammer the frame pool from concurrent workers"
}

// Usage implements subcommands.Command.Usage.
func (*stressCmd) Usage() string {
	return `stress -machine <file> [-workers <n>] [-iterations <n>] [-batch <n>]

Boots the memory manager and runs workers that allocate and release frames
concurrently. The command fails if a frame is handed out twice, if the free
counter leaves its bounds or if frames are lost.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *stressCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.machine, "machine", "", "path to the machine description file")
	f.IntVar(&s.workers, "workers", 8, "number of concurrent workers")
	f.IntVar(&s.iterations, "iterations", 1000, "allocate/release rounds per worker")
	f.IntVar(&s.batch, "batch", 16, "frames held by a worker in each round")
}

// Execute implements subcommands.Command.Execute.
func (s *stressCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 || s.workers <= 0 || s.iterations <= 0 || s.batch <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	sim, err := loadAndBoot(s.machine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stress: %v\n", err)
		return subcommands.ExitFailure
	}
	defer sim.Close()

	res, err := runStress(ctx, sim.mgr.Frames, sim.mem.Range(), stressParams{
		workers:    s.workers,
		iterations: s.iterations,
		batch:      s.batch,
	})
	res.print(os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stress: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type stressParams struct {
	workers    int
	iterations int
	batch      int
}

type stressResult struct {
	allocs   uint64
	exhausts uint64
	minFree  mm.Size
	maxFree  mm.Size
	elapsed  time.Duration
}

func (r *stressResult) print(w io.Writer) {
	fmt.Fprintf(w, "allocations:      %d\n", r.allocs)
	fmt.Fprintf(w, "out of memory:    %d\n", r.exhausts)
	fmt.Fprintf(w, "free memory low:  %dKb\n", uint64(r.minFree/mm.Kb))
	fmt.Fprintf(w, "free memory high: %dKb\n", uint64(r.maxFree/mm.Kb))
	fmt.Fprintf(w, "elapsed:          %s\n", r.elapsed)
}

// runStress drives pool from p.workers goroutines. Every frame handed out is
// claimed in an ownership table that spans ram; claiming a frame that is
// already owned means the pool returned it twice.
func runStress(ctx context.Context, pool *pmm.FramePool, ram mm.PhysRange, p stressParams) (stressResult, error) {
	var (
		owners   = make([]atomic.Bool, ram.Pages())
		allocs   atomic.Uint64
		exhausts atomic.Uint64
		total    = pool.TotalMemory()
		before   = pool.FreeMemory()
		res      = stressResult{minFree: before, maxFree: before}
		start    = time.Now()
	)

	firstFrame := mm.FrameFromAddress(ram.Start)
	claim := func(frame mm.Frame) error {
		if frame < firstFrame || uintptr(frame-firstFrame) >= uintptr(len(owners)) {
			return fmt.Errorf("frame 0x%x is outside the simulated memory", frame.Address())
		}
		if !owners[frame-firstFrame].CompareAndSwap(false, true) {
			return fmt.Errorf("frame 0x%x was allocated twice", frame.Address())
		}
		return nil
	}
	release := func(frame mm.Frame) {
		owners[frame-firstFrame].Store(false)
		pool.FreeFrame(frame)
	}

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < p.workers; w++ {
		g.Go(func() error {
			held := make([]mm.Frame, 0, p.batch)
			defer func() {
				for _, frame := range held {
					release(frame)
				}
			}()

			for i := 0; i < p.iterations; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}

				for len(held) < p.batch {
					frame, err := pool.AllocFrame()
					if err == pmm.ErrOutOfMemory {
						exhausts.Add(1)
						break
					}
					if err != nil {
						return err
					}
					if err := claim(frame); err != nil {
						return err
					}
					allocs.Add(1)
					held = append(held, frame)
				}

				for _, frame := range held {
					release(frame)
				}
				held = held[:0]
			}
			return nil
		})
	}

	// Sample the free counter until the workers are done.
	done := make(chan struct{})
	sampler := make(chan error, 1)
	go func() {
		for {
			free := pool.FreeMemory()
			if free > total {
				sampler <- fmt.Errorf("free memory %s exceeds pool memory %s", free, total)
				return
			}
			res.minFree = min(res.minFree, free)
			res.maxFree = max(res.maxFree, free)

			select {
			case <-done:
				sampler <- nil
				return
			default:
			}
		}
	}()

	err := g.Wait()
	close(done)
	if serr := <-sampler; err == nil {
		err = serr
	}

	res.allocs = allocs.Load()
	res.exhausts = exhausts.Load()
	res.elapsed = time.Since(start)

	if err != nil {
		return res, err
	}
	if after := pool.FreeMemory(); after != before {
		return res, fmt.Errorf("free memory is %s after the run; expected %s", after, before)
	}
	return res, nil
}
