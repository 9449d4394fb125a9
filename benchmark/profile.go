package benchmark

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/fogfactory/procpipe"
)

// Profile runs itemCount times command through a pool of each size and reports the wall clock
// time of each run, next to the sequential duration. The parent CPU profile is written to
// procpipe_{date}_n{itemCount}_{poolSizes}.prof in dir.
//
// use pprof to read the file (go install github.com/google/pprof@latest).
func Profile(w io.Writer, dir string, itemCount int, command []string, poolSizes ...int) error {
	if itemCount < 1 || len(command) == 0 || len(poolSizes) == 0 {
		return fmt.Errorf("nothing to profile")
	}

	// Profile file
	f, err := os.CreateTemp(dir, fmt.Sprintf("procpipe_%s_n%d_%s_*.prof",
		strings.ReplaceAll(time.Now().Truncate(time.Second).Format(time.DateTime), " ", "-"),
		itemCount,
		strings.Join(lo.Map(poolSizes, func(item, _ int) string { return fmt.Sprint(item) }), "-")))
	if err != nil {
		return err
	}
	defer f.Close()

	items := lo.Times(itemCount, func(int) procpipe.WorkItem { return procpipe.WorkItem{Command: command} })

	// Sequential reference: one process at a time, without the pool
	start := time.Now()
	for _, item := range items {
		h, err := procpipe.Spawn(item)
		if err != nil {
			return err
		}
		if err := h.Start(); err != nil {
			return err
		}
		h.Wait(0)
	}
	seq := time.Since(start)
	fmt.Fprintf(w, "items: %d, command: %q, seq duration: %s\n", itemCount, command, seq)

	// Start profiling
	if err := pprof.StartCPUProfile(f); err != nil {
		return err
	}
	defer pprof.StopCPUProfile()

	for _, size := range poolSizes {
		pool, err := procpipe.NewPool(size)
		if err != nil {
			return err
		}
		start := time.Now()
		batch, err := pool.Submit(items...)
		if err != nil {
			pool.Release()
			return err
		}
		results, err := batch.Await(context.Background())
		pool.Release()
		if err != nil {
			return err
		}
		failed := lo.CountBy(results, func(r procpipe.Result) bool { return !r.Success() })
		par := time.Since(start)
		fmt.Fprintf(w, "(pool %d: %s, speedup x%.1f, failed %d, peak %d)\n", size, par, float64(seq)/float64(par), failed, pool.Stats().Peak)
	}
	fmt.Fprintf(w, "profile:%s\n", f.Name())

	// Call pprof on a file
	// pprof -http=:8080 $file
	return nil
}
