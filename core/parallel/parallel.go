package parallel

import (
	"runtime"
	"sync"

	scierrors "github.com/YuminosukeSato/gopots/pkg/errors"
)

// Parallelize divides items into contiguous ranges, one per CPU core,
// and runs fn on each range concurrently.
func Parallelize(items int, fn func(start, end int)) {
	ParallelizeN(items, runtime.NumCPU(), fn)
}

// ParallelizeN is Parallelize with an explicit worker count.
func ParallelizeN(items, workers int, fn func(start, end int)) {
	var wg sync.WaitGroup
	for _, r := range Ranges(items, workers) {
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(r[0], r[1])
	}
	wg.Wait()
}

// ParallelizeWithThreshold runs fn sequentially when items <= threshold.
func ParallelizeWithThreshold(items int, threshold int, fn func(start, end int)) {
	if items <= threshold {
		fn(0, items)
		return
	}
	Parallelize(items, fn)
}

// Ranges splits [0, items) into at most parts contiguous half-open ranges of
// near-equal size (ceiling division). Empty ranges are omitted.
func Ranges(items, parts int) [][2]int {
	if items <= 0 {
		return nil
	}
	if parts < 1 {
		parts = 1
	}
	if parts > items {
		parts = items
	}
	chunk := (items + parts - 1) / parts
	out := make([][2]int, 0, parts)
	for start := 0; start < items; start += chunk {
		end := start + chunk
		if end > items {
			end = items
		}
		out = append(out, [2]int{start, end})
	}
	return out
}

// ForEach runs fn(i) for i in [0, n) concurrently and waits for all of them.
// A panic inside fn is converted to a PanicError. The first error by index is returned.
func ForEach(n int, fn func(i int) error) error {
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = scierrors.SafeExecute("parallel task", func() error {
				return fn(i)
			})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
