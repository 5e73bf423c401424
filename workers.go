package treeshap

import (
	"sync"
)

// rowFunc explains a single row, writing only to that row's part of the
// output buffer.
type rowFunc func(row int) error

// forEachRow runs the row funcs produced by newWorker over rows [0, numRows).
// Each worker calls newWorker once, so scratch space it allocates is never
// shared between goroutines. It returns the first error encountered.
func forEachRow(numRows, nWorkers int, newWorker func() rowFunc) error {
	if nWorkers < 1 {
		nWorkers = 1
	}
	if nWorkers > numRows {
		nWorkers = numRows
	}

	if nWorkers <= 1 {
		explain := newWorker()
		for row := range numRows {
			if err := explain(row); err != nil {
				return err
			}
		}
		return nil
	}

	in := make(chan int)
	errs := make(chan error, nWorkers)

	var wg sync.WaitGroup
	for range nWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			explain := newWorker()
			failed := false
			for row := range in {
				// keep draining so the sender never blocks
				if failed {
					continue
				}
				if err := explain(row); err != nil {
					errs <- err
					failed = true
				}
			}
		}()
	}

	for row := range numRows {
		in <- row
	}
	close(in)

	wg.Wait()
	close(errs)

	return <-errs
}
