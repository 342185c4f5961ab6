package data

import (
	"context"
	"io"
	"sync"

	scierrors "github.com/YuminosukeSato/gopots/pkg/errors"
)

// Prefetch wraps src so that batches are produced by a background goroutine into a
// queue holding at most depth batches. The consumer blocks on Next.
func Prefetch(src Source, depth int) Source {
	if depth < 1 {
		depth = 1
	}
	return &prefetchSource{src: src, depth: depth}
}

type prefetchSource struct {
	src   Source
	depth int
}

type prefetched struct {
	batch *Batch
	err   error
}

func (p *prefetchSource) Open(ctx context.Context) (Iterator, error) {
	inner, err := p.src.Open(ctx)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithCancel(ctx)
	it := &prefetchIterator{
		queue:  make(chan prefetched, p.depth),
		cancel: cancel,
		inner:  inner,
	}
	it.wg.Add(1)
	go it.produce(pctx)
	return it, nil
}

type prefetchIterator struct {
	queue  chan prefetched
	cancel context.CancelFunc
	inner  Iterator
	wg     sync.WaitGroup
	once   sync.Once
	done   bool
}

func (it *prefetchIterator) produce(ctx context.Context) {
	defer it.wg.Done()
	defer close(it.queue)
	for {
		var b *Batch
		err := scierrors.SafeExecute("prefetch batch", func() error {
			var nerr error
			b, nerr = it.inner.Next(ctx)
			return nerr
		})
		select {
		case it.queue <- prefetched{batch: b, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// Next returns the next queued batch. A producer error, including io.EOF, ends the pass.
func (it *prefetchIterator) Next(ctx context.Context) (*Batch, error) {
	if it.done {
		return nil, io.EOF
	}
	select {
	case item, ok := <-it.queue:
		if !ok {
			it.done = true
			return nil, io.EOF
		}
		if item.err != nil {
			it.done = true
			return nil, item.err
		}
		return item.batch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the producer and closes the wrapped iterator.
func (it *prefetchIterator) Close() error {
	var err error
	it.once.Do(func() {
		it.cancel()
		// drain so the producer can observe cancellation
		go func() {
			for range it.queue {
			}
		}()
		it.wg.Wait()
		err = it.inner.Close()
	})
	return err
}
