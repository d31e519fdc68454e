// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package data

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
)

// Iterator yields batches in a deterministic order.
type Iterator interface {
	// Iterate calls fn for every batch of one epoch. It stops at the first
	// error returned by fn or by the pipeline.
	Iterate(ctx context.Context, fn func(*Batch) error) error

	// NumBatches returns the number of batches in one epoch.
	NumBatches() int
}

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	BatchSize  int
	NumWorkers int
	Shuffle    bool
	Seed       int64
	DropLast   bool
	Transform  Transform
}

// Loader assembles batches from a Dataset with a pool of worker goroutines.
//
// Workers read and transform samples concurrently; batches are still emitted
// in order. When Shuffle is set, every call to Iterate draws a new permutation
// from Seed and the epoch counter. A Loader must not be iterated concurrently.
type Loader struct {
	ds    Dataset
	opts  LoaderOptions
	epoch int64
}

var _ Iterator = (*Loader)(nil)

// NewLoader validates opts and returns a Loader over ds.
func NewLoader(ds Dataset, opts LoaderOptions) (*Loader, error) {
	if ds == nil {
		return nil, errors.New("loader: nil dataset")
	}
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("loader: batch size must be > 0 (got %d)", opts.BatchSize)
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	return &Loader{ds: ds, opts: opts}, nil
}

// NumBatches returns the number of batches per epoch.
func (l *Loader) NumBatches() int {
	n := l.ds.Len()
	if l.opts.DropLast {
		return n / l.opts.BatchSize
	}
	return (n + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// Iterate runs one epoch and calls fn with each batch in order.
func (l *Loader) Iterate(ctx context.Context, fn func(*Batch) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	batches, errs := l.Stream(ctx)
	for b := range batches {
		if err := fn(b); err != nil {
			return err
		}
	}
	return <-errs
}

type batchJob struct {
	id      int
	indices []int
}

type batchResult struct {
	id    int
	batch *Batch
	err   error
}

// Stream starts one epoch and returns the ordered batch channel plus an
// error channel that yields exactly one value (nil on success) after the
// batch channel is closed. Cancel ctx to abandon the epoch early.
func (l *Loader) Stream(ctx context.Context) (<-chan *Batch, <-chan error) {
	out := make(chan *Batch, l.opts.NumWorkers)
	errCh := make(chan error, 1)

	order := l.order()
	n := l.NumBatches()
	l.epoch++

	ctx, cancel := context.WithCancel(ctx)
	jobs := make(chan batchJob, l.opts.NumWorkers)
	results := make(chan batchResult, l.opts.NumWorkers)

	go func() {
		defer close(jobs)
		for id := 0; id < n; id++ {
			lo := id * l.opts.BatchSize
			hi := min(lo+l.opts.BatchSize, len(order))
			select {
			case <-ctx.Done():
				return
			case jobs <- batchJob{id: id, indices: order[lo:hi]}:
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < l.opts.NumWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				b, err := l.assemble(job.indices)
				select {
				case <-ctx.Done():
					return
				case results <- batchResult{id: job.id, batch: b, err: err}:
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	go func() {
		defer cancel()
		defer close(errCh)
		defer close(out)
		errCh <- reorder(ctx, n, results, out)
	}()

	return out, errCh
}

// reorder forwards results to out in id order.
func reorder(ctx context.Context, n int, results <-chan batchResult, out chan<- *Batch) error {
	pending := make(map[int]batchResult)
	for next := 0; next < n; {
		res, ok := pending[next]
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case r, open := <-results:
				if !open {
					if err := ctx.Err(); err != nil {
						return err
					}
					return errors.New("loader: workers exited early")
				}
				pending[r.id] = r
			}
			continue
		}
		delete(pending, next)
		if res.err != nil {
			return fmt.Errorf("loader: batch %d: %w", next, res.err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- res.batch:
		}
		next++
	}
	return nil
}

func (l *Loader) order() []int {
	n := l.ds.Len()
	if !l.opts.Shuffle {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	return rand.New(rand.NewSource(l.opts.Seed + l.epoch)).Perm(n)
}

func (l *Loader) assemble(indices []int) (*Batch, error) {
	b := &Batch{Labels: make([]int32, 0, len(indices))}
	var sampleShape []int
	for _, idx := range indices {
		s, err := l.ds.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", idx, err)
		}
		if l.opts.Transform != nil {
			if s, err = l.opts.Transform(s); err != nil {
				return nil, fmt.Errorf("sample %d: transform: %w", idx, err)
			}
		}
		if numElements(s.Shape) != len(s.Image) {
			return nil, fmt.Errorf("sample %d: shape %v does not match %d values", idx, s.Shape, len(s.Image))
		}
		if sampleShape == nil {
			sampleShape = s.Shape
			b.Images = make([]float32, 0, len(indices)*len(s.Image))
		} else if !equalShape(sampleShape, s.Shape) {
			return nil, fmt.Errorf("sample %d: shape %v differs from batch shape %v", idx, s.Shape, sampleShape)
		}
		b.Images = append(b.Images, s.Image...)
		b.Labels = append(b.Labels, s.Label)
	}
	b.Shape = append([]int{len(indices)}, sampleShape...)
	return b, nil
}

// Mixed pairs every batch of an unlabeled loader with a batch of a labeled
// loader, cycling the labeled loader when it runs out. The labeled half is
// attached as Batch.Labeled.
type Mixed struct {
	unlabeled *Loader
	labeled   *Loader
}

var _ Iterator = (*Mixed)(nil)

// Zip returns a Mixed iterator over unlabeled and labeled.
func Zip(unlabeled, labeled *Loader) *Mixed {
	return &Mixed{unlabeled: unlabeled, labeled: labeled}
}

// NumBatches returns the number of unlabeled batches per epoch.
func (m *Mixed) NumBatches() int { return m.unlabeled.NumBatches() }

// Iterate runs one unlabeled epoch.
func (m *Mixed) Iterate(ctx context.Context, fn func(*Batch) error) error {
	if m.labeled.NumBatches() == 0 {
		return errors.New("mixed loader: labeled loader is empty")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	unl, unlErr := m.unlabeled.Stream(ctx)
	lab, labErr := m.labeled.Stream(ctx)
	for b := range unl {
		lb, ok := <-lab
		if !ok {
			if err := <-labErr; err != nil {
				return err
			}
			lab, labErr = m.labeled.Stream(ctx)
			if lb, ok = <-lab; !ok {
				return <-labErr
			}
		}
		b.Labeled = lb
		if err := fn(b); err != nil {
			return err
		}
	}
	return <-unlErr
}
