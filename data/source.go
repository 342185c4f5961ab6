package data

import (
	"context"
	"io"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	scierrors "github.com/YuminosukeSato/gopots/pkg/errors"
)

// Iterator yields batches until io.EOF.
type Iterator interface {
	Next(ctx context.Context) (*Batch, error)
	Close() error
}

// Source is a restartable batch producer. Each Open starts a new pass.
type Source interface {
	Open(ctx context.Context) (Iterator, error)
}

// SliceSource serves an in-memory dataset in fixed-size batches.
type SliceSource struct {
	fields    map[string]*mat.Dense
	n         int
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	transform func(*Batch) (*Batch, error)
}

// SliceOption configures a SliceSource.
type SliceOption func(*SliceSource)

// WithShuffle permutes the sample order on every Open using the given seed.
func WithShuffle(seed uint64) SliceOption {
	return func(s *SliceSource) {
		s.shuffle = true
		s.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// WithTransform applies fn to each batch before it is returned, e.g. conditional masking.
func WithTransform(fn func(*Batch) (*Batch, error)) SliceOption {
	return func(s *SliceSource) {
		s.transform = fn
	}
}

// NewSliceSource creates a source over fields whose rows are samples.
func NewSliceSource(fields map[string]*mat.Dense, batchSize int, opts ...SliceOption) (*SliceSource, error) {
	if len(fields) == 0 {
		return nil, scierrors.WithStack(scierrors.ErrEmptyData)
	}
	if batchSize <= 0 {
		return nil, scierrors.NewValidationError("batch_size", "must be positive", batchSize)
	}
	n := -1
	for name, f := range fields {
		r, _ := f.Dims()
		if n == -1 {
			n = r
		} else if r != n {
			return nil, scierrors.NewDimensionError("NewSliceSource "+name, n, r, 0)
		}
	}
	s := &SliceSource{fields: fields, n: n, batchSize: batchSize}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Len returns the number of samples.
func (s *SliceSource) Len() int {
	return s.n
}

// NumBatches returns the number of batches per pass.
func (s *SliceSource) NumBatches() int {
	return (s.n + s.batchSize - 1) / s.batchSize
}

// Open starts a new pass.
func (s *SliceSource) Open(ctx context.Context) (Iterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	order := make([]int, s.n)
	for i := range order {
		order[i] = i
	}
	if s.shuffle {
		s.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	return &sliceIterator{src: s, order: order}, nil
}

type sliceIterator struct {
	src    *SliceSource
	order  []int
	pos    int
	closed bool
}

func (it *sliceIterator) Next(ctx context.Context) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if it.closed || it.pos >= len(it.order) {
		return nil, io.EOF
	}
	end := it.pos + it.src.batchSize
	if end > len(it.order) {
		end = len(it.order)
	}
	idx := it.order[it.pos:end]
	it.pos = end

	fields := make(map[string]*mat.Dense, len(it.src.fields))
	for name, f := range it.src.fields {
		_, c := f.Dims()
		m := mat.NewDense(len(idx), c, nil)
		for i, row := range idx {
			m.SetRow(i, f.RawRowView(row))
		}
		fields[name] = m
	}
	indices := make([]int, len(idx))
	copy(indices, idx)
	b := &Batch{Indices: indices, Fields: fields}
	if it.src.transform != nil {
		return it.src.transform(b)
	}
	return b, nil
}

func (it *sliceIterator) Close() error {
	it.closed = true
	return nil
}
