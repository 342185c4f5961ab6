// Package data provides mini-batches of partially-observed time series and the
// restartable sources the training loop iterates over.
//
// Every field of a Batch is a matrix whose rows are samples. Multivariate series are
// flattened per sample (n_steps × n_features columns).
package data

import (
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/gopots/core/parallel"
	scierrors "github.com/YuminosukeSato/gopots/pkg/errors"
)

// Standard field names.
const (
	FieldX              = "X"
	FieldXOri           = "X_ori"
	FieldMissingMask    = "missing_mask"
	FieldIndicatingMask = "indicating_mask"
	FieldY              = "y"
)

// Batch is one mini-batch.
type Batch struct {
	// Indices are the dataset positions of the rows.
	Indices []int
	Fields  map[string]*mat.Dense
}

// NewBatch validates that all fields have len(indices) rows.
func NewBatch(indices []int, fields map[string]*mat.Dense) (*Batch, error) {
	for name, f := range fields {
		if f == nil {
			return nil, scierrors.NewValueError("NewBatch", "nil field "+name)
		}
		if r, _ := f.Dims(); r != len(indices) {
			return nil, scierrors.NewDimensionError("NewBatch "+name, len(indices), r, 0)
		}
	}
	return &Batch{Indices: indices, Fields: fields}, nil
}

// Len returns the number of samples.
func (b *Batch) Len() int {
	return len(b.Indices)
}

// Field returns the named field or a ValueError.
func (b *Batch) Field(name string) (*mat.Dense, error) {
	f, ok := b.Fields[name]
	if !ok {
		return nil, scierrors.NewValueError("Batch.Field", "missing field "+name)
	}
	return f, nil
}

// Has reports whether the field exists.
func (b *Batch) Has(name string) bool {
	_, ok := b.Fields[name]
	return ok
}

// FieldNames returns the sorted field names.
func (b *Batch) FieldNames() []string {
	names := make([]string, 0, len(b.Fields))
	for k := range b.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Split partitions the batch into at most n contiguous row ranges.
// Parts are views on the parent's matrices.
func (b *Batch) Split(n int) []*Batch {
	ranges := parallel.Ranges(b.Len(), n)
	parts := make([]*Batch, 0, len(ranges))
	for _, r := range ranges {
		fields := make(map[string]*mat.Dense, len(b.Fields))
		for name, f := range b.Fields {
			_, c := f.Dims()
			fields[name] = f.Slice(r[0], r[1], 0, c).(*mat.Dense)
		}
		parts = append(parts, &Batch{Indices: b.Indices[r[0]:r[1]], Fields: fields})
	}
	return parts
}
