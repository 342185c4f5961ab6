package parallel

import (
	"errors"
	"reflect"
	"sync/atomic"
	"testing"

	scierrors "github.com/YuminosukeSato/gopots/pkg/errors"
)

func TestRanges(t *testing.T) {
	tests := []struct {
		name  string
		items int
		parts int
		want  [][2]int
	}{
		{"even", 6, 3, [][2]int{{0, 2}, {2, 4}, {4, 6}}},
		{"uneven", 7, 3, [][2]int{{0, 3}, {3, 6}, {6, 7}}},
		{"more parts than items", 2, 4, [][2]int{{0, 1}, {1, 2}}},
		{"single part", 5, 1, [][2]int{{0, 5}}},
		{"zero parts", 3, 0, [][2]int{{0, 3}}},
		{"empty", 0, 3, nil},
		// ceiling division can leave fewer ranges than requested
		{"fewer ranges", 4, 3, [][2]int{{0, 2}, {2, 4}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Ranges(tt.items, tt.parts)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Ranges(%d, %d) = %v, want %v", tt.items, tt.parts, got, tt.want)
			}
		})
	}
}

func TestParallelizeCoversAllItems(t *testing.T) {
	const n = 1000
	seen := make([]int32, n)
	Parallelize(n, func(start, end int) {
		for i := start; i < end; i++ {
			atomic.AddInt32(&seen[i], 1)
		}
	})
	for i, v := range seen {
		if v != 1 {
			t.Fatalf("item %d visited %d times", i, v)
		}
	}
}

func TestParallelizeWithThreshold(t *testing.T) {
	calls := int32(0)
	ParallelizeWithThreshold(10, 100, func(start, end int) {
		atomic.AddInt32(&calls, 1)
		if start != 0 || end != 10 {
			t.Errorf("got range [%d,%d), want [0,10)", start, end)
		}
	})
	if calls != 1 {
		t.Errorf("sequential path should call fn once, got %d", calls)
	}
}

func TestForEach(t *testing.T) {
	t.Run("all succeed", func(t *testing.T) {
		var sum int64
		err := ForEach(4, func(i int) error {
			atomic.AddInt64(&sum, int64(i))
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if sum != 6 {
			t.Errorf("sum = %d, want 6", sum)
		}
	})

	t.Run("first error by index", func(t *testing.T) {
		e1 := errors.New("one")
		e3 := errors.New("three")
		err := ForEach(4, func(i int) error {
			switch i {
			case 1:
				return e1
			case 3:
				return e3
			}
			return nil
		})
		if err != e1 {
			t.Errorf("got %v, want %v", err, e1)
		}
	})

	t.Run("panic becomes error", func(t *testing.T) {
		err := ForEach(2, func(i int) error {
			if i == 1 {
				panic("replica crashed")
			}
			return nil
		})
		var pe *scierrors.PanicError
		if !errors.As(err, &pe) {
			t.Fatalf("expected PanicError, got %v", err)
		}
	})
}
