package data

import (
	"math"
	"math/rand/v2"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	scierrors "github.com/YuminosukeSato/gopots/pkg/errors"
)

// TargetStrategy selects how conditional observations are drawn for diffusion imputers.
type TargetStrategy int

const (
	// TargetRandom hides a uniformly drawn fraction of each sample's observed entries.
	TargetRandom TargetStrategy = iota
	// TargetMix alternates between TargetRandom and the historical pattern,
	// which reuses another sample's missingness.
	TargetMix
)

func (s TargetStrategy) String() string {
	if s == TargetMix {
		return "mix"
	}
	return "random"
}

// ParseTargetStrategy accepts "random" or "mix".
func ParseTargetStrategy(s string) (TargetStrategy, error) {
	switch strings.ToLower(s) {
	case "random":
		return TargetRandom, nil
	case "mix":
		return TargetMix, nil
	default:
		return 0, scierrors.NewConfigError("target strategy", s, "mix", "random")
	}
}

// Masker draws conditional masks and artificial missingness.
type Masker struct {
	uniform distuv.Uniform
}

// NewMasker creates a Masker with a deterministic source.
func NewMasker(seed uint64) *Masker {
	src := rand.NewPCG(seed, seed+1)
	return &Masker{uniform: distuv.Uniform{Min: 0, Max: 1, Src: src}}
}

// ConditionalMask returns the conditioning mask for observed (1 = observed).
// Entries not kept in the mask become the diffusion targets.
func (m *Masker) ConditionalMask(observed *mat.Dense, strategy TargetStrategy) *mat.Dense {
	r, c := observed.Dims()
	cond := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		useHistory := strategy == TargetMix && r > 1 && m.uniform.Rand() > 0.5
		if useHistory {
			// 前のサンプルの欠損パターンを借用する
			prev := (i - 1 + r) % r
			for j := 0; j < c; j++ {
				cond.Set(i, j, observed.At(i, j)*observed.At(prev, j))
			}
			continue
		}
		ratio := m.uniform.Rand()
		for j := 0; j < c; j++ {
			if observed.At(i, j) != 0 && m.uniform.Rand() > ratio {
				cond.Set(i, j, 1)
			}
		}
	}
	return cond
}

// MaskObserved hides a fraction rate of the observed entries of X (NaN = missing) and
// returns the standard self-supervised fields:
//
//	X_ori            X with NaN replaced by 0
//	X                X_ori with the hidden entries also zeroed
//	missing_mask     1 where X is observed
//	indicating_mask  1 where an entry was observed originally but hidden
func (m *Masker) MaskObserved(X *mat.Dense, rate float64) (map[string]*mat.Dense, error) {
	if rate < 0 || rate >= 1 {
		return nil, scierrors.NewValidationError("rate", "must be in [0, 1)", rate)
	}
	r, c := X.Dims()
	xOri := mat.NewDense(r, c, nil)
	xNew := mat.NewDense(r, c, nil)
	missing := mat.NewDense(r, c, nil)
	indicating := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := X.At(i, j)
			if math.IsNaN(v) {
				continue
			}
			xOri.Set(i, j, v)
			if m.uniform.Rand() < rate {
				indicating.Set(i, j, 1)
				continue
			}
			xNew.Set(i, j, v)
			missing.Set(i, j, 1)
		}
	}
	return map[string]*mat.Dense{
		FieldX:              xNew,
		FieldXOri:           xOri,
		FieldMissingMask:    missing,
		FieldIndicatingMask: indicating,
	}, nil
}

// ObservedMask returns 1 where X is not NaN.
func ObservedMask(X mat.Matrix) *mat.Dense {
	r, c := X.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if !math.IsNaN(X.At(i, j)) {
				out.Set(i, j, 1)
			}
		}
	}
	return out
}
