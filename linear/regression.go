package linear

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/YuminosukeSato/gopots/core/model"
	"github.com/YuminosukeSato/gopots/core/parallel"
	"github.com/YuminosukeSato/gopots/data"
	"github.com/YuminosukeSato/gopots/pkg/errors"
)

// ModelName はチェックポイント名に使われる推定器名
const ModelName = "Linear"

// 並列処理の閾値（この値以下の行数では逐次処理を使用）
const parallelThreshold = 1000

// Regression は欠損値補完のためのマスク付き線形モデル
// 各特徴量を他の特徴量の線形結合で再構成する（W の対角成分は常に 0）
//
//	recon = X·W + b
//	imputed = M⊙X + (1-M)⊙recon
type Regression struct {
	nFeatures int
	cfg       config

	weight *model.Parameter // d×d
	bias   *model.Parameter // 1×d

	mode   model.Mode
	masker *data.Masker
	noise  distuv.Normal
}

// NewRegression は nFeatures 個の特徴量を持つモデルを作成する
func NewRegression(nFeatures int, opts ...Option) (*Regression, error) {
	if nFeatures < 2 {
		return nil, errors.NewValidationError("n_features", "at least two features are required", nFeatures)
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	// 小さな一様乱数で初期化
	uniform := distuv.Uniform{Min: -cfg.initScale, Max: cfg.initScale, Src: rand.NewPCG(cfg.seed, cfg.seed^0x9e3779b97f4a7c15)}
	w := mat.NewDense(nFeatures, nFeatures, nil)
	for i := 0; i < nFeatures; i++ {
		for j := 0; j < nFeatures; j++ {
			if i != j {
				w.Set(i, j, uniform.Rand())
			}
		}
	}
	r := &Regression{
		nFeatures: nFeatures,
		cfg:       cfg,
		weight:    model.NewParameter("linear.weight", w),
		bias:      model.NewParameter("linear.bias", mat.NewDense(1, nFeatures, nil)),
	}
	r.initRandom(0)
	return r, nil
}

func (r *Regression) initRandom(replica uint64) {
	seed := r.cfg.seed + replica + 1
	r.masker = data.NewMasker(seed)
	r.noise = distuv.Normal{Mu: 0, Sigma: r.cfg.noiseStd, Src: rand.NewPCG(seed, seed+7)}
}

// Name は推定器名を返す
func (r *Regression) Name() string { return ModelName }

// NFeatures は特徴量の数を返す
func (r *Regression) NFeatures() int { return r.nFeatures }

// SetMode は学習/評価モードを切り替える
func (r *Regression) SetMode(mode model.Mode) { r.mode = mode }

// Parameters は重みとバイアスを返す
func (r *Regression) Parameters() []*model.Parameter {
	return []*model.Parameter{r.weight, r.bias}
}

// Replicate は値を共有し勾配バッファを個別に持つ複製を n 個作成する
func (r *Regression) Replicate(n int) ([]model.Model, error) {
	if n < 1 {
		return nil, errors.NewValidationError("replicas", "must be positive", n)
	}
	out := make([]model.Model, n)
	for i := range out {
		rep := &Regression{
			nFeatures: r.nFeatures,
			cfg:       r.cfg,
			weight:    shareValue(r.weight),
			bias:      shareValue(r.bias),
			mode:      r.mode,
		}
		rep.initRandom(uint64(i + 1))
		out[i] = rep
	}
	return out, nil
}

func shareValue(p *model.Parameter) *model.Parameter {
	rows, cols := p.Value.Dims()
	return &model.Parameter{Name: p.Name, Value: p.Value, Grad: mat.NewDense(rows, cols, nil)}
}

// inputs はバッチから X（欠損は 0）と観測マスクを取り出す
func (r *Regression) inputs(batch *data.Batch) (*mat.Dense, *mat.Dense, error) {
	X, err := batch.Field(data.FieldX)
	if err != nil {
		return nil, nil, err
	}
	n, c := X.Dims()
	if c != r.nFeatures {
		return nil, nil, errors.NewDimensionError("Regression.Forward", r.nFeatures, c, 1)
	}
	var mask *mat.Dense
	if batch.Has(data.FieldMissingMask) {
		mask, _ = batch.Field(data.FieldMissingMask)
	} else {
		mask = data.ObservedMask(X)
	}
	// NaN * 0 は NaN なので MulElem は使わない
	clean := mat.NewDense(n, c, nil)
	clean.Apply(func(i, j int, _ float64) float64 {
		if mask.At(i, j) == 0 {
			return 0
		}
		return X.At(i, j)
	}, clean)
	return clean, mask, nil
}

// reconstruct は X·W + b を計算する
func (r *Regression) reconstruct(X *mat.Dense) *mat.Dense {
	n, d := X.Dims()
	recon := mat.NewDense(n, d, nil)
	recon.Mul(X, r.weight.Value)
	b := r.bias.Value.RawRowView(0)
	parallel.ParallelizeWithThreshold(n, parallelThreshold, func(start, end int) {
		for i := start; i < end; i++ {
			row := recon.RawRowView(i)
			for j := range row {
				row[j] += b[j]
			}
		}
	})
	return recon
}

// impute は観測値を保ち、欠損位置だけ再構成値で埋める
func impute(X, mask, recon mat.Matrix) *mat.Dense {
	n, d := X.Dims()
	out := mat.NewDense(n, d, nil)
	out.Apply(func(i, j int, _ float64) float64 {
		if mask.At(i, j) == 1 {
			return X.At(i, j)
		}
		return recon.At(i, j)
	}, out)
	return out
}

// Forward はフォワードパスを実行する
// 学習時の損失は観測値の再構成誤差（ORT）と人工欠損の補完誤差（MIT）の和
func (r *Regression) Forward(batch *data.Batch, opts ...model.ForwardOption) (*model.Outputs, error) {
	X, mask, err := r.inputs(batch)
	if err != nil {
		return nil, err
	}
	input, inputMask := X, mask
	if r.mode == model.Train && r.cfg.conditional {
		// 条件付け部分だけを入力にし、残りの観測値を予測対象にする
		cond := r.masker.ConditionalMask(mask, r.cfg.targetStrategy)
		input = mat.NewDense(batch.Len(), r.nFeatures, nil)
		input.MulElem(X, cond)
		inputMask = cond
	}

	recon := r.reconstruct(input)
	imputed := impute(input, inputMask, recon)

	terms := []lossTerm{{target: X, mask: mask, weight: r.cfg.ortWeight}}
	if r.cfg.conditional && r.mode == model.Train {
		target := mat.NewDense(batch.Len(), r.nFeatures, nil)
		target.Sub(mask, inputMask)
		terms = []lossTerm{{target: X, mask: target, weight: 1}}
	} else if batch.Has(data.FieldXOri) && batch.Has(data.FieldIndicatingMask) {
		xOri, _ := batch.Field(data.FieldXOri)
		ind, _ := batch.Field(data.FieldIndicatingMask)
		terms = append(terms, lossTerm{target: xOri, mask: ind, weight: r.cfg.mitWeight})
	}
	l, err := r.newLoss(input, recon, terms)
	if err != nil {
		return nil, err
	}

	out := &model.Outputs{
		Loss:       l,
		Prediction: imputed,
		Extra:      map[string]mat.Matrix{"reconstruction": recon},
	}
	fc := model.ApplyForwardOptions(opts...)
	if r.mode == model.Eval && fc.SamplingTimes > 0 {
		out.Samples = r.sample(imputed, inputMask, fc.SamplingTimes)
	}
	return out, nil
}

// sample は欠損位置にガウスノイズを加えた補完結果を n 個生成する
func (r *Regression) sample(imputed, mask *mat.Dense, n int) []mat.Matrix {
	samples := make([]mat.Matrix, n)
	for k := range samples {
		s := mat.DenseCopyOf(imputed)
		s.Apply(func(i, j int, v float64) float64 {
			if mask.At(i, j) == 1 {
				return v
			}
			return v + r.noise.Rand()
		}, s)
		samples[k] = s
	}
	return samples
}
