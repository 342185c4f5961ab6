package train

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/YuminosukeSato/gopots/core/model"
	"github.com/YuminosukeSato/gopots/pkg/errors"
	"github.com/YuminosukeSato/gopots/pkg/log"
)

// SavingStrategy はチェックポイントを保存するタイミング
type SavingStrategy int

const (
	// SaveNone は保存しない
	SaveNone SavingStrategy = iota
	// SaveBest は学習終了後に最良モデルを1回だけ保存する
	SaveBest
	// SaveBetter は最良値が更新されたエポックごとに保存する
	SaveBetter
	// SaveAll は毎エポック保存する
	SaveAll
)

func (s SavingStrategy) String() string {
	switch s {
	case SaveBest:
		return "best"
	case SaveBetter:
		return "better"
	case SaveAll:
		return "all"
	default:
		return "none"
	}
}

// ParseSavingStrategy は "", "none", "best", "better", "all" を解釈する
func ParseSavingStrategy(s string) (SavingStrategy, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return SaveNone, nil
	case "best":
		return SaveBest, nil
	case "better":
		return SaveBetter, nil
	case "all":
		return SaveAll, nil
	default:
		return SaveNone, errors.NewConfigError("saving strategy", s, "none", "best", "better", "all")
	}
}

// Decide は保存すべきかを判定する
// endOfRun は全エポック終了後の呼び出しを表す
func Decide(strategy SavingStrategy, isNewBest, endOfRun bool) bool {
	switch strategy {
	case SaveBest:
		return endOfRun
	case SaveBetter:
		return isNewBest && !endOfRun
	case SaveAll:
		return !endOfRun
	default:
		return false
	}
}

// RunDirLayout is the time layout of the per-run checkpoint directory.
// Runs that start within the same millisecond get a "_<n>" suffix.
const RunDirLayout = "20060102T150405.000"

// CheckpointManager writes artifacts under <root>/<run timestamp>/.
// Write failures are logged and returned as CheckpointIOError; they never
// stop training.
type CheckpointManager struct {
	Strategy   SavingStrategy
	Root       string
	Estimator  string
	Version    string
	MetricName string
	Format     model.Format
	Excludes   []string

	logger  log.Logger
	started time.Time
	dir     string
	saved   []string
}

// NewCheckpointManager creates a manager. The run directory is not created
// until the first artifact is written.
func NewCheckpointManager(strategy SavingStrategy, root, estimator, version, metricName string,
	format model.Format, excludes []string, logger log.Logger) *CheckpointManager {
	if logger == nil {
		logger = log.GetLoggerWithName("checkpoint")
	}
	return &CheckpointManager{
		Strategy:   strategy,
		Root:       root,
		Estimator:  estimator,
		Version:    version,
		MetricName: metricName,
		Format:     format,
		Excludes:   excludes,
		logger:     logger,
		started:    time.Now(),
	}
}

// Enabled reports whether anything can ever be written.
func (c *CheckpointManager) Enabled() bool {
	return c.Root != "" && c.Strategy != SaveNone
}

// ArtifactName returns "<Estimator>_epoch<N>_<Metric><value>.pots".
func (c *CheckpointManager) ArtifactName(epoch int, metric float64) string {
	return fmt.Sprintf("%s_epoch%d_%s%.4f%s", c.Estimator, epoch, c.MetricName, metric, model.ArtifactExt)
}

// OnEpoch is offered every finished epoch. snapshot is only called when a
// save is due.
func (c *CheckpointManager) OnEpoch(epoch int, metric float64, isNewBest bool, snapshot func() model.StateDict) error {
	if !c.Enabled() || !Decide(c.Strategy, isNewBest, false) {
		return nil
	}
	_, err := c.save(epoch, metric, snapshot())
	return err
}

// Finalize runs the end-of-run hook with the final training state.
func (c *CheckpointManager) Finalize(state *State) error {
	if !c.Enabled() || !Decide(c.Strategy, false, true) || !state.HasSnapshot() {
		return nil
	}
	_, err := c.save(state.BestEpoch, state.BestMetric, state.BestSnapshot)
	return err
}

// Saved returns the paths written so far, in order.
func (c *CheckpointManager) Saved() []string {
	return append([]string(nil), c.saved...)
}

// Dir returns the run directory, or "" when nothing has been written.
func (c *CheckpointManager) Dir() string {
	return c.dir
}

func (c *CheckpointManager) save(epoch int, metric float64, sd model.StateDict) (string, error) {
	if err := c.ensureDir(); err != nil {
		c.logger.Error("Failed to create checkpoint directory", err, log.CheckpointPathKey, c.Root)
		return "", err
	}
	path := filepath.Join(c.dir, c.ArtifactName(epoch, metric))
	artifact := model.NewArtifact(c.Estimator, c.Version, epoch, metric, sd, c.Excludes...)
	if err := model.SaveArtifactFile(artifact, path, c.Format); err != nil {
		c.logger.Error("Failed to save checkpoint, training continues", err,
			log.CheckpointPathKey, path,
			log.EpochKey, epoch,
		)
		return "", err
	}
	c.saved = append(c.saved, path)
	c.logger.Info("Saved the model",
		log.CheckpointPathKey, path,
		log.CheckpointStrategyKey, c.Strategy.String(),
		log.EpochKey, epoch,
	)
	return path, nil
}

func (c *CheckpointManager) ensureDir() error {
	if c.dir != "" {
		return nil
	}
	if err := os.MkdirAll(c.Root, 0o755); err != nil {
		return errors.NewCheckpointIOError("mkdir", c.Root, err)
	}
	base := filepath.Join(c.Root, c.started.Format(RunDirLayout))
	dir := base
	for n := 1; ; n++ {
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return errors.NewCheckpointIOError("mkdir", dir, err)
		}
		dir = fmt.Sprintf("%s_%d", base, n)
	}
	c.dir = dir
	return nil
}
