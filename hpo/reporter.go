// Package hpo reports training metrics to a hyperparameter search driver.
//
// Reports are written as JSON lines, one object per report, tagged with the
// trial's UUID. A search driver tails the stream (or the file named by
// HPO_REPORT_FILE) to collect intermediate and final results.
package hpo

import (
	"encoding/json"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/YuminosukeSato/gopots/pkg/errors"
	"github.com/YuminosukeSato/gopots/pkg/log"
)

// Environment variables read by FromEnv.
const (
	EnvEnable     = "ENABLE_HPO"
	EnvReportFile = "HPO_REPORT_FILE"
)

// Record kinds.
const (
	KindIntermediate = "intermediate"
	KindFinal        = "final"
)

// ErrFinalReported is returned when a trial reports after its final result.
var ErrFinalReported = errors.New("gopots: hpo: final result already reported")

// Record is one JSON line. Value is null for NaN or infinite metrics.
type Record struct {
	Trial    string    `json:"trial"`
	Kind     string    `json:"kind"`
	Sequence int       `json:"sequence"`
	Value    *float64  `json:"value"`
	Time     time.Time `json:"time"`
}

// Reporter writes the results of one trial.
type Reporter struct {
	mu      sync.Mutex
	enc     *json.Encoder
	closer  io.Closer
	trial   string
	seq     int
	final   bool
	history []Record
}

// NewReporter creates a reporter for a new trial writing to w.
func NewReporter(w io.Writer) *Reporter {
	return &Reporter{enc: json.NewEncoder(w), trial: uuid.NewString()}
}

// Enabled reports whether ENABLE_HPO holds a true value.
func Enabled() bool {
	v := strings.TrimSpace(os.Getenv(EnvEnable))
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// FromEnv returns a reporter when HPO is enabled, or nil otherwise.
// Reports are appended to HPO_REPORT_FILE, or written to stdout when unset.
func FromEnv() (*Reporter, error) {
	if !Enabled() {
		return nil, nil
	}
	path := os.Getenv(EnvReportFile)
	if path == "" {
		return NewReporter(os.Stdout), nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s=%s", EnvReportFile, path)
	}
	r := NewReporter(f)
	r.closer = f
	log.GetLoggerWithName("hpo").Info("Hyperparameter search reporting enabled",
		log.HPOTrialKey, r.trial,
		log.ReportPathKey, path,
	)
	return r, nil
}

// TrialID returns the UUID tagging every record.
func (r *Reporter) TrialID() string {
	return r.trial
}

// ReportIntermediate records an epoch's metric.
func (r *Reporter) ReportIntermediate(value float64) error {
	return r.report(KindIntermediate, value)
}

// ReportFinal records the trial's final metric. It may be called once.
func (r *Reporter) ReportFinal(value float64) error {
	return r.report(KindFinal, value)
}

// NewTrial starts a fresh trial on the same stream and returns its ID.
// A reporter that has not written anything keeps its current trial.
func (r *Reporter) NewTrial() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seq == 0 {
		return r.trial
	}
	r.trial = uuid.NewString()
	r.seq = 0
	r.final = false
	r.history = nil
	return r.trial
}

// History returns the records written by the current trial.
func (r *Reporter) History() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.history...)
}

// Close closes the report file opened by FromEnv.
func (r *Reporter) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

func (r *Reporter) report(kind string, value float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final {
		return ErrFinalReported
	}
	r.seq++
	rec := Record{
		Trial:    r.trial,
		Kind:     kind,
		Sequence: r.seq,
		Time:     time.Now().UTC(),
	}
	if !math.IsNaN(value) && !math.IsInf(value, 0) {
		v := value
		rec.Value = &v
	}
	if err := r.enc.Encode(rec); err != nil {
		return errors.Wrap(err, "failed to write hpo report")
	}
	r.history = append(r.history, rec)
	if kind == KindFinal {
		r.final = true
	}
	return nil
}
