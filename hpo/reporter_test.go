package hpo

import (
	"bufio"
	"bytes"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/YuminosukeSato/gopots/pkg/errors"
)

func decode(t *testing.T, data []byte) []Record {
	t.Helper()
	var out []Record
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("invalid JSON line %q: %v", sc.Text(), err)
		}
		out = append(out, r)
	}
	return out
}

func TestReporterWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	r := NewReporter(&buf)
	if _, err := uuid.Parse(r.TrialID()); err != nil {
		t.Fatalf("trial id %q is not a UUID", r.TrialID())
	}

	for _, v := range []float64{0.5, math.NaN(), 0.3} {
		if err := r.ReportIntermediate(v); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.ReportFinal(0.3); err != nil {
		t.Fatal(err)
	}

	recs := decode(t, buf.Bytes())
	if len(recs) != 4 {
		t.Fatalf("got %d records, want 4", len(recs))
	}
	if recs[1].Value != nil {
		t.Errorf("NaN should be written as null, got %v", *recs[1].Value)
	}
	last := recs[3]
	if last.Kind != KindFinal || last.Sequence != 4 || *last.Value != 0.3 || last.Trial != r.TrialID() {
		t.Errorf("final record = %+v", last)
	}
	if len(r.History()) != 4 {
		t.Errorf("History has %d entries", len(r.History()))
	}
}

func TestReporterRejectsReportsAfterFinal(t *testing.T) {
	r := NewReporter(&bytes.Buffer{})
	_ = r.ReportFinal(1)
	if err := r.ReportIntermediate(2); !errors.Is(err, ErrFinalReported) {
		t.Errorf("got %v, want ErrFinalReported", err)
	}
	if err := r.ReportFinal(2); !errors.Is(err, ErrFinalReported) {
		t.Errorf("got %v, want ErrFinalReported", err)
	}
}

func TestReporterNewTrial(t *testing.T) {
	var buf bytes.Buffer
	r := NewReporter(&buf)
	first := r.TrialID()
	if got := r.NewTrial(); got != first {
		t.Errorf("unused trial was replaced: %s -> %s", first, got)
	}
	if err := r.ReportFinal(1); err != nil {
		t.Fatal(err)
	}
	second := r.NewTrial()
	if second == first {
		t.Fatal("NewTrial kept the finished trial")
	}
	if err := r.ReportIntermediate(0.5); err != nil {
		t.Fatalf("report after NewTrial: %v", err)
	}
	if err := r.ReportFinal(0.4); err != nil {
		t.Fatalf("final after NewTrial: %v", err)
	}

	recs := decode(t, buf.Bytes())
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	if recs[0].Trial != first || recs[1].Trial != second || recs[2].Trial != second {
		t.Errorf("trials = %s %s %s", recs[0].Trial, recs[1].Trial, recs[2].Trial)
	}
	if recs[1].Sequence != 1 {
		t.Errorf("sequence of a new trial = %d, want 1", recs[1].Sequence)
	}
	if h := r.History(); len(h) != 2 {
		t.Errorf("history has %d records, want 2", len(h))
	}
}

func TestFromEnv(t *testing.T) {
	tests := []struct {
		name    string
		enable  string
		wantNil bool
	}{
		{"unset", "", true},
		{"false", "false", true},
		{"garbage", "maybe", true},
		{"true", "true", false},
		{"one", "1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "hpo.jsonl")
			t.Setenv(EnvEnable, tt.enable)
			t.Setenv(EnvReportFile, path)

			r, err := FromEnv()
			if err != nil {
				t.Fatal(err)
			}
			if (r == nil) != tt.wantNil {
				t.Fatalf("FromEnv() = %v, wantNil %v", r, tt.wantNil)
			}
			if r == nil {
				return
			}
			if err := r.ReportIntermediate(1.25); err != nil {
				t.Fatal(err)
			}
			if err := r.Close(); err != nil {
				t.Fatal(err)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			if recs := decode(t, data); len(recs) != 1 || *recs[0].Value != 1.25 {
				t.Errorf("file contents = %s", data)
			}
		})
	}
}
