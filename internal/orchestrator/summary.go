package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"klinevault/internal/checkpoint"

	"gopkg.in/yaml.v3"
)

// PairResult 是单个 pair 在本次运行中的结果。
type PairResult struct {
	Pair        string           `yaml:"pair" json:"pair"`
	State       checkpoint.State `yaml:"state" json:"state"`
	Stage       string           `yaml:"stage,omitempty" json:"stage,omitempty"`
	Reason      string           `yaml:"reason,omitempty" json:"reason,omitempty"`
	Kind        string           `yaml:"kind,omitempty" json:"kind,omitempty"`
	Bars        int              `yaml:"bars" json:"bars"`
	Coverage    float64          `yaml:"coverage" json:"coverage"`
	Backfilled  int64            `yaml:"backfilled,omitempty" json:"backfilled,omitempty"`
	Missing     int64            `yaml:"missing,omitempty" json:"missing,omitempty"`
	Anomalies   int              `yaml:"anomalies,omitempty" json:"anomalies,omitempty"`
	Persisted   string           `yaml:"persisted,omitempty" json:"persisted,omitempty"`
	Interrupted bool             `yaml:"interrupted,omitempty" json:"interrupted,omitempty"`
	Duration    time.Duration    `yaml:"duration" json:"duration"`
}

// Summary aggregates one run. Failures exclude partial pairs, which are listed separately.
type Summary struct {
	RunID       int64        `yaml:"run_id" json:"run_id"`
	TraceID     string       `yaml:"trace_id" json:"trace_id"`
	StartedAt   time.Time    `yaml:"started_at" json:"started_at"`
	FinishedAt  time.Time    `yaml:"finished_at" json:"finished_at"`
	Pairs       int          `yaml:"pairs" json:"pairs"`
	Completed   int          `yaml:"completed" json:"completed"`
	Failed      int          `yaml:"failed" json:"failed"`
	Partial     int          `yaml:"partial" json:"partial"`
	Skipped     int          `yaml:"skipped" json:"skipped"`
	Interrupted int          `yaml:"interrupted" json:"interrupted"`
	Failures    []PairResult `yaml:"failures,omitempty" json:"failures,omitempty"`
	Partials    []PairResult `yaml:"partials,omitempty" json:"partials,omitempty"`
	Results     []PairResult `yaml:"results,omitempty" json:"results,omitempty"`
}

// OK reports a run where every pair ended completed.
func (s Summary) OK() bool {
	return s.Failed == 0 && s.Partial == 0 && s.Interrupted == 0
}

func (s *Summary) add(r PairResult) {
	s.Results = append(s.Results, r)
	switch {
	case r.Interrupted:
		s.Interrupted++
	case r.State == checkpoint.StateCompleted:
		s.Completed++
	case r.Kind == checkpoint.KindPartial:
		s.Partial++
		s.Partials = append(s.Partials, r)
	default:
		s.Failed++
		s.Failures = append(s.Failures, r)
	}
}

func (s *Summary) sortResults() {
	for _, list := range [][]PairResult{s.Results, s.Failures, s.Partials} {
		sort.Slice(list, func(i, j int) bool { return list[i].Pair < list[j].Pair })
	}
}

// Line is the one-line log form.
func (s Summary) Line() string {
	return fmt.Sprintf("run %d: %d pairs, %d completed, %d failed, %d partial, %d skipped, %d interrupted",
		s.RunID, s.Pairs, s.Completed, s.Failed, s.Partial, s.Skipped, s.Interrupted)
}

// WriteFile stores the summary as YAML under dir and returns the path.
func (s Summary) WriteFile(dir string) (string, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("summary-%d.yaml", s.RunID))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	return path, os.Rename(tmp, path)
}
