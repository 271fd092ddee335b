// Package checkpoint keeps the durable per-pair progress record that lets an interrupted
// batch resume without redoing completed pairs.
package checkpoint

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"klinevault/internal/logger"
)

const (
	journalName = "checkpoint.jsonl"
	seqName     = "run.seq"
)

type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in-progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// KindPartial marks a failed pair whose records were sound but incomplete.
const KindPartial = "partial"

// Status 是某个 pair 的最新进度记录。
type Status struct {
	Pair      string    `json:"pair"`
	State     State     `json:"state"`
	Stage     string    `json:"stage,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	RunID     int64     `json:"run_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Checkpoint is an append-only JSONL journal; the last line for a pair wins. Records are
// only ever appended, so keys are never rewritten or reordered. Safe for concurrent use.
type Checkpoint struct {
	mu      sync.Mutex
	dir     string
	runID   int64
	entries map[string]Status
	order   []string
	current map[string]struct{} // pairs of this run's job, nil until Register
	file    *os.File
	now     func() time.Time
}

// Open loads the journal under dir (or starts empty) and claims the next run id.
// Pairs left in-progress by an interrupted run are treated as pending.
func Open(dir string) (*Checkpoint, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	c := &Checkpoint{
		dir:     dir,
		entries: make(map[string]Status),
		now:     time.Now,
	}
	runID, err := nextRunID(filepath.Join(dir, seqName))
	if err != nil {
		return nil, err
	}
	c.runID = runID

	path := c.Path()
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}
	c.load(data)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint: %w", err)
	}
	// a crash mid-append can leave a line without its newline
	if len(data) > 0 && data[len(data)-1] != '\n' {
		if _, err := f.Write([]byte{'\n'}); err != nil {
			f.Close()
			return nil, err
		}
	}
	c.file = f
	return c, nil
}

func (c *Checkpoint) load(data []byte) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var st Status
		if err := json.Unmarshal(raw, &st); err != nil || st.Pair == "" {
			logger.Warnf("[checkpoint] skipping unreadable line %d", line)
			continue
		}
		if _, seen := c.entries[st.Pair]; !seen {
			c.order = append(c.order, st.Pair)
		}
		c.entries[st.Pair] = st
	}
	resumed := 0
	for k, st := range c.entries {
		if st.State == StateInProgress {
			st.State = StatePending
			c.entries[k] = st
			resumed++
		}
	}
	if len(c.entries) > 0 {
		logger.Infof("[checkpoint] loaded %d pairs (%d interrupted → pending)", len(c.entries), resumed)
	}
}

func nextRunID(path string) (int64, error) {
	var prev int64
	if data, err := os.ReadFile(path); err == nil {
		prev, _ = strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	} else if !errors.Is(err, os.ErrNotExist) {
		return 0, err
	}
	next := prev + 1
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(next, 10)+"\n"), 0o644); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, err
	}
	return next, nil
}

// Path is the journal file location.
func (c *Checkpoint) Path() string { return filepath.Join(c.dir, journalName) }

// RunID is the monotonic identifier of this run.
func (c *Checkpoint) RunID() int64 { return c.runID }

// SetClock overrides the timestamp source.
func (c *Checkpoint) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now != nil {
		c.now = now
	}
}

// Get returns the latest status for pair.
func (c *Checkpoint) Get(pair string) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.entries[pair]
	return st, ok
}

// Register appends a pending record for every pair the journal has not seen yet and
// scopes AllCompleted to exactly these pairs.
func (c *Checkpoint) Register(pairs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = make(map[string]struct{}, len(pairs))
	for _, p := range pairs {
		c.current[p] = struct{}{}
		if _, ok := c.entries[p]; ok {
			continue
		}
		if err := c.appendLocked(Status{Pair: p, State: StatePending}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Checkpoint) MarkInProgress(pair string) error {
	return c.set(Status{Pair: pair, State: StateInProgress})
}

func (c *Checkpoint) MarkCompleted(pair string) error {
	return c.set(Status{Pair: pair, State: StateCompleted})
}

// MarkFailed records the stage that failed and why; kind distinguishes partial coverage.
func (c *Checkpoint) MarkFailed(pair, stage, reason, kind string) error {
	return c.set(Status{Pair: pair, State: StateFailed, Stage: stage, Reason: reason, Kind: kind})
}

func (c *Checkpoint) set(st Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appendLocked(st)
}

func (c *Checkpoint) appendLocked(st Status) error {
	if c.file == nil {
		return errors.New("checkpoint closed")
	}
	st.RunID = c.runID
	st.UpdatedAt = c.now().UTC()
	line, err := json.Marshal(st)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	if _, err := c.file.Write(line); err != nil {
		return fmt.Errorf("appending checkpoint: %w", err)
	}
	if err := c.file.Sync(); err != nil {
		return fmt.Errorf("fsync checkpoint: %w", err)
	}
	if _, seen := c.entries[st.Pair]; !seen {
		c.order = append(c.order, st.Pair)
	}
	c.entries[st.Pair] = st
	return nil
}

// Snapshot returns every pair's latest status in first-seen order.
func (c *Checkpoint) Snapshot() []Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Status, 0, len(c.order))
	for _, k := range c.order {
		out = append(out, c.entries[k])
	}
	return out
}

// Counts tallies pairs per state.
func (c *Checkpoint) Counts() map[State]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[State]int, 4)
	for _, st := range c.entries {
		out[st.State]++
	}
	return out
}

// AllCompleted reports whether every registered pair is completed. Pairs journaled by
// earlier runs but dropped from the job do not count. Before Register it looks at every
// known pair.
func (c *Checkpoint) AllCompleted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		if len(c.entries) == 0 {
			return false
		}
		for _, st := range c.entries {
			if st.State != StateCompleted {
				return false
			}
		}
		return true
	}
	if len(c.current) == 0 {
		return false
	}
	for p := range c.current {
		if st, ok := c.entries[p]; !ok || st.State != StateCompleted {
			return false
		}
	}
	return true
}

// Remove closes and deletes the journal. The run counter is kept.
func (c *Checkpoint) Remove() error {
	if err := c.Close(); err != nil {
		return err
	}
	if err := os.Remove(c.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (c *Checkpoint) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	return err
}
