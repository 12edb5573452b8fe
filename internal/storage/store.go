package storage

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"
)

// ErrRunClosed indicates a write to a finished run.
var ErrRunClosed = errors.New("storage: run already closed")

var cyclesHeader = []string{"year", "evaluated", "changed", "built", "processed", "errors", "duration_ms"}

type Store struct {
	baseDir string
}

func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

func (s *Store) Init() error {
	return os.MkdirAll(s.baseDir, 0755)
}

type RunMetadata struct {
	ID         string    `json:"id"`
	Preset     string    `json:"preset,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Finished   time.Time `json:"finished,omitempty"`
	Seed       int64     `json:"seed"`
	Years      int       `json:"years"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	BatchSize  int       `json:"batch_size"`
	MaxBatches int       `json:"max_batches"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	// Metrics holds run totals such as evaluated and changed cells.
	Metrics map[string]float64 `json:"metrics"`
}

// CycleStats is one row of cycles.csv.
type CycleStats struct {
	Year      int
	Evaluated int
	Changed   int
	Built     int
	Processed int
	Errors    int
	Duration  time.Duration
}

func (c CycleStats) record() []string {
	return []string{
		strconv.Itoa(c.Year),
		strconv.Itoa(c.Evaluated),
		strconv.Itoa(c.Changed),
		strconv.Itoa(c.Built),
		strconv.Itoa(c.Processed),
		strconv.Itoa(c.Errors),
		strconv.FormatFloat(float64(c.Duration)/float64(time.Millisecond), 'f', 3, 64),
	}
}

// Run is an open run directory. Cycle rows are flushed as they are appended,
// so a crashed run still leaves its completed years on disk.
type Run struct {
	dir    string
	meta   RunMetadata
	file   *os.File
	w      *csv.Writer
	closed bool
}

// Create starts a new run directory and writes its metadata with status
// "running".
func (s *Store) Create(meta RunMetadata) (*Run, error) {
	if meta.ID == "" {
		meta.ID = fmt.Sprintf("svd_%d", time.Now().UnixNano())
	}
	if meta.Timestamp.IsZero() {
		meta.Timestamp = time.Now()
	}
	meta.Status = "running"

	dir := filepath.Join(s.baseDir, meta.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	if err := writeMetadata(dir, meta); err != nil {
		return nil, err
	}

	f, err := os.Create(filepath.Join(dir, "cycles.csv"))
	if err != nil {
		return nil, err
	}
	w := csv.NewWriter(f)
	if err := w.Write(cyclesHeader); err != nil {
		f.Close()
		return nil, err
	}
	w.Flush()
	return &Run{dir: dir, meta: meta, file: f, w: w}, w.Error()
}

func (r *Run) ID() string  { return r.meta.ID }
func (r *Run) Dir() string { return r.dir }

func (r *Run) Append(c CycleStats) error {
	if r.closed {
		return ErrRunClosed
	}
	if err := r.w.Write(c.record()); err != nil {
		return err
	}
	r.w.Flush()
	return r.w.Error()
}

// Close finishes the run. A non-nil runErr marks it failed.
func (r *Run) Close(metrics map[string]float64, runErr error) error {
	if r.closed {
		return ErrRunClosed
	}
	r.closed = true
	r.w.Flush()
	if err := r.file.Close(); err != nil {
		return err
	}
	r.meta.Finished = time.Now()
	r.meta.Metrics = metrics
	r.meta.Status = "done"
	if runErr != nil {
		r.meta.Status = "failed"
		r.meta.Error = runErr.Error()
	}
	return writeMetadata(r.dir, r.meta)
}

func writeMetadata(dir string, meta RunMetadata) error {
	f, err := os.Create(filepath.Join(dir, "metadata.json"))
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(meta)
}

// List returns the metadata of every run, oldest first. Directories without
// readable metadata are skipped.
func (s *Store) List() ([]RunMetadata, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunMetadata{}, nil
		}
		return nil, err
	}

	runs := make([]RunMetadata, 0)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := s.Load(entry.Name())
		if err != nil {
			continue
		}
		runs = append(runs, *meta)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Timestamp.Before(runs[j].Timestamp) })
	return runs, nil
}

func (s *Store) Load(runID string) (*RunMetadata, error) {
	data, err := os.ReadFile(filepath.Join(s.baseDir, runID, "metadata.json"))
	if err != nil {
		return nil, err
	}

	var meta RunMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (s *Store) LoadCycles(runID string) ([]CycleStats, error) {
	file, err := os.Open(filepath.Join(s.baseDir, runID, "cycles.csv"))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.FieldsPerRecord = len(cyclesHeader)
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 2 {
		return []CycleStats{}, nil
	}

	out := make([]CycleStats, 0, len(records)-1)
	for i, rec := range records[1:] {
		var c CycleStats
		ints := []*int{&c.Year, &c.Evaluated, &c.Changed, &c.Built, &c.Processed, &c.Errors}
		for j, dst := range ints {
			v, err := strconv.Atoi(rec[j])
			if err != nil {
				return nil, fmt.Errorf("cycles.csv line %d: %s: %w", i+2, cyclesHeader[j], err)
			}
			*dst = v
		}
		ms, err := strconv.ParseFloat(rec[len(ints)], 64)
		if err != nil {
			return nil, fmt.Errorf("cycles.csv line %d: duration_ms: %w", i+2, err)
		}
		c.Duration = msToDuration(ms)
		out = append(out, c)
	}
	return out, nil
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
