package model

import (
	"context"
	"log/slog"

	"github.com/SVDmodel/SVD-sub000/internal/cycle"
	"github.com/SVDmodel/SVD-sub000/internal/storage"
)

// Recording is an Observer that persists every year to a run directory and,
// when a recorder is set, to SQLite. Write errors are logged and the first
// one is kept for Err.
type Recording struct {
	run      *storage.Run
	recorder *storage.Recorder
	logger   *slog.Logger
	err      error
}

func NewRecording(run *storage.Run, recorder *storage.Recorder, logger *slog.Logger) *Recording {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recording{run: run, recorder: recorder, logger: logger}
}

func (r *Recording) OnCycle(rep cycle.Report) {
	stats := Stats(rep)
	if err := r.run.Append(stats); err != nil {
		r.fail("append cycle", err)
	}
	if r.recorder == nil {
		return
	}
	ctx := context.Background()
	if err := r.recorder.RecordCycle(ctx, r.run.ID(), stats); err != nil {
		r.fail("record cycle", err)
	}
	if err := r.recorder.RecordTransitions(ctx, r.run.ID(), rep.Audit); err != nil {
		r.fail("record transitions", err)
	}
}

func (r *Recording) fail(what string, err error) {
	r.logger.Error(what, slog.String("run", r.run.ID()), slog.String("error", err.Error()))
	if r.err == nil {
		r.err = err
	}
}

func (r *Recording) Err() error { return r.err }

// Stats converts a cycle report into a storage row.
func Stats(rep cycle.Report) storage.CycleStats {
	return storage.CycleStats{
		Year:      rep.Year,
		Evaluated: rep.Evaluated,
		Changed:   rep.Changed,
		Built:     rep.Built,
		Processed: rep.Processed,
		Errors:    rep.Errors,
		Duration:  rep.Duration,
	}
}
