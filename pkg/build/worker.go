package build

import (
	"context"
	"fmt"

	"github.com/forgelet/forgelet/pkg/history"
	"github.com/forgelet/forgelet/pkg/storage"
	"github.com/forgelet/forgelet/pkg/toolchain"
	"github.com/forgelet/forgelet/pkg/upload"
	"github.com/sirupsen/logrus"
)

// Worker executes exactly one record's toolchain invocation to
// completion, streaming output into the build log and reporting the
// terminal state on the record. Builds are never retried: re-running a
// native build against shared SDK state is not safe without user
// intervention.
type Worker interface {
	Run(ctx context.Context, rec *Record)
}

// WorkerConfig names the toolchain build command. The record's options
// are appended to the fixed argument vector.
type WorkerConfig struct {
	Command string
	Args    []string
}

// NewWorker creates a worker. History and uploader are optional; when
// present, terminal builds are persisted and completed artifacts
// uploaded, both best-effort.
func NewWorker(
	log logrus.FieldLogger,
	cfg *WorkerConfig,
	runner toolchain.Runner,
	store storage.Store,
	hist history.Store,
	uploader upload.Uploader,
) Worker {
	return &worker{
		log:      log.WithField("component", "worker"),
		cfg:      cfg,
		runner:   runner,
		store:    store,
		history:  hist,
		uploader: uploader,
	}
}

type worker struct {
	log      logrus.FieldLogger
	cfg      *WorkerConfig
	runner   toolchain.Runner
	store    storage.Store
	history  history.Store
	uploader upload.Uploader
}

// Ensure interface compliance.
var _ Worker = (*worker)(nil)

// Run drives the record from queued to a terminal state.
func (w *worker) Run(ctx context.Context, rec *Record) {
	log := w.log.WithField("build", rec.Number())

	rec.markBuilding()
	log.WithField("platform", rec.Options().Platform).Info("Build started")

	logFile, err := w.store.OpenLog(rec.Number())
	if err != nil {
		rec.markError("failed to open build log", err.Error(), -1)
		w.finalize(ctx, rec)

		return
	}

	defer func() { _ = logFile.Close() }()

	opts := rec.Options()

	args := make([]string, 0, len(w.cfg.Args)+len(opts.Flags)+8)
	args = append(args, w.cfg.Args...)
	args = append(args, opts.Args()...)

	inv := &toolchain.Invocation{
		Command: w.cfg.Command,
		Args:    args,
		Dir:     rec.WorkDir(),
		Env:     opts.EnvList(),
		Stdout:  logFile,
		Stderr:  logFile,
	}

	handle, err := w.runner.Start(ctx, inv)
	if err != nil {
		// Spawn failures (executable missing, container image absent)
		// are terminal errors like any other toolchain failure.
		fmt.Fprintf(logFile, "forgelet: %v\n", err)
		rec.markError("toolchain failed to start", err.Error(), -1)
		w.finalize(ctx, rec)

		log.WithError(err).Error("Toolchain spawn failed")

		return
	}

	rec.attachHandle(handle)

	code, err := handle.Wait(ctx)

	switch {
	case err != nil:
		// Exit status unknown; treated identically to a crash.
		fmt.Fprintf(logFile, "forgelet: %v\n", err)
		rec.markError("toolchain terminated unexpectedly", err.Error(), -1)

		log.WithError(err).Error("Build failed")
	case code != 0:
		detail := fmt.Sprintf("toolchain exited with code %d", code)
		rec.markError("build failed", detail, code)

		log.WithField("exit_code", code).Warn("Build failed")
	default:
		rec.markComplete("build completed")

		log.Info("Build completed")
	}

	w.finalize(ctx, rec)
}

// finalize persists the terminal record and uploads artifacts of
// successful builds. Both are best-effort side channels.
func (w *worker) finalize(ctx context.Context, rec *Record) {
	snap := rec.Snapshot()

	if w.history != nil {
		if err := w.history.RecordBuild(ctx, toHistoryRecord(&snap)); err != nil {
			w.log.WithError(err).
				WithField("build", snap.Number).
				Warn("Failed to persist build history")
		}
	}

	if w.uploader != nil && snap.Status == StatusComplete {
		name := fmt.Sprintf("%d", snap.Number)
		if err := w.uploader.Upload(ctx, rec.WorkDir(), name); err != nil {
			w.log.WithError(err).
				WithField("build", snap.Number).
				Warn("Failed to upload build artifacts")
		}
	}
}

// toHistoryRecord converts a snapshot into its persisted form.
func toHistoryRecord(snap *Snapshot) *history.BuildRecord {
	rec := &history.BuildRecord{
		BuildNumber:   snap.Number,
		Platform:      snap.Options.Platform,
		Configuration: snap.Options.Configuration,
		Target:        snap.Options.Target,
		Status:        snap.Status.String(),
		Message:       snap.Message,
		ErrorDetail:   snap.ErrorDetail,
		ExitCode:      snap.ExitCode,
		SubmittedAt:   snap.SubmittedAt,
		StartedAt:     snap.StartedAt,
		FinishedAt:    snap.FinishedAt,
	}

	if snap.StartedAt != nil && snap.FinishedAt != nil {
		rec.DurationMS = snap.FinishedAt.Sub(*snap.StartedAt).Milliseconds()
	}

	return rec
}
