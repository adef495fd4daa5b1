package build

import (
	"sync"
	"time"

	"github.com/forgelet/forgelet/pkg/toolchain"
)

// Record tracks one submitted build. All mutable state is guarded by
// the record's own mutex; readers only ever see committed transitions
// via Snapshot.
type Record struct {
	mu sync.Mutex

	number      uint64
	status      Status
	options     Options
	workDir     string
	logPath     string
	submittedAt time.Time
	startedAt   time.Time
	finishedAt  time.Time
	message     string
	errorDetail string
	exitCode    int

	// handle is non-nil only while status == StatusBuilding.
	handle toolchain.Handle

	// actions records post-build markers by first success time.
	actions map[Action]time.Time
}

// newRecord creates a queued record. The working directory and log file
// must already exist; they live exactly as long as the registry entry.
func newRecord(number uint64, opts Options, workDir, logPath string) *Record {
	return &Record{
		number:      number,
		status:      StatusQueued,
		options:     opts,
		workDir:     workDir,
		logPath:     logPath,
		submittedAt: time.Now().UTC(),
		exitCode:    -1,
		actions:     make(map[Action]time.Time, 2),
	}
}

// Number returns the build number. Immutable.
func (r *Record) Number() uint64 { return r.number }

// WorkDir returns the exclusively owned working directory. Immutable.
func (r *Record) WorkDir() string { return r.workDir }

// LogPath returns the append-only log file path. Immutable.
func (r *Record) LogPath() string { return r.logPath }

// Options returns the validated submission options. Immutable.
func (r *Record) Options() Options {
	return r.options
}

// Status returns the current status.
func (r *Record) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.status
}

// markBuilding transitions a queued record to building. The process
// handle is attached separately once the spawn succeeds.
func (r *Record) markBuilding() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusQueued {
		return
	}

	r.status = StatusBuilding
	r.startedAt = time.Now().UTC()
}

// attachHandle records the in-flight process handle.
func (r *Record) attachHandle(h toolchain.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status == StatusBuilding {
		r.handle = h
	}
}

// Handle returns the in-flight process handle, or nil when the record
// is not building.
func (r *Record) Handle() toolchain.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusBuilding {
		return nil
	}

	return r.handle
}

// markComplete finalizes a successful build. Terminal states are final;
// a record already terminal is left untouched.
func (r *Record) markComplete(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.Terminal() {
		return
	}

	r.status = StatusComplete
	r.message = message
	r.exitCode = 0
	r.finishedAt = time.Now().UTC()
	r.handle = nil
}

// markError finalizes a failed build with a diagnostic detail.
func (r *Record) markError(message, detail string, exitCode int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.Terminal() {
		return
	}

	r.status = StatusError
	r.message = message
	r.errorDetail = detail
	r.exitCode = exitCode
	r.finishedAt = time.Now().UTC()
	r.handle = nil
}

// Annotate records a post-build action marker. Only complete builds may
// be annotated; repeated annotations keep the first success time.
func (r *Record) Annotate(action Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusComplete {
		return ErrBuildNotCompleted
	}

	if _, done := r.actions[action]; !done {
		r.actions[action] = time.Now().UTC()
	}

	return nil
}

// Snapshot is a consistent, immutable view of a record, safe to share
// with concurrent readers and to serialize.
type Snapshot struct {
	Number      uint64               `json:"buildNumber"`
	Status      Status               `json:"status"`
	Options     Options              `json:"options"`
	SubmittedAt time.Time            `json:"submittedAt"`
	StartedAt   *time.Time           `json:"startedAt,omitempty"`
	FinishedAt  *time.Time           `json:"finishedAt,omitempty"`
	Message     string               `json:"message,omitempty"`
	ErrorDetail string               `json:"errorDetail,omitempty"`
	ExitCode    int                  `json:"exitCode"`
	Actions     map[Action]time.Time `json:"actions,omitempty"`
}

// Snapshot returns a committed view of the record.
func (r *Record) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		Number:      r.number,
		Status:      r.status,
		Options:     r.options,
		SubmittedAt: r.submittedAt,
		Message:     r.message,
		ErrorDetail: r.errorDetail,
		ExitCode:    r.exitCode,
	}

	if !r.startedAt.IsZero() {
		t := r.startedAt
		snap.StartedAt = &t
	}

	if !r.finishedAt.IsZero() {
		t := r.finishedAt
		snap.FinishedAt = &t
	}

	if len(r.actions) > 0 {
		snap.Actions = make(map[Action]time.Time, len(r.actions))
		for k, v := range r.actions {
			snap.Actions[k] = v
		}
	}

	return snap
}
