// Package abort tears down an in-flight run or review on an OS-level
// termination request: terminate every registered child, mark records
// aborted, force-flush, and release staged resources.
//
// The registry is a process-scoped singleton with explicit register and
// clear so a one-shot invocation has at most one active run; tests use
// their own Registry instances via New.
package abort

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/voratiq/voratiq/internal/logging"
	"github.com/voratiq/voratiq/internal/recordstore"
	"github.com/voratiq/voratiq/internal/supervisor"
)

// Fixed detail strings recorded on candidates settled by an abort.
const (
	RunAbortDetail    = "Run aborted before agent completed."
	ReviewAbortDetail = "Review aborted before reviewer completed."
)

const (
	defaultKillGrace = 5 * time.Second
	defaultHardAbort = 10 * time.Second
)

type childHandle struct {
	agentID string
	pid     int
	abort   func()
}

type activeRun struct {
	id       string
	children map[string]childHandle
	finalize func() error
	release  func()
}

// Registry holds the process's at-most-one active run and its in-flight
// children.
type Registry struct {
	mu          sync.Mutex
	active      *activeRun
	terminating bool
	killGrace   time.Duration
	hardAbort   time.Duration
	logger      *logging.Logger
}

// New creates an isolated registry, primarily for tests.
func New() *Registry {
	return &Registry{
		killGrace: defaultKillGrace,
		hardAbort: defaultHardAbort,
		logger:    logging.NopLogger(),
	}
}

var defaultRegistry = New()

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}

// SetLogger attaches a logger.
func (r *Registry) SetLogger(logger *logging.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// SetTimeouts overrides the escalation timing, for tests.
func (r *Registry) SetTimeouts(killGrace, hardAbort time.Duration) {
	r.killGrace = killGrace
	r.hardAbort = hardAbort
}

// Register records the active run. The finalize callback rewrites the
// run's records to aborted and flushes; release tears down credentials
// and sandbox directories. Registering over an existing active run
// replaces it.
func (r *Registry) Register(id string, finalize func() error, release func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = &activeRun{
		id:       id,
		children: make(map[string]childHandle),
		finalize: finalize,
		release:  release,
	}
	r.terminating = false
}

// Clear drops the active-run registration without tearing anything
// down; the run completed on its own.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = nil
}

// Reset restores the registry to its initial state, for tests.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = nil
	r.terminating = false
}

// Terminating reports whether an abort is in progress or completed for
// the current registration.
func (r *Registry) Terminating() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminating
}

// RegisterChild tracks one spawned child of the active run. The
// returned deregister removes it on natural exit. Children registered
// while no run is active are ignored.
func (r *Registry) RegisterChild(agentID string, pid int, abort func()) (deregister func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return func() {}
	}

	r.active.children[agentID] = childHandle{agentID: agentID, pid: pid, abort: abort}

	active := r.active
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.active == active {
			delete(active.children, agentID)
		}
	}
}

// Abort performs the best-effort teardown. Idempotent: only the first
// call for a registration acts; with no active run it does nothing.
func (r *Registry) Abort() {
	r.mu.Lock()
	if r.active == nil || r.terminating {
		r.mu.Unlock()
		return
	}
	r.terminating = true
	active := r.active
	children := make([]childHandle, 0, len(active.children))
	for _, c := range active.children {
		children = append(children, c)
	}
	r.mu.Unlock()

	r.logger.Warn("aborting run", "run_id", active.id, "children", len(children))

	// Terminate every in-flight child; each escalation is bounded by
	// killGrace + hardAbort, and firing the abort callback afterwards
	// unblocks the supervisor even if the child would not die.
	var wg sync.WaitGroup
	for _, child := range children {
		wg.Add(1)
		go func(c childHandle) {
			defer wg.Done()
			ch := make(chan struct{}, 1)
			supervisor.Escalate(c.pid, r.killGrace, r.hardAbort, ch)
			if c.abort != nil {
				c.abort()
			}
		}(child)
	}
	wg.Wait()

	if active.finalize != nil {
		if err := active.finalize(); err != nil {
			r.logger.Error("abort finalize failed", "run_id", active.id, "error", err.Error())
		}
	}
	if active.release != nil {
		active.release()
	}

	r.mu.Lock()
	if r.active == active {
		r.active = nil
	}
	r.mu.Unlock()
}

// HandleSignals installs a handler that aborts the active run when one
// of the given signals arrives (SIGINT and SIGTERM when none are
// specified). The returned stop function uninstalls it.
func (r *Registry) HandleSignals(sigs ...os.Signal) (stop func()) {
	if len(sigs) == 0 {
		sigs = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	go func() {
		for range ch {
			r.Abort()
		}
	}()
	return func() {
		signal.Stop(ch)
		close(ch)
	}
}

// FinalizeRunAborted settles a run record: status aborted, every
// non-terminal agent aborted with the fixed detail string. The terminal
// rewrite force-flushes through the store.
func FinalizeRunAborted(store *recordstore.Store[*recordstore.RunRecord], runID string) error {
	now := time.Now().UTC()
	_, err := store.Rewrite(runID, func(r *recordstore.RunRecord) *recordstore.RunRecord {
		if r.Status.IsTerminal(recordstore.DomainRuns) {
			return r
		}
		r.Status = recordstore.StatusAborted
		for i := range r.Agents {
			agent := &r.Agents[i]
			if agent.Status.IsAgentTerminal() {
				continue
			}
			agent.Status = recordstore.StatusAborted
			agent.ErrorMessage = RunAbortDetail
			agent.CompletedAt = &now
			if agent.StartedAt == nil {
				agent.StartedAt = &now
			}
		}
		return r
	})
	return err
}

// FinalizeReviewAborted settles a review record the same way.
func FinalizeReviewAborted(store *recordstore.Store[*recordstore.ReviewRecord], reviewID string) error {
	now := time.Now().UTC()
	_, err := store.Rewrite(reviewID, func(r *recordstore.ReviewRecord) *recordstore.ReviewRecord {
		if r.Status.IsTerminal(recordstore.DomainReviews) {
			return r
		}
		r.Status = recordstore.StatusAborted
		for i := range r.Reviewers {
			reviewer := &r.Reviewers[i]
			if reviewer.Status.IsAgentTerminal() {
				continue
			}
			reviewer.Status = recordstore.StatusAborted
			reviewer.ErrorMessage = ReviewAbortDetail
			reviewer.CompletedAt = &now
			if reviewer.StartedAt == nil {
				reviewer.StartedAt = &now
			}
		}
		return r
	})
	return err
}
