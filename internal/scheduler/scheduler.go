// Package scheduler runs a queue of candidates with bounded
// parallelism, driving each through a deterministic lifecycle of
// adapter hooks: queue → prepare → run → complete → cleanup, with a
// single finalize at the end.
//
// Three moments are deterministic across candidates: queueing happens
// strictly in input order, readiness notification in preparation order,
// and the returned results are collated back into input order (or the
// adapter's comparator order). Execution order among the in-flight set
// is nondeterministic.
package scheduler

import (
	"context"
	"fmt"
	"slices"
	"sync"

	voratiqerrors "github.com/voratiq/voratiq/internal/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// FailurePolicy decides what an uncaptured execution error does to the
// rest of the competition.
type FailurePolicy string

const (
	// PolicyContinue keeps executing remaining candidates; the first
	// uncaptured error is still returned from Run once everything has
	// drained.
	PolicyContinue FailurePolicy = "continue"

	// PolicyAbort stops admitting new candidates after the first
	// uncaptured error; in-flight candidates drain, cleanup and finalize
	// still run, and the error is returned from Run.
	PolicyAbort FailurePolicy = "abort"
)

// Prepared is the outcome of the adapter's preparation pass: candidates
// ready to execute and fully-formed results for those that failed to
// prepare.
type Prepared[C, R any] struct {
	Ready    []C
	Failures []PreparationFailure[C, R]
}

// PreparationFailure pairs a candidate that failed preparation with the
// result the adapter already formed for it.
type PreparationFailure[C, R any] struct {
	Candidate C
	Result    R
}

// Adapter supplies the per-candidate lifecycle hooks. Every hook may
// suspend on I/O; all receive the run's context.
type Adapter[C, R any] interface {
	// CandidateID returns the stable id used to collate results back
	// into input order.
	CandidateID(candidate C) string

	// QueueCandidate is called once per input, strictly in input order,
	// before any preparation starts.
	QueueCandidate(ctx context.Context, candidate C) error

	// PrepareCandidates is called once with every queued candidate and
	// partitions them into ready entries and preparation failures.
	PrepareCandidates(ctx context.Context, candidates []C) (Prepared[C, R], error)

	// OnPreparationFailure is called once per preparation failure.
	OnPreparationFailure(ctx context.Context, failure PreparationFailure[C, R]) error

	// OnCandidatePrepared is called for each ready candidate, in
	// preparation order.
	OnCandidatePrepared(ctx context.Context, candidate C) error

	// OnCandidateRunning is called when a candidate's execution slot
	// starts.
	OnCandidateRunning(ctx context.Context, candidate C) error

	// ExecuteCandidate runs one candidate to completion.
	ExecuteCandidate(ctx context.Context, candidate C) (R, error)

	// OnCandidateCompleted is called after a successful execution.
	OnCandidateCompleted(ctx context.Context, candidate C, result R) error

	// CleanupPreparedCandidate is called exactly once for every prepared
	// candidate: executed, captured, or never started because of an
	// abort.
	CleanupPreparedCandidate(ctx context.Context, candidate C) error

	// FinalizeCompetition is called exactly once per Run, including on
	// error paths.
	FinalizeCompetition(ctx context.Context) error
}

// FailureCapturer is an optional adapter extension: when implemented,
// execution errors are converted into results instead of being
// propagated, so one bad candidate does not fail the competition.
type FailureCapturer[C, R any] interface {
	CaptureExecutionFailure(ctx context.Context, candidate C, execErr error) (R, error)
}

// ResultSorter is an optional adapter extension supplying a stable
// comparator over the collated results.
type ResultSorter[R any] interface {
	SortResults(a, b R) int
}

// Run drives candidates through the adapter with at most maxParallel
// concurrent executions. The returned slice holds one result per
// candidate that produced one, in input order unless the adapter sorts.
func Run[C, R any](
	ctx context.Context,
	candidates []C,
	maxParallel int,
	policy FailurePolicy,
	adapter Adapter[C, R],
) (results []R, err error) {
	if maxParallel < 1 {
		return nil, voratiqerrors.NewSchedulerError(
			fmt.Sprintf("maxParallel must be at least 1, got %d", maxParallel),
			voratiqerrors.ErrInvalidInput,
		)
	}

	// Finalize runs exactly once, error path included.
	defer func() {
		if finalizeErr := adapter.FinalizeCompetition(ctx); finalizeErr != nil && err == nil {
			err = finalizeErr
		}
	}()

	for _, c := range candidates {
		if qErr := adapter.QueueCandidate(ctx, c); qErr != nil {
			return nil, voratiqerrors.NewSchedulerError("failed to queue candidate", qErr).
				WithCandidateID(adapter.CandidateID(c)).WithPhase("queue")
		}
	}

	prepared, prepErr := adapter.PrepareCandidates(ctx, candidates)
	if prepErr != nil {
		return nil, voratiqerrors.NewSchedulerError("candidate preparation failed", prepErr).WithPhase("prepare")
	}

	resultByID := make(map[string]R, len(candidates))
	var resultMu sync.Mutex

	for _, failure := range prepared.Failures {
		if hookErr := adapter.OnPreparationFailure(ctx, failure); hookErr != nil {
			return nil, voratiqerrors.NewSchedulerError("preparation failure hook failed", hookErr).
				WithCandidateID(adapter.CandidateID(failure.Candidate)).WithPhase("prepare")
		}
		resultByID[adapter.CandidateID(failure.Candidate)] = failure.Result
	}

	for _, c := range prepared.Ready {
		if hookErr := adapter.OnCandidatePrepared(ctx, c); hookErr != nil {
			return nil, voratiqerrors.NewSchedulerError("prepared hook failed", hookErr).
				WithCandidateID(adapter.CandidateID(c)).WithPhase("prepare")
		}
	}

	// Every prepared candidate is cleaned up exactly once, whether it
	// executed, was captured, or never started because of an abort.
	defer func() {
		for _, c := range prepared.Ready {
			if cleanupErr := adapter.CleanupPreparedCandidate(ctx, c); cleanupErr != nil && err == nil {
				err = voratiqerrors.NewSchedulerError("cleanup failed", cleanupErr).
					WithCandidateID(adapter.CandidateID(c)).WithPhase("cleanup")
			}
		}
	}()

	capturer, hasCapturer := adapter.(FailureCapturer[C, R])

	sem := semaphore.NewWeighted(int64(maxParallel))
	var group errgroup.Group
	var abortMu sync.Mutex
	aborted := false

	for _, c := range prepared.Ready {
		if acquireErr := sem.Acquire(ctx, 1); acquireErr != nil {
			break
		}

		abortMu.Lock()
		stop := aborted
		abortMu.Unlock()
		if stop {
			sem.Release(1)
			break
		}

		candidate := c
		group.Go(func() error {
			defer sem.Release(1)

			if hookErr := adapter.OnCandidateRunning(ctx, candidate); hookErr != nil {
				return failExecution(ctx, adapter, capturer, hasCapturer, candidate, hookErr,
					policy, &abortMu, &aborted, &resultMu, resultByID)
			}

			result, execErr := adapter.ExecuteCandidate(ctx, candidate)
			if execErr != nil {
				return failExecution(ctx, adapter, capturer, hasCapturer, candidate, execErr,
					policy, &abortMu, &aborted, &resultMu, resultByID)
			}

			if hookErr := adapter.OnCandidateCompleted(ctx, candidate, result); hookErr != nil {
				return failExecution(ctx, adapter, capturer, hasCapturer, candidate, hookErr,
					policy, &abortMu, &aborted, &resultMu, resultByID)
			}

			resultMu.Lock()
			resultByID[adapter.CandidateID(candidate)] = result
			resultMu.Unlock()
			return nil
		})
	}

	execErr := group.Wait()

	// Collate into input order; candidates that never produced a result
	// (execution aborted before their turn) are simply absent.
	for _, c := range candidates {
		if result, ok := resultByID[adapter.CandidateID(c)]; ok {
			results = append(results, result)
		}
	}

	if sorter, ok := adapter.(ResultSorter[R]); ok {
		slices.SortStableFunc(results, sorter.SortResults)
	}

	if execErr != nil {
		return results, execErr
	}
	return results, nil
}

// failExecution routes an execution error through the capture hook when
// available, otherwise records it for propagation and, under the abort
// policy, stops further admissions.
func failExecution[C, R any](
	ctx context.Context,
	adapter Adapter[C, R],
	capturer FailureCapturer[C, R],
	hasCapturer bool,
	candidate C,
	execErr error,
	policy FailurePolicy,
	abortMu *sync.Mutex,
	aborted *bool,
	resultMu *sync.Mutex,
	resultByID map[string]R,
) error {
	if hasCapturer {
		captured, capErr := capturer.CaptureExecutionFailure(ctx, candidate, execErr)
		if capErr == nil {
			resultMu.Lock()
			resultByID[adapter.CandidateID(candidate)] = captured
			resultMu.Unlock()
			return nil
		}
		execErr = capErr
	}

	if policy == PolicyAbort {
		abortMu.Lock()
		*aborted = true
		abortMu.Unlock()
	}
	return voratiqerrors.NewSchedulerError("candidate execution failed", execErr).
		WithCandidateID(adapter.CandidateID(candidate)).WithPhase("execute")
}
