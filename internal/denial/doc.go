// Package denial implements the per-target denial backoff classifier
// (C4): a windowed counter over sandbox-denial events that escalates
// repeated denials of the same (operation,target) pair from none to
// warn, delay, and finally fail-fast.
//
// The core types are:
//
//   - [Tracker]: the per-(operation,target) counter and classification rules
//   - [Decision]: the output of classifying one event: none, warn, delay, or fail-fast
//
// # Usage
//
//	tracker := denial.NewTracker()
//	decision := tracker.Record(denial.Event{
//	    Operation: denial.OperationNetworkConnect,
//	    Target:    "registry.npmjs.org:443",
//	}, time.Now())
//
//	switch decision.Action {
//	case denial.ActionWarn, denial.ActionDelay:
//	    fmt.Fprintf(stderr, "SandboxBackoff: %s %s\n", strings.ToUpper(string(decision.Action)), decision.Reason)
//	case denial.ActionFailFast:
//	    watchdog.Trigger(TriggerSandboxDenial, decision.Reason)
//	}
//
// # Thread Safety
//
// Tracker is safe for concurrent use.
package denial
