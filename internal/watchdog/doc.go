// Package watchdog supervises one child process's output stream and
// lifetime on behalf of the process supervisor.
//
// A watchdog lives for the duration of one child. While active it keeps
// two timers live: a silence timer reset by every output chunk, and a
// wall-clock timer that is never reset. Output chunks additionally feed
// a provider-specific fatal-pattern checker and the sandbox denial
// backoff tracker. The first of the four triggers (silence, wall-clock,
// fatal-pattern, sandbox-denial) wins; all later ones are ignored.
//
// On trigger the watchdog clears its timers, writes a one-line banner
// to the stderr sink, notifies the owner, and delegates termination to
// the supervisor's escalation path. If the child survives SIGKILL past
// the hard-abort timer, the watchdog's abort signal fires, letting the
// supervisor resolve its spawn call without waiting on the child.
package watchdog
