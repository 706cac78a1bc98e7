package watchdog

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/voratiq/voratiq/internal/denial"
	"github.com/voratiq/voratiq/internal/logging"
	"github.com/voratiq/voratiq/internal/supervisor"
)

// Trigger identifies which condition terminated the child.
type Trigger string

const (
	TriggerSilence       Trigger = "silence"
	TriggerWallClock     Trigger = "wall-clock"
	TriggerFatalPattern  Trigger = "fatal-pattern"
	TriggerSandboxDenial Trigger = "sandbox-denial"
)

// String returns the string representation of the trigger.
func (t Trigger) String() string {
	return string(t)
}

// FailFastInfo explains why a sandbox-denial trigger escalated
// termination ahead of normal completion.
type FailFastInfo struct {
	Operation denial.Operation
	Target    string
}

// Config holds the watchdog's timing constants.
type Config struct {
	SilenceTimeout   time.Duration
	WallClockCap     time.Duration
	KillGrace        time.Duration
	HardAbort        time.Duration
	FatalRetryWindow time.Duration

	// DelayDuration is how long the child is paused when the denial
	// tracker classifies a repeated denial as delay.
	DelayDuration time.Duration
}

// DefaultConfig returns the production timing constants.
func DefaultConfig() Config {
	return Config{
		SilenceTimeout:   15 * time.Minute,
		WallClockCap:     120 * time.Minute,
		KillGrace:        5 * time.Second,
		HardAbort:        10 * time.Second,
		FatalRetryWindow: 60 * time.Second,
		DelayDuration:    10 * time.Second,
	}
}

// Terminator is the slice of the supervisor the watchdog holds: group
// termination and the pause/resume pair used around delay decisions.
// The child itself is never observed directly.
type Terminator interface {
	Terminate(pid int, killGrace, hardAbort time.Duration, abort chan<- struct{})
	Pause(pid int)
	Resume(pid int)
}

// processTerminator delegates to the supervisor's process-group
// signaling.
type processTerminator struct{}

func (processTerminator) Terminate(pid int, killGrace, hardAbort time.Duration, abort chan<- struct{}) {
	supervisor.Escalate(pid, killGrace, hardAbort, abort)
}

func (processTerminator) Pause(pid int)  { supervisor.Pause(pid) }
func (processTerminator) Resume(pid int) { supervisor.Resume(pid) }

// Options configures a Watchdog.
type Options struct {
	// ProviderID selects the fatal pattern; providers without a
	// registered pattern never fire fatal-pattern triggers.
	ProviderID string

	// StderrSink receives the trigger banner and SandboxBackoff lines.
	StderrSink io.Writer

	// OnTrigger, if non-nil, is called exactly once when a trigger fires.
	OnTrigger func(trigger Trigger, reason string, failFast *FailFastInfo)

	// Tracker classifies repeated sandbox denials. Nil creates one with
	// default thresholds.
	Tracker *denial.Tracker

	// Terminator overrides process termination, for tests. Nil uses the
	// real supervisor escalation path.
	Terminator Terminator

	// Logger receives watchdog lifecycle events. Nil discards them.
	Logger *logging.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Watchdog supervises one child process. Create with New, arm with
// Start once the pid is known, feed every output chunk to HandleOutput,
// and call Stop on natural child exit.
type Watchdog struct {
	cfg     Config
	opts    Options
	fatal   *regexp.Regexp
	tracker *denial.Tracker
	term    Terminator
	logger  *logging.Logger
	now     func() time.Time

	abort chan struct{}

	mu           sync.Mutex
	pid          int
	silenceTimer *time.Timer
	wallTimer    *time.Timer
	triggered    bool
	trigger      Trigger
	failFast     *FailFastInfo
	reason       string
	lastFatalAt  time.Time
	haveFatalAt  bool
	lineBuf      []byte
}

// New creates a watchdog with the given timing constants and options.
func New(cfg Config, opts Options) *Watchdog {
	w := &Watchdog{
		cfg:     cfg,
		opts:    opts,
		fatal:   FatalPatternFor(opts.ProviderID),
		tracker: opts.Tracker,
		term:    opts.Terminator,
		logger:  opts.Logger,
		now:     opts.Now,
		abort:   make(chan struct{}, 1),
	}
	if w.tracker == nil {
		w.tracker = denial.NewTracker()
	}
	if w.term == nil {
		w.term = processTerminator{}
	}
	if w.logger == nil {
		w.logger = logging.NopLogger()
	}
	if w.now == nil {
		w.now = time.Now
	}
	return w
}

// AbortSignal returns the channel that fires if the hard-abort timer
// expires after SIGKILL. Wire it to the supervisor's AbortSignal so a
// wedged child cannot hold the spawn call open.
func (w *Watchdog) AbortSignal() <-chan struct{} {
	return w.abort
}

// Abort fires the watchdog's abort signal directly, letting an external
// teardown resolve the supervisor's spawn call without waiting for the
// escalation timers. Idempotent.
func (w *Watchdog) Abort() {
	select {
	case w.abort <- struct{}{}:
	default:
	}
}

// Start arms the silence and wall-clock timers against the child with
// the given pid.
func (w *Watchdog) Start(pid int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.triggered {
		return
	}
	w.pid = pid
	w.silenceTimer = time.AfterFunc(w.cfg.SilenceTimeout, func() {
		w.fire(TriggerSilence, fmt.Sprintf("no output for %s", w.cfg.SilenceTimeout), nil)
	})
	w.wallTimer = time.AfterFunc(w.cfg.WallClockCap, func() {
		w.fire(TriggerWallClock, fmt.Sprintf("exceeded wall-clock cap of %s", w.cfg.WallClockCap), nil)
	})
	w.logger.Debug("watchdog armed",
		"pid", pid,
		"silence_timeout", w.cfg.SilenceTimeout.String(),
		"wall_clock_cap", w.cfg.WallClockCap.String(),
	)
}

// Stop clears both timers on natural child exit. Idempotent; a Stop
// after a trigger is a no-op.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.clearTimersLocked()
}

// Trigger returns the trigger that fired, if any.
func (w *Watchdog) Trigger() (Trigger, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.trigger, w.triggered
}

// Reason returns the human-readable reason recorded with the trigger.
func (w *Watchdog) Reason() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reason
}

// FailFast returns the fail-fast descriptor if a sandbox-denial trigger
// fired, else nil.
func (w *Watchdog) FailFast() *FailFastInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failFast
}

// HandleOutput feeds one output chunk (stdout or stderr) to the
// watchdog: the silence timer resets, the fatal-pattern checker and the
// denial tracker see the chunk's complete lines in arrival order.
func (w *Watchdog) HandleOutput(chunk []byte) {
	w.mu.Lock()
	if w.triggered {
		w.mu.Unlock()
		return
	}
	if w.silenceTimer != nil {
		w.silenceTimer.Reset(w.cfg.SilenceTimeout)
	}

	w.lineBuf = append(w.lineBuf, chunk...)
	var lines [][]byte
	for {
		idx := bytes.IndexByte(w.lineBuf, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, w.lineBuf[:idx])
		w.lineBuf = w.lineBuf[idx+1:]
	}
	// A pathological chunk stream with no newlines must not grow the
	// buffer unboundedly; the recognized line formats are short.
	if len(w.lineBuf) > 64*1024 {
		w.lineBuf = w.lineBuf[len(w.lineBuf)-64*1024:]
	}
	w.mu.Unlock()

	for _, line := range lines {
		w.scanLine(line)
	}
}

// scanLine checks one complete output line against the fatal pattern
// and the denial line format.
func (w *Watchdog) scanLine(line []byte) {
	if w.fatal != nil && w.fatal.Match(line) {
		w.noteFatalMatch()
	}
	if m := denialLine.FindSubmatch(line); m != nil {
		w.noteDenial(string(m[1]))
	}
}

// noteFatalMatch records one fatal-pattern occurrence; two within the
// retry window fire the trigger.
func (w *Watchdog) noteFatalMatch() {
	now := w.now()

	w.mu.Lock()
	if w.triggered {
		w.mu.Unlock()
		return
	}
	if w.haveFatalAt && now.Sub(w.lastFatalAt) <= w.cfg.FatalRetryWindow {
		w.mu.Unlock()
		w.fire(TriggerFatalPattern,
			fmt.Sprintf("provider %s fatal pattern matched twice within %s", w.opts.ProviderID, w.cfg.FatalRetryWindow),
			nil)
		return
	}
	w.lastFatalAt = now
	w.haveFatalAt = true
	w.mu.Unlock()
}

// noteDenial classifies one sandbox denial and acts on the decision.
func (w *Watchdog) noteDenial(rawTarget string) {
	event := parseDenialTarget(rawTarget)
	decision := w.tracker.Record(event, w.now())

	switch decision.Action {
	case denial.ActionWarn:
		w.writeSink(fmt.Sprintf("SandboxBackoff: WARN %s\n", decision.Reason))

	case denial.ActionDelay:
		w.writeSink(fmt.Sprintf("SandboxBackoff: DELAY %s\n", decision.Reason))
		w.mu.Lock()
		pid := w.pid
		w.mu.Unlock()
		// Pause the group while the denial storm (hopefully) passes.
		// Runs off the output path so chunk handling stays FIFO.
		go func() {
			w.term.Pause(pid)
			time.Sleep(w.cfg.DelayDuration)
			w.term.Resume(pid)
		}()

	case denial.ActionFailFast:
		w.writeSink(fmt.Sprintf("SandboxBackoff: ERROR %s\n", decision.Reason))
		w.fire(TriggerSandboxDenial, decision.Reason, &FailFastInfo{
			Operation: event.Operation,
			Target:    event.Target,
		})
	}
}

// fire transitions active → triggered. First trigger wins; later calls
// are no-ops.
func (w *Watchdog) fire(trigger Trigger, reason string, failFast *FailFastInfo) {
	w.mu.Lock()
	if w.triggered {
		w.mu.Unlock()
		return
	}
	w.triggered = true
	w.trigger = trigger
	w.reason = reason
	w.failFast = failFast
	w.clearTimersLocked()
	pid := w.pid
	w.mu.Unlock()

	w.writeSink(fmt.Sprintf("\n[WATCHDOG: %s] %s\n", strings.ToUpper(string(trigger)), reason))
	w.logger.Warn("watchdog triggered",
		"trigger", trigger.String(),
		"reason", reason,
		"pid", pid,
	)

	if w.opts.OnTrigger != nil {
		w.opts.OnTrigger(trigger, reason, failFast)
	}

	go w.term.Terminate(pid, w.cfg.KillGrace, w.cfg.HardAbort, w.abort)
}

func (w *Watchdog) clearTimersLocked() {
	if w.silenceTimer != nil {
		w.silenceTimer.Stop()
		w.silenceTimer = nil
	}
	if w.wallTimer != nil {
		w.wallTimer.Stop()
		w.wallTimer = nil
	}
}

func (w *Watchdog) writeSink(line string) {
	if w.opts.StderrSink != nil {
		_, _ = io.WriteString(w.opts.StderrSink, line)
	}
}

// hostPort matches network denial targets such as registry.npmjs.org:443.
var hostPort = regexp.MustCompile(`^[\w.-]+:\d+$`)

// parseDenialTarget derives the denial event from the rule target. The
// sandbox emits host:port for network rules and paths for file rules;
// file targets may carry a leading "read " or "write " qualifier.
func parseDenialTarget(target string) denial.Event {
	target = strings.TrimSpace(target)

	if rest, ok := strings.CutPrefix(target, "read "); ok {
		return denial.Event{Operation: denial.OperationFileRead, Target: strings.TrimSpace(rest)}
	}
	if rest, ok := strings.CutPrefix(target, "write "); ok {
		return denial.Event{Operation: denial.OperationFileWrite, Target: strings.TrimSpace(rest)}
	}
	if hostPort.MatchString(target) {
		return denial.Event{Operation: denial.OperationNetworkConnect, Target: target}
	}
	return denial.Event{Operation: denial.OperationFileRead, Target: target}
}
