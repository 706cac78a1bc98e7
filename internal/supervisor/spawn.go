package supervisor

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	voratiqerrors "github.com/voratiq/voratiq/internal/errors"
	"golang.org/x/sys/unix"
)

// Spawn starts command with args in cwd, piping stdout/stderr to the
// caller-supplied sinks while also invoking opts.OnData
// for every chunk. It blocks until the child exits naturally or
// opts.AbortSignal fires.
func Spawn(ctx context.Context, opts SpawnOptions) (*Result, error) {
	cmd := exec.CommandContext(ctx, opts.Command, opts.Args...)
	cmd.Dir = opts.Cwd
	if opts.Env != nil {
		cmd.Env = opts.Env
	}
	// On ctx cancellation the child process itself (not its group) gets
	// SIGKILL, and Spawn returns its exit result as for a natural exit,
	// with Aborted false. Group termination goes through Escalate.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGKILL)
	}

	if opts.Detached {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, voratiqerrors.NewSupervisorError("failed to create stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, voratiqerrors.NewSupervisorError("failed to create stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, voratiqerrors.NewSupervisorError("failed to spawn process", voratiqerrors.Join(voratiqerrors.ErrSpawnFailed, err))
	}
	if opts.OnSpawn != nil {
		opts.OnSpawn(cmd.Process.Pid)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go pipeOutput(&wg, stdout, opts.Stdout, opts.OnData)
	go pipeOutput(&wg, stderr, opts.Stderr, opts.OnData)

	waitDone := make(chan error, 1)
	// Wait closes the pipes once the child exits, so it runs only after
	// both readers have reached EOF.
	go func() {
		wg.Wait()
		waitDone <- cmd.Wait()
	}()

	select {
	case <-abortChan(opts.AbortSignal):
		// Unpipe immediately without waiting for stream finalization so
		// upstream termination is bounded even if the child hangs on I/O.
		return &Result{ExitCode: 1, Signal: "SIGKILL", Aborted: true}, nil

	case waitErr := <-waitDone:
		wg.Wait()
		return exitResult(waitErr), nil
	}
}

func abortChan(sig <-chan struct{}) <-chan struct{} {
	if sig == nil {
		// Never fires; the select still resolves via waitDone.
		return make(chan struct{})
	}
	return sig
}

func pipeOutput(wg *sync.WaitGroup, src io.Reader, sink io.Writer, onData func([]byte)) {
	defer wg.Done()

	buf := make([]byte, 64*1024)
	reader := bufio.NewReaderSize(src, 64*1024)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if sink != nil {
				sink.Write(chunk)
			}
			if onData != nil {
				onData(chunk)
			}
		}
		if err != nil {
			return
		}
	}
}

func exitResult(waitErr error) *Result {
	if waitErr == nil {
		return &Result{ExitCode: 0}
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return &Result{ExitCode: 1, Signal: unix.SignalName(unix.Signal(status.Signal()))}
			}
			return &Result{ExitCode: status.ExitStatus()}
		}
		return &Result{ExitCode: exitErr.ExitCode()}
	}

	return &Result{ExitCode: 1}
}

// KillGroup signals pid's process group with sig by targeting the negative
// pid. If the group kill fails (e.g., the child already exited), it
// retries a single-process kill and swallows subsequent errors.
func KillGroup(pid int, sig syscall.Signal) {
	if pid <= 0 {
		return
	}
	if err := unix.Kill(-pid, sig); err != nil {
		_ = unix.Kill(pid, sig)
	}
}

// processAlive reports whether pid still exists, using kill(pid, 0).
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
