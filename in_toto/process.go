package in_toto

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"syscall"
	"time"
)

/*
runResult carries everything a recorded link's byproducts are built from:
the captured stdout/stderr and the process's exit status (0 on success, or
a best-effort code on failure).
*/
type runResult struct {
	Stdout     string
	Stderr     string
	ReturnCode int
}

/*
runCommand executes cmd[0] with cmd[1:] as arguments, bounded by timeout.
Both stdout and stderr are captured in full (not just teed for display),
using one goroutine per pipe so neither stream's buffering can deadlock the
other. If timeout elapses before the command exits, the process is killed
and a *TimeoutError is returned.
*/
func runCommand(ctx context.Context, cmd []string, timeout time.Duration) (runResult, error) {
	if len(cmd) == 0 {
		return runResult{}, errors.New("command must not be empty")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	proc := exec.CommandContext(runCtx, cmd[0], cmd[1:]...)
	proc.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	proc.Cancel = func() error {
		// Kill the whole process group, not just cmd[0]; a recorded step's
		// command is free to fork children that would otherwise survive it.
		return syscall.Kill(-proc.Process.Pid, syscall.SIGKILL)
	}

	stdoutPipe, err := proc.StdoutPipe()
	if err != nil {
		return runResult{}, err
	}
	stderrPipe, err := proc.StderrPipe()
	if err != nil {
		return runResult{}, err
	}

	if err := proc.Start(); err != nil {
		return runResult{}, err
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	done := make(chan struct{}, 2)

	go func() {
		io.Copy(&stdoutBuf, stdoutPipe)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(&stderrBuf, stderrPipe)
		done <- struct{}{}
	}()
	<-done
	<-done

	waitErr := proc.Wait()

	if runCtx.Err() == context.DeadlineExceeded {
		return runResult{}, &TimeoutError{Command: cmd, Timeout: timeout.String()}
	}

	returnCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			returnCode = exitErr.ExitCode()
		} else {
			return runResult{}, waitErr
		}
	}

	return runResult{
		Stdout:     stdoutBuf.String(),
		Stderr:     stderrBuf.String(),
		ReturnCode: returnCode,
	}, nil
}
