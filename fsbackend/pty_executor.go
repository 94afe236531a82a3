package fsbackend

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"time"

	"github.com/creack/pty"
)

// PTYExecutor runs commands through a real pseudo-terminal instead of a
// plain pipe, so interactive or curses-style commands invoked by the
// agent behave the way they would in a real shell session.
type PTYExecutor struct {
	Cwd string
}

// NewPTYExecutor creates an Executor that runs commands under a PTY.
func NewPTYExecutor(cwd string) *PTYExecutor {
	return &PTYExecutor{Cwd: cwd}
}

func (e *PTYExecutor) Execute(ctx context.Context, command, cwd string, timeout time.Duration) (*ExecResult, error) {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	if cwd != "" {
		cmd.Dir = cwd
	} else if e.Cwd != "" {
		cmd.Dir = e.Cwd
	}

	f, err := pty.Start(cmd)
	if err != nil {
		return nil, newBackendError(IOError, err.Error())
	}
	defer f.Close()

	var out bytes.Buffer
	done := make(chan struct{})
	go func() {
		io.Copy(&out, f)
		close(done)
	}()

	waitErr := cmd.Wait()
	<-done

	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if runCtx.Err() != nil {
			return nil, newBackendError(IOError, "command timed out")
		} else {
			return nil, newBackendError(IOError, waitErr.Error())
		}
	}

	// A PTY multiplexes stdout/stderr onto one stream; there is no
	// separate stderr capture available from the slave side.
	return &ExecResult{Stdout: out.String(), ExitCode: exitCode}, nil
}
