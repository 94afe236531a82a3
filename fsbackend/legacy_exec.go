package fsbackend

import (
	"context"
	"time"

	"deepagent/backend"
)

// legacyExecAdapter exposes a sandbox-provider backend.Backend (the
// Docker/local command-execution provider) as an Executor capability,
// letting FilesystemBackend delegate "execute" to a real sandbox while
// keeping file operations on the uniform Backend contract.
type legacyExecAdapter struct {
	b backend.Backend
}

// NewLegacyExecAdapter wraps b so it can be attached to a FilesystemBackend
// via WithExecutor.
func NewLegacyExecAdapter(b backend.Backend) Executor {
	return &legacyExecAdapter{b: b}
}

func (a *legacyExecAdapter) Execute(_ context.Context, command, _ string, _ time.Duration) (*ExecResult, error) {
	resp := a.b.Execute(command)
	return &ExecResult{Stdout: resp.Output, ExitCode: resp.ExitCode}, nil
}
