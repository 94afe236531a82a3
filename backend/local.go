package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"deepagent/pathfs"
	"deepagent/wickfs"
)

const (
	defaultTimeoutSeconds = 120
	defaultMaxOutputBytes = 100_000
)

// LocalBackend runs sandbox commands directly on the host via "sh -c",
// and reads/writes files directly on the host filesystem. It's the
// no-Docker path for local development, and requires the wickfs binary
// on the host (or reachable via WICKFS_BIN / PATH) for the filesystem
// tool operations that shell out to it.
type LocalBackend struct {
	workdir        string
	timeout        time.Duration
	maxOutputBytes int
	wickfsBinDir   string
}

// NewLocalBackend builds a LocalBackend rooted at workdir, defaulting
// workdir to the process's CWD, timeout to 120s, and maxOutputBytes to
// 100,000 when zero.
func NewLocalBackend(workdir string, timeoutSeconds float64, maxOutputBytes int) *LocalBackend {
	if workdir == "" {
		if cwd, err := os.Getwd(); err == nil {
			workdir = cwd
		} else {
			workdir = "/tmp/wick-workspace"
		}
	}
	if abs, err := filepath.Abs(workdir); err == nil {
		workdir = abs
	}
	if timeoutSeconds == 0 {
		timeoutSeconds = defaultTimeoutSeconds
	}
	if maxOutputBytes == 0 {
		maxOutputBytes = defaultMaxOutputBytes
	}
	os.MkdirAll(workdir, 0o755)

	var binDir string
	if bin := locateWickfsBinary(); bin != "" {
		binDir = filepath.Dir(bin)
	}

	return &LocalBackend{
		workdir:        workdir,
		timeout:        time.Duration(timeoutSeconds) * time.Second,
		maxOutputBytes: maxOutputBytes,
		wickfsBinDir:   binDir,
	}
}

// locateWickfsBinary searches, in order: WICKFS_BIN, next to this
// process's own executable, ./bin/wickfs, then $PATH.
func locateWickfsBinary() string {
	if v := os.Getenv("WICKFS_BIN"); v != "" {
		if _, err := os.Stat(v); err == nil {
			return v
		}
	}
	if exe, err := os.Executable(); err == nil {
		if candidate := filepath.Join(filepath.Dir(exe), "wickfs"); fileExists(candidate) {
			return candidate
		}
	}
	if fileExists("bin/wickfs") {
		abs, _ := filepath.Abs("bin/wickfs")
		return abs
	}
	if p, err := exec.LookPath("wickfs"); err == nil {
		return p
	}
	return ""
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (b *LocalBackend) ID() string      { return "local" }
func (b *LocalBackend) Workdir() string { return b.workdir }

// ResolvePath maps a path relative to (or absolute within) the
// backend's workdir onto an absolute host path, rejecting attempts to
// escape it via "..".
func (b *LocalBackend) ResolvePath(path string) (string, error) {
	return resolvePath(b.workdir, path)
}

func (b *LocalBackend) TerminalCmd() []string { return []string{"sh"} }

// FS returns the direct-syscall FileSystem implementation — a
// LocalBackend never needs RemoteFS's command-string wire protocol
// since it already runs in-process.
func (b *LocalBackend) FS() wickfs.FileSystem { return wickfs.NewLocalFS() }

// ContainerStatus is always "": a LocalBackend has no container
// lifecycle to report.
func (b *LocalBackend) ContainerStatus() string { return "" }

// ContainerError is always empty for the same reason.
func (b *LocalBackend) ContainerError() string { return "" }

func (b *LocalBackend) configureCmd(cmd *exec.Cmd) {
	cmd.Dir = b.workdir
	if b.wickfsBinDir != "" {
		cmd.Env = append(os.Environ(), "PATH="+b.wickfsBinDir+":"+os.Getenv("PATH"))
	}
}

// Execute runs command on the host via "sh -c".
func (b *LocalBackend) Execute(command string) ExecuteResponse {
	return b.run(command, nil)
}

// ExecuteWithStdin runs command on the host with stdin piped in — used
// for the wickfs write/edit subcommands, which take their payload over
// stdin rather than as a command-line argument.
func (b *LocalBackend) ExecuteWithStdin(command string, stdin io.Reader) ExecuteResponse {
	return b.run(command, stdin)
}

func (b *LocalBackend) run(command string, stdin io.Reader) ExecuteResponse {
	if command == "" {
		return ExecuteResponse{Output: "Error: Command must be a non-empty string.", ExitCode: 1}
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	b.configureCmd(cmd)
	if stdin != nil {
		cmd.Stdin = stdin
	}

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return b.toResponse(stdout.String(), stderr.String(), err, ctx)
}

// toResponse merges stdout/stderr into one output blob (stderr lines
// prefixed so a caller can tell them apart), applies the truncation
// limit, and maps a timed-out or errored command to the right exit code.
func (b *LocalBackend) toResponse(stdout, stderr string, err error, ctx context.Context) ExecuteResponse {
	var lines []string
	if stdout != "" {
		lines = append(lines, stdout)
	}
	if stderr != "" {
		for _, line := range strings.Split(strings.TrimSpace(stderr), "\n") {
			lines = append(lines, "[stderr] "+line)
		}
	}

	output := "<no output>"
	if len(lines) > 0 {
		output = strings.Join(lines, "\n")
	}

	truncated := false
	if len(output) > b.maxOutputBytes {
		output = output[:b.maxOutputBytes] + fmt.Sprintf("\n\n... Output truncated at %d bytes.", b.maxOutputBytes)
		truncated = true
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errorsAsExitError(err, &exitErr):
			exitCode = exitErr.ExitCode()
		case ctx.Err() != nil:
			return ExecuteResponse{
				Output:   fmt.Sprintf("Error: Command timed out after %.1f seconds.", b.timeout.Seconds()),
				ExitCode: 124,
			}
		default:
			return ExecuteResponse{Output: "Error executing command: " + err.Error(), ExitCode: 1}
		}
	}

	if exitCode != 0 {
		output = strings.TrimRight(output, "\n") + fmt.Sprintf("\n\nExit code: %d", exitCode)
	}

	return ExecuteResponse{Output: output, ExitCode: exitCode, Truncated: truncated}
}

func errorsAsExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// UploadFiles writes each file directly to the host filesystem beneath
// the backend's workdir, creating parent directories as needed.
func (b *LocalBackend) UploadFiles(files []FileUpload) []FileUploadResponse {
	out := make([]FileUploadResponse, len(files))
	for i, f := range files {
		resolved, err := b.ResolvePath(f.Path)
		if err != nil {
			out[i] = FileUploadResponse{Path: f.Path, Error: err.Error()}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
			out[i] = FileUploadResponse{Path: resolved, Error: err.Error()}
			continue
		}
		if err := os.WriteFile(resolved, f.Content, 0o666); err != nil {
			out[i] = FileUploadResponse{Path: resolved, Error: "permission_denied"}
			continue
		}
		out[i] = FileUploadResponse{Path: resolved}
	}
	return out
}

// DownloadFiles reads each file directly from the host filesystem.
func (b *LocalBackend) DownloadFiles(paths []string) []FileDownloadResponse {
	out := make([]FileDownloadResponse, len(paths))
	for i, p := range paths {
		resolved, err := b.ResolvePath(p)
		if err != nil {
			out[i] = FileDownloadResponse{Path: p, Error: err.Error()}
			continue
		}
		content, err := os.ReadFile(resolved)
		if err != nil {
			out[i] = FileDownloadResponse{Path: resolved, Error: "file_not_found"}
			continue
		}
		out[i] = FileDownloadResponse{Path: resolved, Content: content}
	}
	return out
}

// resolvePath maps path onto an absolute location beneath root, shared
// by LocalBackend and DockerBackend so both sandbox providers reject
// "../" escapes the same way fsbackend.FilesystemBackend does for the
// harness's own virtual filesystem.
func resolvePath(root, path string) (string, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return pathfs.SafeJoin(root, path)
}
