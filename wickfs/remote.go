package wickfs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Executor runs a command against whatever's backing a RemoteFS —
// docker exec, a wick-daemon connection, anything that can take a
// shell command string and hand back stdout/exit code.
type Executor interface {
	Run(ctx context.Context, command string) (stdout string, exitCode int, err error)
	RunWithStdin(ctx context.Context, command, stdin string) (stdout string, exitCode int, err error)
}

// RemoteFS implements FileSystem by shelling "wickfs <verb>" commands
// out through an Executor and decoding the JSON envelope each prints
// to stdout.
type RemoteFS struct {
	exec Executor
}

// NewRemoteFS builds a RemoteFS dispatching through exec.
func NewRemoteFS(exec Executor) *RemoteFS {
	return &RemoteFS{exec: exec}
}

// call runs a wickfs subcommand (optionally with stdin), parses its
// envelope, and unmarshals the "data" field into out. A nil out skips
// the unmarshal for commands with no payload.
func (fs *RemoteFS) call(ctx context.Context, cmd, stdin string, out any) error {
	var (
		raw string
		err error
	)
	if stdin != "" {
		raw, _, err = fs.exec.RunWithStdin(ctx, cmd, stdin)
	} else {
		raw, _, err = fs.exec.Run(ctx, cmd)
	}
	if err != nil {
		return err
	}

	resp, err := ParseWickfsResponse(raw)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("%s", resp.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("parse wickfs response data: %w", err)
	}
	return nil
}

func (fs *RemoteFS) Ls(ctx context.Context, path string) ([]DirEntry, error) {
	var entries []DirEntry
	if err := fs.call(ctx, "wickfs ls "+shellQuote(path), "", &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (fs *RemoteFS) ReadFile(ctx context.Context, path string) (string, error) {
	var content string
	if err := fs.call(ctx, "wickfs read "+shellQuote(path), "", &content); err != nil {
		return "", err
	}
	return content, nil
}

func (fs *RemoteFS) WriteFile(ctx context.Context, path, content string) (*WriteResult, error) {
	var result WriteResult
	if err := fs.call(ctx, "wickfs write "+shellQuote(path), content, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (fs *RemoteFS) EditFile(ctx context.Context, path, oldText, newText string) (*EditResult, error) {
	var result EditResult
	stdin := marshalEditInput(oldText, newText)
	if err := fs.call(ctx, "wickfs edit "+shellQuote(path), stdin, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (fs *RemoteFS) Grep(ctx context.Context, pattern, path string) (*GrepResult, error) {
	var result GrepResult
	cmd := "wickfs grep " + shellQuote(pattern) + " " + shellQuote(path)
	if err := fs.call(ctx, cmd, "", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (fs *RemoteFS) Glob(ctx context.Context, pattern, path string) (*GlobResult, error) {
	var result GlobResult
	cmd := "wickfs glob " + shellQuote(pattern) + " " + shellQuote(path)
	if err := fs.call(ctx, cmd, "", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (fs *RemoteFS) Exec(ctx context.Context, command string) (*ExecResult, error) {
	var result ExecResult
	if err := fs.call(ctx, "wickfs exec "+shellQuote(command), "", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ShellQuote exposes the same POSIX single-quote escaping RemoteFS uses
// internally, for callers building their own wickfs command lines.
func ShellQuote(s string) string {
	return shellQuote(s)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// WickfsResponse is the {ok, data, error} envelope every wickfs
// subcommand prints to stdout.
type WickfsResponse struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

// ParseWickfsResponse decodes output into its envelope, tolerating
// stray stderr or log lines mixed in ahead of the JSON by falling back
// to scanning for the first line that starts with '{'.
func ParseWickfsResponse(output string) (WickfsResponse, error) {
	output = strings.TrimSpace(output)

	var resp WickfsResponse
	if err := json.Unmarshal([]byte(output), &resp); err == nil {
		return resp, nil
	}

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line[0] != '{' {
			continue
		}
		if err := json.Unmarshal([]byte(line), &resp); err == nil {
			return resp, nil
		}
	}

	return resp, fmt.Errorf("parse wickfs response (raw: %s)", clip(output, 200))
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
