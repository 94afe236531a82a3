package wickfs

import (
	"context"
	"encoding/json"
	"testing"
)

// fakeExecutor records the last command/stdin it was asked to run and
// plays back a canned response, standing in for a real docker-exec or
// wick-daemon round trip.
type fakeExecutor struct {
	cmd, stdin string
	stdout     string
	exitCode   int
	err        error
}

func (f *fakeExecutor) Run(_ context.Context, command string) (string, int, error) {
	f.cmd = command
	return f.stdout, f.exitCode, f.err
}

func (f *fakeExecutor) RunWithStdin(_ context.Context, command, stdin string) (string, int, error) {
	f.cmd, f.stdin = command, stdin
	return f.stdout, f.exitCode, f.err
}

func envelopeOK(data any) string {
	d, _ := json.Marshal(data)
	out, _ := json.Marshal(WickfsResponse{OK: true, Data: d})
	return string(out)
}

func envelopeErr(msg string) string {
	out, _ := json.Marshal(WickfsResponse{OK: false, Error: msg})
	return string(out)
}

func TestRemoteFSLs(t *testing.T) {
	exec := &fakeExecutor{stdout: envelopeOK([]DirEntry{{Name: "a.txt", Type: "file", Size: 10}})}
	fs := NewRemoteFS(exec)

	entries, err := fs.Ls(context.Background(), "/workspace")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name != "a.txt" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if exec.cmd != "wickfs ls '/workspace'" {
		t.Errorf("unexpected command: %s", exec.cmd)
	}
}

func TestRemoteFSReadFile(t *testing.T) {
	exec := &fakeExecutor{stdout: envelopeOK("hello world")}
	fs := NewRemoteFS(exec)

	content, err := fs.ReadFile(context.Background(), "/workspace/test.txt")
	if err != nil {
		t.Fatal(err)
	}
	if content != "hello world" {
		t.Fatalf("got %q", content)
	}
	if exec.cmd != "wickfs read '/workspace/test.txt'" {
		t.Errorf("unexpected command: %s", exec.cmd)
	}
}

func TestRemoteFSWriteFile(t *testing.T) {
	exec := &fakeExecutor{stdout: envelopeOK(WriteResult{Path: "/workspace/out.txt", BytesWritten: 5})}
	fs := NewRemoteFS(exec)

	result, err := fs.WriteFile(context.Background(), "/workspace/out.txt", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if result.BytesWritten != 5 {
		t.Fatalf("expected 5, got %d", result.BytesWritten)
	}
	if exec.cmd != "wickfs write '/workspace/out.txt'" {
		t.Errorf("unexpected command: %s", exec.cmd)
	}
	if exec.stdin != "hello" {
		t.Errorf("unexpected stdin: %s", exec.stdin)
	}
}

func TestRemoteFSEditFile(t *testing.T) {
	exec := &fakeExecutor{stdout: envelopeOK(EditResult{Path: "/workspace/f.txt", Replacements: 1})}
	fs := NewRemoteFS(exec)

	result, err := fs.EditFile(context.Background(), "/workspace/f.txt", "old", "new")
	if err != nil {
		t.Fatal(err)
	}
	if result.Replacements != 1 {
		t.Fatalf("expected 1, got %d", result.Replacements)
	}
	if exec.cmd != "wickfs edit '/workspace/f.txt'" {
		t.Errorf("unexpected command: %s", exec.cmd)
	}
}

func TestRemoteFSGrep(t *testing.T) {
	exec := &fakeExecutor{stdout: envelopeOK(GrepResult{Matches: []GrepMatch{{File: "a.go", Line: 1, Text: "match"}}})}
	fs := NewRemoteFS(exec)

	result, err := fs.Grep(context.Background(), "match", "/workspace")
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(result.Matches))
	}
	if exec.cmd != "wickfs grep 'match' '/workspace'" {
		t.Errorf("unexpected command: %s", exec.cmd)
	}
}

func TestRemoteFSGlob(t *testing.T) {
	exec := &fakeExecutor{stdout: envelopeOK(GlobResult{Files: []string{"a.go", "b.go"}})}
	fs := NewRemoteFS(exec)

	result, err := fs.Glob(context.Background(), "*.go", "/workspace")
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(result.Files))
	}
	if exec.cmd != "wickfs glob '*.go' '/workspace'" {
		t.Errorf("unexpected command: %s", exec.cmd)
	}
}

func TestRemoteFSExec(t *testing.T) {
	exec := &fakeExecutor{stdout: envelopeOK(ExecResult{Stdout: "hello\n", ExitCode: 0})}
	fs := NewRemoteFS(exec)

	result, err := fs.Exec(context.Background(), "echo hello")
	if err != nil {
		t.Fatal(err)
	}
	if result.Stdout != "hello\n" {
		t.Fatalf("got %q", result.Stdout)
	}
	if exec.cmd != "wickfs exec 'echo hello'" {
		t.Errorf("unexpected command: %s", exec.cmd)
	}
}

func TestRemoteFSErrorEnvelope(t *testing.T) {
	exec := &fakeExecutor{stdout: envelopeErr("file not found")}
	fs := NewRemoteFS(exec)

	_, err := fs.ReadFile(context.Background(), "/missing")
	if err == nil {
		t.Fatal("expected error")
	}
	if err.Error() != "file not found" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestParseWickfsResponseSkipsLeadingNoise(t *testing.T) {
	input := "Warning: something\n" + envelopeOK("data")
	resp, err := ParseWickfsResponse(input)
	if err != nil {
		t.Fatal(err)
	}
	if !resp.OK {
		t.Fatal("expected OK")
	}
}

func TestParseWickfsResponseRejectsGarbage(t *testing.T) {
	if _, err := ParseWickfsResponse("not json at all"); err == nil {
		t.Fatal("expected error")
	}
}

func TestShellQuote(t *testing.T) {
	cases := []struct{ input, want string }{
		{"hello", "'hello'"},
		{"it's", "'it'\\''s'"},
		{"", "''"},
	}
	for _, c := range cases {
		if got := ShellQuote(c.input); got != c.want {
			t.Errorf("ShellQuote(%q) = %q, want %q", c.input, got, c.want)
		}
	}
}
