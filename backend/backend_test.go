package backend

import (
	"os"
	"path/filepath"
	"testing"

	"deepagent/wickfs"
)

func TestLocalBackendFS(t *testing.T) {
	b := NewLocalBackend(t.TempDir(), 30, 10_000)

	fs := b.FS()
	if fs == nil {
		t.Fatal("FS() returned nil")
	}
	if _, ok := fs.(*wickfs.LocalFS); !ok {
		t.Fatalf("expected *wickfs.LocalFS, got %T", fs)
	}
}

func TestLocalBackendID(t *testing.T) {
	b := NewLocalBackend(t.TempDir(), 30, 10_000)
	if got := b.ID(); got != "local" {
		t.Fatalf("expected \"local\", got %q", got)
	}
}

func TestLocalBackendStartsWithNoContainerState(t *testing.T) {
	b := NewLocalBackend(t.TempDir(), 30, 10_000)
	if b.ContainerStatus() != "" {
		t.Fatalf("expected empty status, got %q", b.ContainerStatus())
	}
	if b.ContainerError() != "" {
		t.Fatalf("expected empty error, got %q", b.ContainerError())
	}
}

func TestLocalBackendExecute(t *testing.T) {
	b := NewLocalBackend(t.TempDir(), 30, 10_000)

	t.Run("succeeds and captures stdout", func(t *testing.T) {
		resp := b.Execute("echo hello")
		if resp.ExitCode != 0 {
			t.Fatalf("expected exit 0, got %d: %s", resp.ExitCode, resp.Output)
		}
		if resp.Output != "hello\n" {
			t.Fatalf("expected \"hello\\n\", got %q", resp.Output)
		}
	})

	t.Run("rejects an empty command", func(t *testing.T) {
		resp := b.Execute("")
		if resp.ExitCode != 1 {
			t.Fatalf("expected exit 1, got %d", resp.ExitCode)
		}
	})
}

func TestLocalBackendResolvePath(t *testing.T) {
	dir := t.TempDir()
	b := NewLocalBackend(dir, 30, 10_000)

	t.Run("relative path joins under root", func(t *testing.T) {
		resolved, err := b.ResolvePath("foo/bar.txt")
		if err != nil {
			t.Fatal(err)
		}
		if want := filepath.Join(dir, "foo/bar.txt"); resolved != want {
			t.Fatalf("expected %q, got %q", want, resolved)
		}
	})

	t.Run("escaping the root is rejected", func(t *testing.T) {
		if _, err := b.ResolvePath("../../etc/passwd"); err == nil {
			t.Fatal("expected error for path escape")
		}
	})

	t.Run("empty path resolves to root", func(t *testing.T) {
		resolved, err := b.ResolvePath("")
		if err != nil {
			t.Fatal(err)
		}
		if resolved != dir {
			t.Fatalf("expected %q, got %q", dir, resolved)
		}
	})
}

func TestLocalBackendUploadAndDownloadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	b := NewLocalBackend(dir, 30, 10_000)

	uploaded := b.UploadFiles([]FileUpload{{Path: "test.txt", Content: []byte("hello")}})
	if len(uploaded) != 1 || uploaded[0].Error != "" {
		t.Fatalf("upload failed: %+v", uploaded)
	}

	onDisk, err := os.ReadFile(filepath.Join(dir, "test.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(onDisk) != "hello" {
		t.Fatalf("expected \"hello\" on disk, got %q", string(onDisk))
	}

	downloaded := b.DownloadFiles([]string{"test.txt"})
	if len(downloaded) != 1 || downloaded[0].Error != "" {
		t.Fatalf("download failed: %+v", downloaded)
	}
	if string(downloaded[0].Content) != "hello" {
		t.Fatalf("expected \"hello\", got %q", string(downloaded[0].Content))
	}
}

func TestDockerBackendFS(t *testing.T) {
	db := NewDockerBackend("test-container", "/workspace", 30, 10_000, "", "", "testuser")
	fs := db.FS()
	if fs == nil {
		t.Fatal("FS() returned nil")
	}
	if _, ok := fs.(*wickfs.RemoteFS); !ok {
		t.Fatalf("expected *wickfs.RemoteFS, got %T", fs)
	}
}

func TestDockerBackendImplementsContainerManager(t *testing.T) {
	db := NewDockerBackend("test-container", "/workspace", 30, 10_000, "", "", "testuser")
	var _ ContainerManager = db
}

func TestDockerBackendAppliesDefaults(t *testing.T) {
	db := NewDockerBackend("", "", 0, 0, "", "", "user")
	if db.containerName != "wick-skills-sandbox" {
		t.Errorf("expected default container name, got %q", db.containerName)
	}
	if db.workdir != "/workspace" {
		t.Errorf("expected /workspace, got %q", db.workdir)
	}
	if db.image != "wick-sandbox" {
		t.Errorf("expected wick-sandbox, got %q", db.image)
	}
}
