package backend

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"deepagent/wickfs"
)

// DockerBackend runs commands inside a Docker container. When a
// wick-daemon is reachable inside the container it dispatches over a
// persistent TCP/Unix connection (no per-call docker-exec overhead);
// otherwise it shells out to "docker exec" directly.
type DockerBackend struct {
	containerName  string
	workdir        string
	timeout        time.Duration
	maxOutputBytes int
	dockerHost     string
	image          string
	username       string

	mu              sync.Mutex
	containerStatus string // idle | launching | launched | error
	containerError  string
	cancelLaunch    context.CancelFunc
	hasWickfs       bool
	hasDaemon       bool

	remoteFS     *wickfs.RemoteFS // docker-exec fallback path
	daemonClient *DaemonClient    // nil until EnsureDaemon succeeds
	daemonFS     *wickfs.RemoteFS // daemon-backed fast path
}

// NewDockerBackend builds a container-backed Backend, defaulting an
// empty containerName/workdir/image to "wick-skills-sandbox",
// "/workspace", and "wick-sandbox" respectively.
func NewDockerBackend(containerName, workdir string, timeoutSeconds float64, maxOutputBytes int, dockerHost, image, username string) *DockerBackend {
	if containerName == "" {
		containerName = "wick-skills-sandbox"
	}
	if workdir == "" {
		workdir = "/workspace"
	}
	if timeoutSeconds == 0 {
		timeoutSeconds = defaultTimeoutSeconds
	}
	if maxOutputBytes == 0 {
		maxOutputBytes = defaultMaxOutputBytes
	}
	if image == "" {
		image = "wick-sandbox"
	}

	db := &DockerBackend{
		containerName:   containerName,
		workdir:         workdir,
		timeout:         time.Duration(timeoutSeconds) * time.Second,
		maxOutputBytes:  maxOutputBytes,
		dockerHost:      dockerHost,
		image:           image,
		username:        username,
		containerStatus: "idle",
	}
	db.remoteFS = wickfs.NewRemoteFS(&dockerExecExecutor{backend: db})
	return db
}

// dockerExecExecutor adapts DockerBackend to wickfs.Executor for
// RemoteFS's docker-exec fallback path.
type dockerExecExecutor struct {
	backend *DockerBackend
}

func (e *dockerExecExecutor) Run(_ context.Context, command string) (string, int, error) {
	resp := e.backend.Execute(command)
	return resp.Output, resp.ExitCode, nil
}

func (e *dockerExecExecutor) RunWithStdin(_ context.Context, command, stdin string) (string, int, error) {
	resp := e.backend.ExecuteWithStdin(command, strings.NewReader(stdin))
	return resp.Output, resp.ExitCode, nil
}

func (b *DockerBackend) ID() string      { return b.containerName }
func (b *DockerBackend) Workdir() string { return b.workdir }

func (b *DockerBackend) ResolvePath(path string) (string, error) {
	return resolvePath(b.workdir, path)
}

func (b *DockerBackend) TerminalCmd() []string {
	return b.dockerArgs("exec", "-i",
		"-e", "TERM=xterm-256color",
		"-w", b.workdir,
		b.containerName,
		"sh",
	)
}

// FS returns the daemon-backed FileSystem when the fast path is
// connected, falling back to the docker-exec-based one otherwise.
func (b *DockerBackend) FS() wickfs.FileSystem {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.daemonFS != nil {
		return b.daemonFS
	}
	return b.remoteFS
}

func (b *DockerBackend) ContainerStatus() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.containerStatus
}

func (b *DockerBackend) ContainerError() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.containerError
}

// SetContainerStatus lets an external launch coordinator (e.g. a pool
// that pre-warms containers) report status without going through
// LaunchContainerAsync itself.
func (b *DockerBackend) SetContainerStatus(status, errMsg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.containerStatus = status
	b.containerError = errMsg
}

func (b *DockerBackend) dockerArgs(args ...string) []string {
	cmd := []string{"docker"}
	if b.dockerHost != "" {
		cmd = append(cmd, "-H", b.dockerHost)
	}
	return append(cmd, args...)
}

func (b *DockerBackend) runDocker(args ...string) ([]byte, error) {
	full := b.dockerArgs(args...)
	return exec.Command(full[0], full[1:]...).CombinedOutput()
}

// EnsureContainer confirms the sandbox container is running, launching
// it fresh (wick-daemon as entrypoint when the image provides it,
// otherwise "sleep infinity" so a shell can still exec into it) if not.
func (b *DockerBackend) EnsureContainer() error {
	retries := 1
	if v, ok := os.LookupEnv("SANDBOX_HEALTH_RETRIES"); ok {
		if n, err := parsePositiveInt(v); err == nil {
			retries = n
		}
	}

	for attempt := 1; attempt <= retries; attempt++ {
		out, err := b.runDocker("inspect", "--format", "{{.State.Running}}", b.containerName)
		if err == nil && strings.Contains(strings.ToLower(string(out)), "true") {
			log.Printf("sandbox container %q is running", b.containerName)
			return nil
		}
		if attempt < retries {
			time.Sleep(2 * time.Second)
		}
	}

	target := b.dockerHost
	if target == "" {
		target = "local daemon"
	}
	log.Printf("launching sandbox container %q on %s", b.containerName, target)

	b.runDocker("rm", "-f", b.containerName)

	out, err := b.runDocker("run", "-d",
		"--name", b.containerName,
		"-w", b.workdir,
		b.image,
		"sh", "-c",
		"if command -v wick-daemon >/dev/null 2>&1; then exec wick-daemon; else exec sleep infinity; fi",
	)
	if err != nil {
		return fmt.Errorf("launch container: %s: %w", string(out), err)
	}
	log.Printf("sandbox container %q launched on %s", b.containerName, target)
	return nil
}

func parsePositiveInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid positive int %q", s)
	}
	return n, nil
}

// LaunchContainerAsync starts (or connects to) the sandbox container in
// the background, trying the wick-daemon fast path first and falling
// back to injecting the wickfs CLI for a docker-exec path, reporting
// status transitions through onStatus.
func (b *DockerBackend) LaunchContainerAsync(onStatus func(status, username string)) {
	ctx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.cancelLaunch = cancel
	b.containerStatus = "launching"
	b.containerError = ""
	b.mu.Unlock()

	if onStatus != nil {
		onStatus("container_status", b.username)
	}

	go func() {
		defer cancel()

		select {
		case <-ctx.Done():
			b.mu.Lock()
			b.containerStatus = "idle"
			b.mu.Unlock()
			return
		default:
		}

		err := b.EnsureContainer()
		if err == nil {
			if daemonErr := b.EnsureDaemon(); daemonErr != nil {
				log.Printf("wick-daemon unavailable: %v, falling back to docker exec", daemonErr)
				if wickfsErr := b.EnsureWickfs(); wickfsErr != nil {
					log.Printf("wickfs also unavailable: %v, container limited to raw shell", wickfsErr)
				}
			}
		}

		b.mu.Lock()
		if err != nil {
			b.containerStatus = "error"
			b.containerError = err.Error()
		} else {
			b.containerStatus = "launched"
		}
		b.mu.Unlock()

		if onStatus != nil {
			onStatus("container_status", b.username)
		}
	}()
}

// CancelLaunch aborts an in-flight LaunchContainerAsync call, if any.
func (b *DockerBackend) CancelLaunch() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancelLaunch != nil {
		b.cancelLaunch()
		b.cancelLaunch = nil
	}
}

// StopContainer closes any daemon connection, then stops and removes
// the container.
func (b *DockerBackend) StopContainer() {
	b.mu.Lock()
	if b.daemonClient != nil {
		b.daemonClient.Close()
		b.daemonClient = nil
		b.daemonFS = nil
		b.hasDaemon = false
	}
	b.mu.Unlock()

	b.runDocker("rm", "-f", b.containerName)

	b.mu.Lock()
	b.containerStatus = "idle"
	b.containerError = ""
	b.mu.Unlock()
}

// awaitReady blocks until the container is launched, launching it
// on-demand from "idle" or polling for up to 60s from "launching".
func (b *DockerBackend) awaitReady() error {
	b.mu.Lock()
	status := b.containerStatus
	b.mu.Unlock()

	switch status {
	case "launched":
		return nil
	case "idle":
		if err := b.EnsureContainer(); err != nil {
			return err
		}
		b.mu.Lock()
		b.containerStatus = "launched"
		b.mu.Unlock()
		return nil
	case "launching":
		for i := 0; i < 120; i++ {
			time.Sleep(500 * time.Millisecond)
			b.mu.Lock()
			s := b.containerStatus
			b.mu.Unlock()
			if s == "launched" {
				return nil
			}
			if s == "error" || s == "idle" {
				break
			}
		}
	}

	b.mu.Lock()
	errMsg := b.containerError
	b.mu.Unlock()
	return fmt.Errorf("container not available (status: %s). %s", status, errMsg)
}

// Execute runs command inside the container, over the daemon
// connection when one is live, otherwise via "docker exec".
func (b *DockerBackend) Execute(command string) ExecuteResponse {
	return b.execute(command, nil)
}

// ExecuteWithStdin is Execute with stdin piped into the command.
func (b *DockerBackend) ExecuteWithStdin(command string, stdin io.Reader) ExecuteResponse {
	return b.execute(command, stdin)
}

func (b *DockerBackend) execute(command string, stdin io.Reader) ExecuteResponse {
	if command == "" {
		return ExecuteResponse{Output: "Error: Command must be a non-empty string.", ExitCode: 1}
	}
	if err := b.awaitReady(); err != nil {
		return ExecuteResponse{Output: "Error: " + err.Error(), ExitCode: 1}
	}

	if client := b.liveDaemonClient(); client != nil {
		var stdinStr string
		if stdin != nil {
			b, _ := io.ReadAll(stdin)
			stdinStr = string(b)
		}
		return b.executeViaDaemon(client, command, stdinStr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	args := []string{"exec"}
	if stdin != nil {
		args = append(args, "-i")
	}
	args = append(args, "-w", b.workdir, b.containerName, "sh", "-c", command)
	full := b.dockerArgs(args...)
	cmd := exec.CommandContext(ctx, full[0], full[1:]...)
	cmd.Stdin = stdin

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	return b.assembleResponse(stdout.String(), stderr.String(), err, ctx)
}

// assembleResponse builds an ExecuteResponse from raw stdout/stderr,
// keeping stdout as the primary channel and only mixing in stderr when
// stdout is empty or the command failed — otherwise structured JSON
// output from wickfs would get stderr noise appended.
func (b *DockerBackend) assembleResponse(stdout, stderr string, err error, ctx context.Context) ExecuteResponse {
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if ctx.Err() != nil {
			return ExecuteResponse{
				Output:   fmt.Sprintf("Error: Command timed out after %.1f seconds.", b.timeout.Seconds()),
				ExitCode: 124,
			}
		} else {
			return ExecuteResponse{Output: "Error executing command in container: " + err.Error(), ExitCode: 1}
		}
	}

	output := combineStreams(stdout, stderr, exitCode)
	if stderr != "" && exitCode == 0 && stdout != "" {
		log.Printf("[docker-exec] stderr suppressed from output: %s", strings.TrimSpace(stderr))
	}

	truncated := false
	if len(output) > b.maxOutputBytes {
		output = output[:b.maxOutputBytes] + fmt.Sprintf("\n\n... Output truncated at %d bytes.", b.maxOutputBytes)
		truncated = true
	}
	if exitCode != 0 {
		output = strings.TrimRight(output, "\n") + fmt.Sprintf("\n\nExit code: %d", exitCode)
	}

	return ExecuteResponse{Output: output, ExitCode: exitCode, Truncated: truncated}
}

func combineStreams(stdout, stderr string, exitCode int) string {
	switch {
	case stdout == "" && stderr != "":
		return valueOrPlaceholder(stderr)
	case exitCode != 0 && stderr != "":
		return strings.TrimRight(stdout, "\n") + "\n" + stderr
	default:
		return valueOrPlaceholder(stdout)
	}
}

func valueOrPlaceholder(s string) string {
	if s == "" {
		return "<no output>"
	}
	return s
}

// HasWickfs reports whether the wickfs CLI is confirmed present inside
// the container (either pre-baked into the image or injected).
func (b *DockerBackend) HasWickfs() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hasWickfs
}

// EnsureWickfs probes for a pre-baked wickfs binary, injecting one from
// the host via "docker cp" when the image doesn't already have it.
func (b *DockerBackend) EnsureWickfs() error {
	if out, err := b.runDocker("exec", b.containerName, "wickfs", "ls", "/"); err == nil && strings.Contains(string(out), `"ok"`) {
		log.Printf("wickfs already present in container %q", b.containerName)
		b.mu.Lock()
		b.hasWickfs = true
		b.mu.Unlock()
		return nil
	}
	return b.injectWickfs()
}

func (b *DockerBackend) injectWickfs() error {
	bin := locateHostBinary("WICKFS_BIN", "/usr/local/bin/wickfs", "wickfs", "wickfs_linux_%s")
	if bin == "" {
		return fmt.Errorf("wickfs binary not found (set WICKFS_BIN or place in ./bin/)")
	}

	dest := b.containerName + ":/usr/local/bin/wickfs"
	if out, err := b.runDocker("cp", bin, dest); err != nil {
		return fmt.Errorf("inject wickfs: %s: %w", strings.TrimSpace(string(out)), err)
	}
	if out, err := b.runDocker("exec", b.containerName, "chmod", "+x", "/usr/local/bin/wickfs"); err != nil {
		return fmt.Errorf("chmod wickfs: %s: %w", strings.TrimSpace(string(out)), err)
	}

	log.Printf("wickfs injected into container %q from %s", b.containerName, bin)
	b.mu.Lock()
	b.hasWickfs = true
	b.mu.Unlock()
	return nil
}

// locateHostBinary searches, in order: the given env var, a well-known
// container path, next to this process's own executable (both the bare
// name and an arch-suffixed variant), then the same two forms relative
// to the CWD.
func locateHostBinary(envVar, wellKnownPath, bareName, archTemplate string) string {
	if v, ok := os.LookupEnv(envVar); ok {
		if _, err := os.Stat(v); err == nil {
			return v
		}
	}

	arch := runtime.GOARCH
	archName := fmt.Sprintf(archTemplate, arch)
	candidates := []string{wellKnownPath}

	if ex, err := os.Executable(); err == nil {
		dir := filepath.Dir(ex)
		candidates = append(candidates, filepath.Join(dir, bareName), filepath.Join(dir, archName))
	}
	candidates = append(candidates, filepath.Join("bin", archName), filepath.Join(".", "bin", archName))

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func (b *DockerBackend) liveDaemonClient() *DaemonClient {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.daemonClient != nil && b.daemonClient.Alive() {
		return b.daemonClient
	}
	return nil
}

func (b *DockerBackend) executeViaDaemon(client *DaemonClient, command, stdin string) ExecuteResponse {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	resp, err := client.Exec(ctx, command, b.workdir, stdin, int(b.timeout.Seconds()))
	if err != nil {
		log.Printf("daemon exec failed: %v, falling back to docker exec", err)
		b.mu.Lock()
		b.daemonClient = nil
		b.daemonFS = nil
		b.hasDaemon = false
		b.mu.Unlock()
		return ExecuteResponse{Output: "Error: daemon connection lost: " + err.Error(), ExitCode: 1}
	}
	if resp.Error != "" {
		return ExecuteResponse{Output: resp.Error, ExitCode: resp.ExitCode}
	}

	output := combineStreams(resp.Stdout, resp.Stderr, resp.ExitCode)
	if resp.Stderr != "" && resp.ExitCode == 0 && resp.Stdout != "" {
		log.Printf("[daemon-exec] stderr suppressed: %s", strings.TrimSpace(resp.Stderr))
	}

	truncated := false
	if len(output) > b.maxOutputBytes {
		output = output[:b.maxOutputBytes] + fmt.Sprintf("\n\n... Output truncated at %d bytes.", b.maxOutputBytes)
		truncated = true
	}
	if resp.ExitCode != 0 {
		output = strings.TrimRight(output, "\n") + fmt.Sprintf("\n\nExit code: %d", resp.ExitCode)
	}

	return ExecuteResponse{Output: output, ExitCode: resp.ExitCode, Truncated: truncated}
}

// EnsureDaemon connects the fast path: resolve the container's bridge
// IP, probe for an already-running wick-daemon, and if none answers,
// inject and start one before probing again.
func (b *DockerBackend) EnsureDaemon() error {
	ip := b.containerIP()
	if ip == "" {
		return fmt.Errorf("could not determine container IP")
	}

	if client := probeDaemon(ip, ""); client != nil {
		b.attachDaemon(client)
		return nil
	}

	if err := b.injectAndStartDaemon(); err != nil {
		return err
	}

	for i := 0; i < 10; i++ {
		time.Sleep(500 * time.Millisecond)
		if client := probeDaemon(ip, ""); client != nil {
			b.attachDaemon(client)
			return nil
		}
	}
	return fmt.Errorf("wick-daemon injected but not reachable at %s:%s", ip, DaemonPort)
}

func (b *DockerBackend) attachDaemon(client *DaemonClient) {
	executor := NewDaemonExecutor(client, b.workdir, int(b.timeout.Seconds()))

	b.mu.Lock()
	b.daemonClient = client
	b.daemonFS = wickfs.NewRemoteFS(executor)
	b.hasDaemon = true
	b.mu.Unlock()

	log.Printf("wick-daemon connected for container %q, fast path enabled", b.containerName)
}

func (b *DockerBackend) injectAndStartDaemon() error {
	bin := locateHostBinary("WICKDAEMON_BIN", "/usr/local/bin/wick-daemon", "wick-daemon", "wick-daemon_linux_%s")
	if bin == "" {
		return fmt.Errorf("wick-daemon binary not found (set WICKDAEMON_BIN or place in ./bin/)")
	}

	dest := b.containerName + ":/usr/local/bin/wick-daemon"
	if out, err := b.runDocker("cp", bin, dest); err != nil {
		return fmt.Errorf("inject wick-daemon: %s: %w", strings.TrimSpace(string(out)), err)
	}
	b.runDocker("exec", b.containerName, "chmod", "+x", "/usr/local/bin/wick-daemon")

	if out, err := b.runDocker("exec", "-d", b.containerName, "/usr/local/bin/wick-daemon"); err != nil {
		return fmt.Errorf("start wick-daemon: %s: %w", strings.TrimSpace(string(out)), err)
	}

	log.Printf("wick-daemon injected and started in container %q", b.containerName)
	return nil
}

func (b *DockerBackend) containerIP() string {
	full := b.dockerArgs("inspect", "--format", "{{range .NetworkSettings.Networks}}{{.IPAddress}}{{end}}", b.containerName)
	out, err := exec.Command(full[0], full[1:]...).Output()
	if err != nil {
		return ""
	}
	ip := strings.TrimSpace(string(out))
	if ip == "" || ip == "<no value>" {
		return ""
	}
	return ip
}

// HasDaemon reports whether the daemon fast path is currently connected.
func (b *DockerBackend) HasDaemon() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hasDaemon
}

// UploadFiles writes files into the container: via the daemon
// connection when live, otherwise via "docker exec" piping base64.
func (b *DockerBackend) UploadFiles(files []FileUpload) []FileUploadResponse {
	b.awaitReady()
	client := b.liveDaemonClient()

	out := make([]FileUploadResponse, len(files))
	for i, f := range files {
		resolved, err := b.ResolvePath(f.Path)
		if err != nil {
			out[i] = FileUploadResponse{Path: f.Path, Error: err.Error()}
			continue
		}
		if client != nil {
			out[i] = b.uploadViaDaemon(client, resolved, f.Content)
		} else {
			out[i] = b.uploadViaExec(resolved, f.Content)
		}
	}
	return out
}

func (b *DockerBackend) uploadViaDaemon(client *DaemonClient, resolved string, content []byte) FileUploadResponse {
	client.Exec(context.Background(), fmt.Sprintf("mkdir -p '%s'", filepath.Dir(resolved)), "/", "", 10)

	b64 := base64.StdEncoding.EncodeToString(content)
	writeCmd := fmt.Sprintf("base64 -d > '%s' && chmod 666 '%s'", resolved, resolved)
	resp, err := client.Exec(context.Background(), writeCmd, "/", b64, 30)
	if err != nil || (resp != nil && resp.ExitCode != 0) {
		return FileUploadResponse{Path: resolved, Error: "permission_denied"}
	}
	return FileUploadResponse{Path: resolved}
}

func (b *DockerBackend) uploadViaExec(resolved string, content []byte) FileUploadResponse {
	mkdirArgs := b.dockerArgs("exec", b.containerName, "mkdir", "-p", filepath.Dir(resolved))
	exec.Command(mkdirArgs[0], mkdirArgs[1:]...).Run()

	b64 := base64.StdEncoding.EncodeToString(content)
	decodeArgs := b.dockerArgs("exec", "-i", b.containerName,
		"sh", "-c", fmt.Sprintf("base64 -d > '%s' && chmod 666 '%s'", resolved, resolved))
	cmd := exec.Command(decodeArgs[0], decodeArgs[1:]...)
	cmd.Stdin = strings.NewReader(b64)
	if err := cmd.Run(); err != nil {
		return FileUploadResponse{Path: resolved, Error: "permission_denied"}
	}
	return FileUploadResponse{Path: resolved}
}

// DownloadFiles reads files back out of the container, symmetric with
// UploadFiles's daemon/docker-exec split.
func (b *DockerBackend) DownloadFiles(paths []string) []FileDownloadResponse {
	b.awaitReady()
	client := b.liveDaemonClient()

	out := make([]FileDownloadResponse, len(paths))
	for i, p := range paths {
		resolved, err := b.ResolvePath(p)
		if err != nil {
			out[i] = FileDownloadResponse{Path: p, Error: err.Error()}
			continue
		}
		if client != nil {
			out[i] = b.downloadViaDaemon(client, resolved)
		} else {
			out[i] = b.downloadViaExec(resolved)
		}
	}
	return out
}

func (b *DockerBackend) downloadViaDaemon(client *DaemonClient, resolved string) FileDownloadResponse {
	resp, err := client.Exec(context.Background(), fmt.Sprintf("base64 '%s'", resolved), "/", "", 30)
	if err != nil || (resp != nil && resp.ExitCode != 0) {
		return FileDownloadResponse{Path: resolved, Error: "file_not_found"}
	}
	content, err := base64.StdEncoding.DecodeString(strings.TrimSpace(resp.Stdout))
	if err != nil {
		return FileDownloadResponse{Path: resolved, Error: "decode_error"}
	}
	return FileDownloadResponse{Path: resolved, Content: content}
}

func (b *DockerBackend) downloadViaExec(resolved string) FileDownloadResponse {
	args := b.dockerArgs("exec", b.containerName, "sh", "-c", fmt.Sprintf("base64 '%s'", resolved))
	out, err := exec.Command(args[0], args[1:]...).Output()
	if err != nil {
		return FileDownloadResponse{Path: resolved, Error: "file_not_found"}
	}
	content, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(out)))
	if err != nil {
		return FileDownloadResponse{Path: resolved, Error: "decode_error"}
	}
	return FileDownloadResponse{Path: resolved, Content: content}
}
