package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"deepagent/wickfs"
)

// DaemonPort is the port wick-daemon listens on inside a sandbox
// container.
const DaemonPort = "9090"

// DaemonRequest is one command sent over the wire to wick-daemon.
type DaemonRequest struct {
	ID      string `json:"id"`
	Cmd     string `json:"cmd"`
	Workdir string `json:"workdir,omitempty"`
	Stdin   string `json:"stdin,omitempty"`
	Timeout int    `json:"timeout,omitempty"`
}

// DaemonResponse is wick-daemon's reply to a DaemonRequest.
type DaemonResponse struct {
	ID       string `json:"id"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

// DaemonClient holds a persistent line-delimited-JSON connection to a
// wick-daemon instance. A single connection is reused across requests
// (avoiding a fresh docker-exec per tool call) and serialized behind a
// mutex since the wire protocol is strictly request/response.
type DaemonClient struct {
	mu      sync.Mutex
	conn    net.Conn
	enc     *json.Encoder
	scanner *bufio.Scanner
	network string
	addr    string
	nextID  atomic.Int64
}

// DialDaemon opens a connection to a wick-daemon at addr over network
// ("tcp" or "unix").
func DialDaemon(network, addr string) (*DaemonClient, error) {
	conn, err := net.DialTimeout(network, addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial wick-daemon %s://%s: %w", network, addr, err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)

	return &DaemonClient{
		conn:    conn,
		enc:     json.NewEncoder(conn),
		scanner: scanner,
		network: network,
		addr:    addr,
	}, nil
}

// Exec sends one command to the daemon and blocks for its response,
// deriving read/write deadlines from ctx (or from timeout when ctx
// carries no deadline of its own).
func (c *DaemonClient) Exec(ctx context.Context, cmd, workdir, stdin string, timeout int) (*DaemonResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, fmt.Errorf("wick-daemon connection is closed")
	}

	req := DaemonRequest{
		ID:      fmt.Sprintf("r%d", c.nextID.Add(1)),
		Cmd:     cmd,
		Workdir: workdir,
		Stdin:   stdin,
		Timeout: timeout,
	}

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
	}
	if err := c.enc.Encode(req); err != nil {
		c.conn = nil
		return nil, fmt.Errorf("send to wick-daemon: %w", err)
	}

	c.conn.SetReadDeadline(readDeadlineFor(ctx, timeout))

	if !c.scanner.Scan() {
		c.conn = nil
		if err := c.scanner.Err(); err != nil {
			return nil, fmt.Errorf("read from wick-daemon: %w", err)
		}
		return nil, fmt.Errorf("wick-daemon connection closed")
	}

	var resp DaemonResponse
	if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("parse wick-daemon response: %w", err)
	}
	return &resp, nil
}

// readDeadlineFor picks a read deadline for a daemon request: ctx's own
// deadline when it has one, otherwise the request's own timeout plus a
// 5s margin for the round trip.
func readDeadlineFor(ctx context.Context, timeoutSeconds int) time.Time {
	if deadline, ok := ctx.Deadline(); ok {
		return deadline
	}
	margin := time.Duration(timeoutSeconds)*time.Second + 5*time.Second
	if timeoutSeconds <= 0 {
		margin = 125 * time.Second
	}
	return time.Now().Add(margin)
}

// Ping verifies the daemon is still responsive.
func (c *DaemonClient) Ping(ctx context.Context) error {
	resp, err := c.Exec(ctx, "echo ok", "/", "", 5)
	if err != nil {
		return err
	}
	if resp.ExitCode != 0 {
		return fmt.Errorf("wick-daemon ping exited %d", resp.ExitCode)
	}
	return nil
}

// Close tears down the daemon connection.
func (c *DaemonClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Alive reports whether the connection is still considered open.
func (c *DaemonClient) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// DaemonExecutor adapts a DaemonClient to wickfs.Executor, giving
// RemoteFS a fast path that skips the per-call docker-exec overhead
// when a wick-daemon is reachable inside the container.
type DaemonExecutor struct {
	client  *DaemonClient
	workdir string
	timeout int
}

var _ wickfs.Executor = (*DaemonExecutor)(nil)

// NewDaemonExecutor wraps client as a wickfs.Executor rooted at workdir.
func NewDaemonExecutor(client *DaemonClient, workdir string, timeout int) *DaemonExecutor {
	return &DaemonExecutor{client: client, workdir: workdir, timeout: timeout}
}

func (e *DaemonExecutor) Run(ctx context.Context, command string) (string, int, error) {
	return e.dispatch(ctx, command, "")
}

func (e *DaemonExecutor) RunWithStdin(ctx context.Context, command, stdin string) (string, int, error) {
	return e.dispatch(ctx, command, stdin)
}

func (e *DaemonExecutor) dispatch(ctx context.Context, command, stdin string) (string, int, error) {
	resp, err := e.client.Exec(ctx, command, e.workdir, stdin, e.timeout)
	if err != nil {
		return "", 1, err
	}
	if resp.Error != "" {
		return resp.Error, resp.ExitCode, nil
	}
	return mergeStreams(resp), resp.ExitCode, nil
}

// mergeStreams applies the same stdout-is-primary rule DockerBackend
// uses when combining a daemon response's two output streams into one.
func mergeStreams(resp *DaemonResponse) string {
	switch {
	case resp.Stdout == "" && resp.Stderr != "":
		return resp.Stderr
	case resp.ExitCode != 0 && resp.Stderr != "":
		return strings.TrimRight(resp.Stdout, "\n") + "\n" + resp.Stderr
	default:
		return resp.Stdout
	}
}

// probeDaemon tries to reach a wick-daemon over TCP first (works for
// both local and remote Docker hosts), then over a Unix socket (local
// Docker only, when one is mounted in). Returns nil if neither answers.
func probeDaemon(containerIP string, socketPath string) *DaemonClient {
	if containerIP != "" {
		if client := tryDaemonDial("tcp", containerIP+":"+DaemonPort); client != nil {
			return client
		}
	}
	if socketPath != "" {
		if client := tryDaemonDial("unix", socketPath); client != nil {
			return client
		}
	}
	return nil
}

func tryDaemonDial(network, addr string) *DaemonClient {
	client, err := DialDaemon(network, addr)
	if err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil
	}
	log.Printf("connected to wick-daemon at %s://%s", network, addr)
	return client
}
