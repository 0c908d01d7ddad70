package ecanode

import (
	"context"
	"io"
	"net"
	"os/exec"
	"strconv"
	"time"
)

// Executor runs shell commands on the node.
type Executor interface {
	Run(ctx context.Context, dir string, out io.Writer, command string) error
}

// ShellExecutor runs commands through /bin/sh.
type ShellExecutor struct {
	Env []string
}

func (s ShellExecutor) Run(ctx context.Context, dir string, out io.Writer, command string) error {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = s.Env
	if out != nil {
		cmd.Stdout = out
		cmd.Stderr = out
	}
	return cmd.Run()
}

// Prober checks that another node is reachable.
type Prober interface {
	Probe(ctx context.Context, addr string) error
}

// TCPProber connects to Port on the probed address. Cluster images always
// run sshd, so port 22 is the default liveness signal.
type TCPProber struct {
	Port    int
	Timeout time.Duration
}

func (p TCPProber) Probe(ctx context.Context, addr string) error {
	port := p.Port
	if port == 0 {
		port = 22
	}
	timeout := p.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(addr, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return conn.Close()
}
