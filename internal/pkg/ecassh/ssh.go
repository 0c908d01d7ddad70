// Package ecassh delivers the bootstrap program and job bundle to freshly
// booted nodes over SSH, without relying on the provider's user-data hook.
package ecassh

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
)

// Session runs shell commands on a single remote host.
type Session interface {
	Run(cmd string) (string, error)
	Close() error
}

// Dialer opens Sessions.
type Dialer interface {
	Dial(ctx context.Context, host string) (Session, error)
}

// SSHDialer opens Sessions with golang.org/x/crypto/ssh.
type SSHDialer struct {
	Port    int
	Timeout time.Duration
	config  *ssh.ClientConfig
}

// NewSSHDialer returns a dialer authenticating as user with the given PEM
// private key. Fresh cloud instances have unknown host keys, so none are
// checked.
func NewSSHDialer(user string, privateKey []byte, port int, timeout time.Duration) (*SSHDialer, error) {
	signer, err := ssh.ParsePrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("could not parse ssh private key: %w", err)
	}
	if port == 0 {
		port = 22
	}
	return &SSHDialer{
		Port:    port,
		Timeout: timeout,
		config: &ssh.ClientConfig{
			User:            user,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         timeout,
		},
	}, nil
}

func (d *SSHDialer) Dial(ctx context.Context, host string) (Session, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(d.Port))
	nd := net.Dialer{Timeout: d.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if d.Timeout > 0 {
		conn.SetDeadline(time.Now().Add(d.Timeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, d.config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return &sshSession{client: ssh.NewClient(c, chans, reqs)}, nil
}

type sshSession struct {
	client *ssh.Client
}

// Run executes cmd in its own channel and returns combined stdout/stderr.
func (s *sshSession) Run(cmd string) (string, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return "", err
	}
	defer sess.Close()

	var out bytes.Buffer
	sess.Stdout = &out
	sess.Stderr = &out
	err = sess.Run(cmd)
	return out.String(), err
}

func (s *sshSession) Close() error {
	return s.client.Close()
}
