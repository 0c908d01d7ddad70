package ecassh

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/bcongdon/ensemble/internal/pkg/ecaerr"
)

// Defaults for Transport.
const (
	DefaultWait      = 10 * time.Second
	DefaultAttempts  = 60
	DefaultQuiet     = 120 * time.Second
	DefaultChunkSize = 1024

	BootstrapName = "bootstrap.sh"
	BundleName    = "eca_scripts.b64"
)

// Payload is what gets pushed to a node.
type Payload struct {
	Bootstrap string // shell script, run detached once delivered
	Bundle    string // base64 text, unpacked by the bootstrap
}

// Transport pushes a Payload to nodes with remote echo-append commands.
//
// A delivery is all or nothing: any failed step drops the session and the
// whole sequence starts over after Wait, up to Attempts times. Errors stay at
// debug level until Quiet has passed, since freshly booted nodes routinely
// refuse connections for a while.
type Transport struct {
	Dialer    Dialer
	Wait      time.Duration
	Attempts  int
	Quiet     time.Duration
	ChunkSize int

	sleep func(context.Context, time.Duration) error
	now   func() time.Time
}

// NewTransport returns a Transport using d with default settings.
func NewTransport(d Dialer) *Transport {
	return &Transport{
		Dialer:    d,
		Wait:      DefaultWait,
		Attempts:  DefaultAttempts,
		Quiet:     DefaultQuiet,
		ChunkSize: DefaultChunkSize,
	}
}

func (t *Transport) sleepFunc() func(context.Context, time.Duration) error {
	if t.sleep != nil {
		return t.sleep
	}
	return func(ctx context.Context, d time.Duration) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
}

func (t *Transport) nowFunc() func() time.Time {
	if t.now != nil {
		return t.now
	}
	return time.Now
}

// Deliver pushes p to host and starts the bootstrap. Progress lines and a
// final Done report for node go to reports, which may be nil. The returned
// error is nil on success and otherwise wraps ecaerr.ErrPartialFailure.
func (t *Transport) Deliver(ctx context.Context, node int, host string, p Payload, reports chan<- Report) error {
	rep := newReporter(ctx, node, reports)
	sleep := t.sleepFunc()
	now := t.nowFunc()

	attempts := t.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}

	start := now()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = t.attempt(ctx, host, p, rep)
		if lastErr == nil {
			rep.line("boot script is running.")
			rep.done(nil)
			return nil
		}
		if now().Sub(start) > t.Quiet {
			rep.line(lastErr.Error())
		} else {
			log.Debugf("node %d: delivery attempt %d to %s failed: %s", node, attempt, host, lastErr)
		}
		if attempt == attempts {
			break
		}
		if err := sleep(ctx, t.Wait); err != nil {
			lastErr = err
			break
		}
	}

	err := ecaerr.Node(node, "booting", fmt.Errorf("%w: bootstrap delivery to %s: %v", ecaerr.ErrPartialFailure, host, lastErr))
	rep.done(err)
	return err
}

// attempt runs the full delivery sequence once over a fresh session.
func (t *Transport) attempt(ctx context.Context, host string, p Payload, rep *reporter) error {
	sess, err := t.Dialer.Dial(ctx, host)
	if err != nil {
		return err
	}
	defer sess.Close()

	run := func(cmd string) error {
		out, err := sess.Run(cmd)
		if out = strings.TrimSpace(out); out != "" {
			rep.line(out)
		}
		return err
	}

	rep.line("installing userdata and boot script via ssh...")
	if err := run(fmt.Sprintf("rm -f %s %s", BootstrapName, BundleName)); err != nil {
		return err
	}
	for _, cmd := range EchoCommands(p.Bootstrap, BootstrapName) {
		if err := run(cmd); err != nil {
			return err
		}
	}
	for _, cmd := range ChunkCommands(p.Bundle, BundleName, t.chunkSize()) {
		if err := run(cmd); err != nil {
			return err
		}
	}

	rep.line("starting configuration script...")
	if err := run(fmt.Sprintf("chmod 755 %s", BootstrapName)); err != nil {
		return err
	}
	return run(fmt.Sprintf("nohup ./%s > bootstrap.log 2>&1 < /dev/null &", BootstrapName))
}

func (t *Transport) chunkSize() int {
	if t.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return t.ChunkSize
}

// quote wraps s in single quotes for a POSIX shell.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// EchoCommands returns the commands that append text to target one line at
// a time.
func EchoCommands(text, target string) []string {
	lines := strings.SplitAfter(text, "\n")
	cmds := make([]string, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		cmds = append(cmds, fmt.Sprintf("echo %s >> %s", quote(strings.TrimSuffix(line, "\n")), target))
	}
	return cmds
}

// ChunkCommands returns the commands that append data to target in chunks of
// size bytes, without newlines.
func ChunkCommands(data, target string, size int) []string {
	cmds := make([]string, 0, len(data)/size+1)
	for start := 0; start < len(data); start += size {
		end := start + size
		if end > len(data) {
			end = len(data)
		}
		cmds = append(cmds, fmt.Sprintf("echo -n %s >> %s", quote(data[start:end]), target))
	}
	return cmds
}
