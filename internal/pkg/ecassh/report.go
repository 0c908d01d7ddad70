package ecassh

import (
	"context"
	"fmt"
)

// Report is a progress line, or the final outcome, for one node's delivery.
type Report struct {
	Node int
	Line string
	Done bool
	Err  error
}

func (r Report) String() string {
	if r.Done {
		if r.Err != nil {
			return fmt.Sprintf("node %d: failed: %v", r.Node, r.Err)
		}
		return fmt.Sprintf("node %d: done", r.Node)
	}
	return fmt.Sprintf("node %d: %s", r.Node, r.Line)
}

// maxRepeats is how many identical lines are held back before a summary goes
// out anyway.
const maxRepeats = 10

// reporter collapses runs of identical progress lines into a single
// "(message repeats N times)" summary.
type reporter struct {
	ctx     context.Context
	node    int
	out     chan<- Report
	last    string
	repeats int
}

func newReporter(ctx context.Context, node int, out chan<- Report) *reporter {
	return &reporter{ctx: ctx, node: node, out: out}
}

func (r *reporter) send(rep Report) {
	if r.out == nil {
		return
	}
	rep.Node = r.node
	select {
	case r.out <- rep:
	case <-r.ctx.Done():
	}
}

func (r *reporter) line(msg string) {
	if msg == r.last {
		r.repeats++
		if r.repeats >= maxRepeats {
			r.flush()
		}
		return
	}
	r.flush()
	r.send(Report{Line: msg})
	r.last = msg
}

// flush emits the pending repeat summary, if any.
func (r *reporter) flush() {
	if r.repeats == 0 {
		return
	}
	r.send(Report{Line: fmt.Sprintf("%s (message repeats %d times)", r.last, r.repeats)})
	r.repeats = 0
}

func (r *reporter) done(err error) {
	r.flush()
	r.send(Report{Done: true, Err: err})
}
