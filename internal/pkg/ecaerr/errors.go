// Package ecaerr defines the error kinds shared by the cluster launch and
// node bootstrap packages. Callers classify failures with errors.Is.
package ecaerr

import (
	"errors"
	"fmt"
)

// Error kinds. Every fatal error returned by the eca packages wraps one of these.
var (
	// ErrConfiguration marks a missing required key or a malformed job file.
	// It aborts before any provisioning occurs.
	ErrConfiguration = errors.New("configuration error")
	// ErrTransient marks throttling, refused connections and not-yet-reachable
	// instances. It is retried by the layer that issued the call.
	ErrTransient = errors.New("transient provider error")
	// ErrVerification marks a size or checksum mismatch after a transfer.
	ErrVerification = errors.New("verification mismatch")
	// ErrTimeout marks an exhausted wait budget.
	ErrTimeout = errors.New("wait budget exceeded")
	// ErrPartialFailure marks one part of a cluster-wide operation failing:
	// a node that could not be configured, or results that never arrived.
	ErrPartialFailure = errors.New("partial failure")
)

// NodeError attaches the node index and its last observed state to an error.
type NodeError struct {
	Node  int
	State string
	Err   error
}

func (e *NodeError) Error() string {
	if e.State == "" {
		return fmt.Sprintf("node %d: %s", e.Node, e.Err)
	}
	return fmt.Sprintf("node %d (last state %s): %s", e.Node, e.State, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// Node wraps err with node context. A nil err returns nil.
func Node(node int, state string, err error) error {
	if err == nil {
		return nil
	}
	return &NodeError{Node: node, State: state, Err: err}
}
