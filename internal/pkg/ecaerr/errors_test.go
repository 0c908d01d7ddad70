package ecaerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNodeError(t *testing.T) {
	err := Node(3, "booting", fmt.Errorf("%w: connection refused", ErrTransient))
	assert.Equal(t, "node 3 (last state booting): transient provider error: connection refused", err.Error())
	assert.True(t, errors.Is(err, ErrTransient))
	assert.False(t, errors.Is(err, ErrTimeout))

	var nodeErr *NodeError
	assert.True(t, errors.As(fmt.Errorf("launch: %w", err), &nodeErr))
	assert.Equal(t, 3, nodeErr.Node)

	assert.Equal(t, "node 0: wait budget exceeded", Node(0, "", ErrTimeout).Error())
}

func TestNodeNil(t *testing.T) {
	assert.Nil(t, Node(1, "running", nil))
}

func TestPartialFailureNeutral(t *testing.T) {
	err := fmt.Errorf("%w: 2 result file(s) not fetched", ErrPartialFailure)
	assert.Equal(t, "partial failure: 2 result file(s) not fetched", err.Error())
	assert.Equal(t, "node 1 (last state booting): partial failure", Node(1, "booting", ErrPartialFailure).Error())
}
