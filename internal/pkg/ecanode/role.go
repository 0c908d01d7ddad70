// Package ecanode runs on every freshly booted cluster node. It works out
// whether the node coordinates the cluster or works for it, and carries out
// that half of the rendezvous: the coordinator publishes its address and
// waits for every worker to check in, workers find the coordinator through
// the shared store and announce themselves.
package ecanode

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/bcongdon/ensemble/internal/pkg/ecacfg"
	"github.com/bcongdon/ensemble/internal/pkg/ecaec2"
	"github.com/bcongdon/ensemble/internal/pkg/ecaerr"
)

// NodeIndexKey carries the index the launcher assigned to a node.
const NodeIndexKey = "eca_nodeIndex"

// Role is either Coordinator or Worker.
type Role interface {
	role()
	String() string
}

// Coordinator is node 0.
type Coordinator struct{}

// Worker is every other node. Index counts workers from 0, so node n is
// Worker{Index: n-1}.
type Worker struct {
	Index int
}

func (Coordinator) role() {}
func (Worker) role()      {}

func (Coordinator) String() string { return "coordinator" }

func (w Worker) String() string { return fmt.Sprintf("worker %d", w.Index) }

// RoleFor maps a node index onto its role.
func RoleFor(nodeIndex int) (Role, error) {
	switch {
	case nodeIndex == 0:
		return Coordinator{}, nil
	case nodeIndex > 0:
		return Worker{Index: nodeIndex - 1}, nil
	}
	return nil, fmt.Errorf("%w: node index %d is negative", ecaerr.ErrConfiguration, nodeIndex)
}

// Members lists the instances of a cluster as seen from one of its nodes.
type Members interface {
	Members(reservationID, launchGroup string) ([]ecaec2.Member, error)
}

// ResolveRole determines the node index of this node and returns its role.
//
// The index delivered by the launcher wins. Without one, spot clusters use
// the node's position among the launch group's requests and on-demand
// clusters use the AMI launch index. Spot ordering is best-effort: EC2 does
// not promise that request order means anything.
func ResolveRole(ctx context.Context, core *ecacfg.Handle, meta Metadata, members Members) (Role, int, error) {
	if raw, err := core.Get(NodeIndexKey); err == nil {
		idx, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %s=%q", ecaerr.ErrConfiguration, NodeIndexKey, raw)
		}
		log.Infof("my node index is %d (assigned at launch)", idx)
		role, err := RoleFor(idx)
		return role, idx, err
	}

	if group := core.String("launchgroup", ""); group != "" {
		if members == nil {
			return nil, 0, fmt.Errorf("%w: launch group %s but no way to list its members", ecaerr.ErrConfiguration, group)
		}
		self, err := meta.InstanceID(ctx)
		if err != nil {
			return nil, 0, err
		}
		list, err := members.Members("", group)
		if err != nil {
			return nil, 0, err
		}
		for i, m := range list {
			if m.ID == self {
				log.Infof("my node index is %d (position in launch group %s)", i, group)
				role, err := RoleFor(i)
				return role, i, err
			}
		}
		return nil, 0, fmt.Errorf("%w: instance %s not found in launch group %s", ecaerr.ErrConfiguration, self, group)
	}

	idx, err := meta.LaunchIndex(ctx)
	if err != nil {
		return nil, 0, err
	}
	log.Infof("my node index is %d (ami launch index)", idx)
	role, err := RoleFor(idx)
	return role, idx, err
}
