// Package ecaec2 provisions the EC2 instances of a cluster, tracks every
// instance through boot and configuration, and tears the cluster down when
// any node fails.
package ecaec2

import (
	"github.com/aws/aws-sdk-go/service/ec2"
)

// InstanceState is the lifecycle state of one cluster node.
type InstanceState string

// Node lifecycle: pending -> booting -> running -> terminated, or failed.
// "booting" covers an instance EC2 reports as running whose bootstrap has not
// yet been delivered; "running" means the bootstrap is in place.
const (
	StatePending    InstanceState = "pending"
	StateBooting    InstanceState = "booting"
	StateRunning    InstanceState = "running"
	StateTerminated InstanceState = "terminated"
	StateFailed     InstanceState = "failed"
)

// Letter is the one-character form used in the status line.
func (s InstanceState) Letter() string {
	switch s {
	case StatePending:
		return "P"
	case StateBooting:
		return "B"
	case StateRunning:
		return "R"
	case StateTerminated:
		return "T"
	case StateFailed:
		return "F"
	}
	return "?"
}

// ClusterState is the aggregate state of a launch.
type ClusterState int

const (
	Requested ClusterState = iota
	BidPending
	PartiallyBooting
	AllBooting
	Configuring
	Ready
	Failed
)

func (s ClusterState) String() string {
	switch s {
	case Requested:
		return "Requested"
	case BidPending:
		return "BidPending"
	case PartiallyBooting:
		return "PartiallyBooting"
	case AllBooting:
		return "AllBooting"
	case Configuring:
		return "Configuring"
	case Ready:
		return "Ready"
	case Failed:
		return "Failed"
	}
	return "Unknown"
}

// Instance is the record kept for one provisioned node.
type Instance struct {
	ID             string
	State          InstanceState
	Address        string // public address, once running
	PrivateAddress string
	Index          int // 0 is the coordinator
	SpotRequestID  string
}

// Request describes the cluster to launch. Launch works on a copy, so later
// changes by the caller have no effect on a launch in progress.
type Request struct {
	Count            int
	InstanceType     string
	ImageID          string
	SpotBid          string // empty for on-demand; "N%" bids N percent of the on-demand price
	AvailabilityZone string
	PlacementGroup   string
	KeyName          string
	SecurityGroups   []string
	LaunchGroup      string
	InstanceProfile  string
	KeepCoordinator  bool
	KeepWorkers      bool
}

func (r Request) clone() Request {
	r.SecurityGroups = append([]string(nil), r.SecurityGroups...)
	return r
}

// Spot indicates whether the request bids for spot capacity.
func (r Request) Spot() bool {
	return r.SpotBid != ""
}

// ec2State maps an EC2 instance state name onto the node lifecycle.
// delivered reports whether bootstrap delivery already succeeded.
func ec2State(name string, delivered bool) InstanceState {
	switch name {
	case ec2.InstanceStateNamePending:
		return StatePending
	case ec2.InstanceStateNameRunning:
		if delivered {
			return StateRunning
		}
		return StateBooting
	case ec2.InstanceStateNameShuttingDown, ec2.InstanceStateNameTerminated,
		ec2.InstanceStateNameStopping, ec2.InstanceStateNameStopped:
		return StateTerminated
	}
	return StatePending
}
