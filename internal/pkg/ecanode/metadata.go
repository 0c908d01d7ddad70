package ecanode

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws/ec2metadata"
	"github.com/aws/aws-sdk-go/aws/session"
	log "github.com/sirupsen/logrus"

	"github.com/bcongdon/ensemble/internal/pkg/ecaerr"
	"github.com/bcongdon/ensemble/internal/pkg/ecapoll"
)

// The metadata service is briefly unavailable while an instance boots.
const (
	metadataRetryInterval = time.Second
	metadataRetryBudget   = 30 * time.Second
)

// Metadata answers the questions a node asks about itself.
type Metadata interface {
	InstanceID(ctx context.Context) (string, error)
	ReservationID(ctx context.Context) (string, error)
	LaunchIndex(ctx context.Context) (int, error)
	Address(ctx context.Context) (string, error)
}

// MetadataClient is the subset of ec2metadata.EC2Metadata used here.
type MetadataClient interface {
	GetMetadataWithContext(ctx context.Context, p string) (string, error)
}

// EC2Metadata reads the instance metadata service. Failed lookups are
// retried by Retry; a zero Retry polls every second for 30 seconds.
type EC2Metadata struct {
	Client MetadataClient
	Retry  ecapoll.Poller
}

// NewEC2Metadata returns an EC2Metadata on the default session.
func NewEC2Metadata(sess *session.Session) *EC2Metadata {
	return &EC2Metadata{Client: ec2metadata.New(sess)}
}

func (m *EC2Metadata) get(ctx context.Context, p string) (string, error) {
	retry := m.Retry
	if retry.Interval <= 0 {
		retry = ecapoll.Every(metadataRetryInterval, metadataRetryBudget)
	}

	var val string
	var last error
	err := retry.Until(ctx, func(ctx context.Context) (bool, error) {
		v, err := m.Client.GetMetadataWithContext(ctx, p)
		if err != nil {
			last = fmt.Errorf("%w: %v", ecaerr.ErrTransient, err)
			log.Debugf("metadata %s: %s", p, err)
			return false, nil
		}
		val = v
		return true, nil
	})
	if err != nil {
		if last != nil {
			return "", fmt.Errorf("metadata %s: %w (last error: %v)", p, err, last)
		}
		return "", fmt.Errorf("metadata %s: %w", p, err)
	}
	return strings.TrimSpace(val), nil
}

func (m *EC2Metadata) InstanceID(ctx context.Context) (string, error) {
	return m.get(ctx, "instance-id")
}

func (m *EC2Metadata) ReservationID(ctx context.Context) (string, error) {
	return m.get(ctx, "reservation-id")
}

func (m *EC2Metadata) LaunchIndex(ctx context.Context) (int, error) {
	raw, err := m.get(ctx, "ami-launch-index")
	if err != nil {
		return 0, err
	}
	idx, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: ami-launch-index %q", ecaerr.ErrConfiguration, raw)
	}
	return idx, nil
}

// Address returns the private address, which is what other cluster members
// reach this node on.
func (m *EC2Metadata) Address(ctx context.Context) (string, error) {
	return m.get(ctx, "local-ipv4")
}

// StaticMetadata describes a node that is not an EC2 instance, such as the
// machine a local run executes on.
type StaticMetadata struct {
	ID    string
	Index int
	Addr  string
}

func (s StaticMetadata) InstanceID(context.Context) (string, error)    { return s.ID, nil }
func (s StaticMetadata) ReservationID(context.Context) (string, error) { return "", nil }
func (s StaticMetadata) LaunchIndex(context.Context) (int, error)      { return s.Index, nil }
func (s StaticMetadata) Address(context.Context) (string, error)       { return s.Addr, nil }
