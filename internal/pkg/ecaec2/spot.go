package ecaec2

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/bcongdon/ensemble/internal/pkg/ecaerr"
	"github.com/bcongdon/ensemble/internal/pkg/ecapoll"
)

// OnDemandPrices is the hourly on-demand price table percentage bids are
// computed against.
var OnDemandPrices = map[string]float64{
	"t1.micro":    0.02,
	"m1.small":    0.085,
	"m1.large":    0.34,
	"m1.xlarge":   0.68,
	"m2.large":    0.50,
	"m2.2xlarge":  1.00,
	"m2.4xlarge":  2.00,
	"c1.medium":   0.17,
	"c1.xlarge":   0.68,
	"cc1.4xlarge": 1.30,
	"cg1.4xlarge": 2.10,
	"cc2.8xlarge": 2.40,
}

// SpotBid resolves a bid. A bid such as "25%" becomes that share of the
// on-demand price of instanceType; anything else is returned unchanged.
func SpotBid(bid, instanceType string) (string, error) {
	if !strings.Contains(bid, "%") {
		return bid, nil
	}
	pct, err := strconv.ParseFloat(strings.TrimRight(bid, "%"), 64)
	if err != nil {
		return "", fmt.Errorf("%w: spot bid %q: %v", ecaerr.ErrConfiguration, bid, err)
	}
	price, ok := OnDemandPrices[instanceType]
	if !ok {
		return "", fmt.Errorf("%w: no on-demand price known for %s, give spotBid as a price", ecaerr.ErrConfiguration, instanceType)
	}
	return fmt.Sprintf("%.3f", price*pct*0.01), nil
}

func (l *Launcher) requestSpot(req Request) ([]string, error) {
	bid, err := SpotBid(req.SpotBid, req.InstanceType)
	if err != nil {
		return nil, err
	}

	spec := &ec2.RequestSpotLaunchSpecification{
		ImageId:        aws.String(req.ImageID),
		InstanceType:   aws.String(req.InstanceType),
		KeyName:        aws.String(req.KeyName),
		SecurityGroups: aws.StringSlice(req.SecurityGroups),
	}
	if req.AvailabilityZone != "" || req.PlacementGroup != "" {
		spec.Placement = &ec2.SpotPlacement{}
		if req.AvailabilityZone != "" {
			spec.Placement.AvailabilityZone = aws.String(req.AvailabilityZone)
		}
		if req.PlacementGroup != "" {
			spec.Placement.GroupName = aws.String(req.PlacementGroup)
		}
	}
	if req.InstanceProfile != "" {
		spec.IamInstanceProfile = &ec2.IamInstanceProfileSpecification{Name: aws.String(req.InstanceProfile)}
	}

	input := &ec2.RequestSpotInstancesInput{
		SpotPrice:           aws.String(bid),
		InstanceCount:       aws.Int64(int64(req.Count)),
		Type:                aws.String(ec2.SpotInstanceTypeOneTime),
		ClientToken:         aws.String(uuid.New().String()),
		LaunchSpecification: spec,
	}
	if req.LaunchGroup != "" {
		input.LaunchGroup = aws.String(req.LaunchGroup)
		input.AvailabilityZoneGroup = aws.String(req.LaunchGroup)
	}

	log.Infof("requesting %d spot instance(s) of type %s with bid=%s", req.Count, req.InstanceType, bid)
	out, err := l.client.RequestSpotInstances(input)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(out.SpotInstanceRequests))
	for _, r := range out.SpotInstanceRequests {
		ids = append(ids, aws.StringValue(r.SpotInstanceRequestId))
	}
	return ids, nil
}

// spotActivation is a spot request that became active.
type spotActivation struct {
	requestID  string
	instanceID string
	order      int // position in the original request
	round      int // polling round in which it was first seen active
}

// awaitSpot polls the spot requests until all are active. A request that is
// failed, cancelled or closed aborts the batch. The returned activations are
// in activation order, ties broken by request order. Instances still attached
// to requests that did not become active are returned as strays.
func (l *Launcher) awaitSpot(ctx context.Context, requestIDs []string, poller ecapoll.Poller) ([]spotActivation, []string, error) {
	order := make(map[string]int, len(requestIDs))
	for i, id := range requestIDs {
		order[id] = i
	}
	active := map[string]spotActivation{}
	lastState := map[string]string{}
	strays := map[string]bool{}
	round := 0

	err := poller.Until(ctx, func(ctx context.Context) (bool, error) {
		round++
		out, err := l.client.DescribeSpotInstanceRequests(&ec2.DescribeSpotInstanceRequestsInput{
			SpotInstanceRequestIds: aws.StringSlice(requestIDs),
		})
		if err != nil {
			if err = transient(err); isTransient(err) {
				log.Debugf("describing spot requests: %s", err)
				return false, nil
			}
			return false, err
		}

		var abort error
		for _, r := range out.SpotInstanceRequests {
			id := aws.StringValue(r.SpotInstanceRequestId)
			state := aws.StringValue(r.State)
			if state != lastState[id] {
				log.Infof("spot request %s status: %s", id, state)
				lastState[id] = state
			}
			switch state {
			case ec2.SpotInstanceStateActive:
				if _, seen := active[id]; !seen {
					active[id] = spotActivation{
						requestID:  id,
						instanceID: aws.StringValue(r.InstanceId),
						order:      order[id],
						round:      round,
					}
				}
			case ec2.SpotInstanceStateFailed, ec2.SpotInstanceStateCancelled, ec2.SpotInstanceStateClosed:
				// A cancelled request can still have a live instance.
				if inst := aws.StringValue(r.InstanceId); inst != "" {
					if _, seen := active[id]; !seen {
						strays[inst] = true
					}
				}
				msg := state
				if r.Status != nil {
					msg = fmt.Sprintf("%s (%s)", state, aws.StringValue(r.Status.Code))
				}
				if abort == nil {
					abort = ecaerr.Node(order[id], "bid "+state,
						fmt.Errorf("%w: spot request %s %s, aborting the batch", ecaerr.ErrPartialFailure, id, msg))
				}
			}
		}
		if abort != nil {
			return false, abort
		}
		return len(active) == len(requestIDs), nil
	})

	activations := make([]spotActivation, 0, len(active))
	for _, a := range active {
		activations = append(activations, a)
	}
	sort.Slice(activations, func(i, j int) bool {
		if activations[i].round != activations[j].round {
			return activations[i].round < activations[j].round
		}
		return activations[i].order < activations[j].order
	})
	strayIDs := make([]string, 0, len(strays))
	for id := range strays {
		strayIDs = append(strayIDs, id)
	}
	sort.Strings(strayIDs)
	return activations, strayIDs, err
}
