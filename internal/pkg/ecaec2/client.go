package ecaec2

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bcongdon/ensemble/internal/pkg/ecaerr"
)

// SSHSecurityGroup is the group that opens port 22 to cluster nodes.
const SSHSecurityGroup = "ECA-SSH"

// EC2Client wraps the EC2 API with the calls a cluster launch needs.
type EC2Client struct {
	ec2iface.EC2API
}

func awsCode(err error) string {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		return aerr.Code()
	}
	return ""
}

// transient marks provider errors that are worth polling through.
func transient(err error) error {
	switch awsCode(err) {
	case "RequestLimitExceeded", "Throttling", "InvalidInstanceID.NotFound",
		"InvalidSpotInstanceRequestID.NotFound", "ServiceUnavailable", "InternalError":
		return fmt.Errorf("%w: %v", ecaerr.ErrTransient, err)
	}
	return err
}

func isTransient(err error) bool {
	return errors.Is(err, ecaerr.ErrTransient)
}

func permitsSSH(perm *ec2.IpPermission) bool {
	if aws.StringValue(perm.IpProtocol) != "tcp" ||
		aws.Int64Value(perm.FromPort) != 22 || aws.Int64Value(perm.ToPort) != 22 {
		return false
	}
	for _, r := range perm.IpRanges {
		if aws.StringValue(r.CidrIp) == "0.0.0.0/0" {
			return true
		}
	}
	return false
}

// EnsureSecurityGroup makes sure the named group exists and allows tcp/22
// from anywhere, creating or fixing it as needed.
func (c *EC2Client) EnsureSecurityGroup(name string) error {
	out, err := c.DescribeSecurityGroups(&ec2.DescribeSecurityGroupsInput{
		GroupNames: []*string{aws.String(name)},
	})
	if err != nil && awsCode(err) != "InvalidGroup.NotFound" {
		return err
	}

	if err == nil && len(out.SecurityGroups) > 0 {
		for _, perm := range out.SecurityGroups[0].IpPermissions {
			if permitsSSH(perm) {
				log.Debugf("ssh security group (%s) found and is valid", name)
				return nil
			}
		}
		log.Infof("ssh security group (%s) lacks a tcp/22 rule, adding it", name)
	} else {
		log.Infof("creating ssh security group (%s)", name)
		_, err := c.CreateSecurityGroup(&ec2.CreateSecurityGroupInput{
			GroupName:   aws.String(name),
			Description: aws.String("ssh"),
		})
		if err != nil {
			return err
		}
	}

	_, err = c.AuthorizeSecurityGroupIngress(&ec2.AuthorizeSecurityGroupIngressInput{
		GroupName:  aws.String(name),
		IpProtocol: aws.String("tcp"),
		FromPort:   aws.Int64(22),
		ToPort:     aws.Int64(22),
		CidrIp:     aws.String("0.0.0.0/0"),
	})
	if awsCode(err) == "InvalidPermission.Duplicate" {
		return nil
	}
	return err
}

// IsClusterComputeType reports whether instanceType needs a placement group.
func IsClusterComputeType(instanceType string) bool {
	return strings.HasPrefix(instanceType, "cc") || strings.HasPrefix(instanceType, "cg") ||
		strings.HasPrefix(instanceType, "cr")
}

// EnsurePlacementGroup creates the named cluster placement group if missing.
func (c *EC2Client) EnsurePlacementGroup(name string) error {
	out, err := c.DescribePlacementGroups(&ec2.DescribePlacementGroupsInput{
		GroupNames: []*string{aws.String(name)},
	})
	if err == nil && len(out.PlacementGroups) > 0 {
		log.Debugf("EC2 placement group %s exists", name)
		return nil
	}
	if err != nil && awsCode(err) != "InvalidPlacementGroup.Unknown" {
		return err
	}

	log.Infof("creating EC2 placement group %s", name)
	_, err = c.CreatePlacementGroup(&ec2.CreatePlacementGroupInput{
		GroupName: aws.String(name),
		Strategy:  aws.String(ec2.PlacementStrategyCluster),
	})
	if awsCode(err) == "InvalidPlacementGroup.Duplicate" {
		return nil
	}
	return err
}

// describe returns the current view of the given instances.
func (c *EC2Client) describe(ids []string) ([]*ec2.Instance, error) {
	var instances []*ec2.Instance
	err := c.DescribeInstancesPages(&ec2.DescribeInstancesInput{
		InstanceIds: aws.StringSlice(ids),
	}, func(page *ec2.DescribeInstancesOutput, _ bool) bool {
		for _, res := range page.Reservations {
			instances = append(instances, res.Instances...)
		}
		return true
	})
	return instances, transient(err)
}

// InstanceState returns the EC2 state name of one instance.
func (c *EC2Client) InstanceState(id string) (string, error) {
	instances, err := c.describe([]string{id})
	if err != nil {
		return "", err
	}
	if len(instances) == 0 {
		return ec2.InstanceStateNameTerminated, nil
	}
	return aws.StringValue(instances[0].State.Name), nil
}

// Member is one instance of a running cluster as seen from a node.
type Member struct {
	ID             string
	PrivateAddress string
	LaunchIndex    int
	SpotRequestID  string
}

// Members lists the live instances sharing a reservation, or, for spot
// clusters, a launch group. Members are sorted by launch index, then by the
// order their spot requests were created.
func (c *EC2Client) Members(reservationID, launchGroup string) ([]Member, error) {
	var filters []*ec2.Filter
	if launchGroup != "" {
		reqs, err := c.DescribeSpotInstanceRequests(&ec2.DescribeSpotInstanceRequestsInput{
			Filters: []*ec2.Filter{{Name: aws.String("launch-group"), Values: aws.StringSlice([]string{launchGroup})}},
		})
		if err != nil {
			return nil, transient(err)
		}
		sort.SliceStable(reqs.SpotInstanceRequests, func(i, j int) bool {
			return aws.TimeValue(reqs.SpotInstanceRequests[i].CreateTime).Before(aws.TimeValue(reqs.SpotInstanceRequests[j].CreateTime))
		})
		var ids []string
		for _, r := range reqs.SpotInstanceRequests {
			if id := aws.StringValue(r.InstanceId); id != "" {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			return nil, nil
		}
		instances, err := c.describe(ids)
		if err != nil {
			return nil, err
		}
		byID := map[string]*ec2.Instance{}
		for _, inst := range instances {
			byID[aws.StringValue(inst.InstanceId)] = inst
		}
		var members []Member
		for _, id := range ids {
			if inst, ok := byID[id]; ok && live(inst) {
				members = append(members, memberOf(inst))
			}
		}
		return members, nil
	}

	filters = append(filters, &ec2.Filter{Name: aws.String("reservation-id"), Values: aws.StringSlice([]string{reservationID})})
	var members []Member
	err := c.DescribeInstancesPages(&ec2.DescribeInstancesInput{Filters: filters},
		func(page *ec2.DescribeInstancesOutput, _ bool) bool {
			for _, res := range page.Reservations {
				for _, inst := range res.Instances {
					if live(inst) {
						members = append(members, memberOf(inst))
					}
				}
			}
			return true
		})
	if err != nil {
		return nil, transient(err)
	}
	sort.SliceStable(members, func(i, j int) bool { return members[i].LaunchIndex < members[j].LaunchIndex })
	return members, nil
}

func live(inst *ec2.Instance) bool {
	switch aws.StringValue(inst.State.Name) {
	case ec2.InstanceStateNamePending, ec2.InstanceStateNameRunning:
		return true
	}
	return false
}

func memberOf(inst *ec2.Instance) Member {
	return Member{
		ID:             aws.StringValue(inst.InstanceId),
		PrivateAddress: aws.StringValue(inst.PrivateIpAddress),
		LaunchIndex:    int(aws.Int64Value(inst.AmiLaunchIndex)),
		SpotRequestID:  aws.StringValue(inst.SpotInstanceRequestId),
	}
}

// Terminate terminates the given instances. It is best-effort: every batch
// is attempted and the first error is returned.
func (c *EC2Client) Terminate(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	log.Infof("terminating %d instance(s): %s", len(ids), strings.Join(ids, " "))

	g, _ := errgroup.WithContext(ctx)
	for start := 0; start < len(ids); start += terminateBatch {
		end := start + terminateBatch
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]
		g.Go(func() error {
			_, err := c.TerminateInstances(&ec2.TerminateInstancesInput{InstanceIds: aws.StringSlice(batch)})
			if err != nil {
				log.Errorf("failed to terminate %s: %s", strings.Join(batch, " "), err)
			}
			return err
		})
	}
	return g.Wait()
}

const terminateBatch = 50

// CancelSpotRequests cancels the given spot requests.
func (c *EC2Client) CancelSpotRequests(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := c.CancelSpotInstanceRequests(&ec2.CancelSpotInstanceRequestsInput{
		SpotInstanceRequestIds: aws.StringSlice(ids),
	})
	if err != nil {
		log.Errorf("failed to cancel spot requests %s: %s", strings.Join(ids, " "), err)
	}
	return err
}
