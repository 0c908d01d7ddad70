package ecaec2

import (
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcongdon/ensemble/internal/pkg/ecaerr"
)

type mockGroupClient struct {
	ec2iface.EC2API
	groups     map[string][]*ec2.IpPermission
	placements map[string]bool
	created    []string
	authorized []string
}

func (m *mockGroupClient) DescribeSecurityGroups(input *ec2.DescribeSecurityGroupsInput) (*ec2.DescribeSecurityGroupsOutput, error) {
	name := *input.GroupNames[0]
	perms, ok := m.groups[name]
	if !ok {
		return nil, awserr.New("InvalidGroup.NotFound", "not found", nil)
	}
	return &ec2.DescribeSecurityGroupsOutput{
		SecurityGroups: []*ec2.SecurityGroup{{GroupName: aws.String(name), IpPermissions: perms}},
	}, nil
}

func (m *mockGroupClient) CreateSecurityGroup(input *ec2.CreateSecurityGroupInput) (*ec2.CreateSecurityGroupOutput, error) {
	m.created = append(m.created, *input.GroupName)
	m.groups[*input.GroupName] = nil
	return &ec2.CreateSecurityGroupOutput{GroupId: aws.String("sg-1")}, nil
}

func (m *mockGroupClient) AuthorizeSecurityGroupIngress(input *ec2.AuthorizeSecurityGroupIngressInput) (*ec2.AuthorizeSecurityGroupIngressOutput, error) {
	m.authorized = append(m.authorized, *input.GroupName)
	return &ec2.AuthorizeSecurityGroupIngressOutput{}, nil
}

func (m *mockGroupClient) DescribePlacementGroups(input *ec2.DescribePlacementGroupsInput) (*ec2.DescribePlacementGroupsOutput, error) {
	name := *input.GroupNames[0]
	if !m.placements[name] {
		return nil, awserr.New("InvalidPlacementGroup.Unknown", "unknown", nil)
	}
	return &ec2.DescribePlacementGroupsOutput{
		PlacementGroups: []*ec2.PlacementGroup{{GroupName: aws.String(name)}},
	}, nil
}

func (m *mockGroupClient) CreatePlacementGroup(input *ec2.CreatePlacementGroupInput) (*ec2.CreatePlacementGroupOutput, error) {
	m.created = append(m.created, "pg:"+*input.GroupName)
	m.placements[*input.GroupName] = true
	return &ec2.CreatePlacementGroupOutput{}, nil
}

func sshPermission() *ec2.IpPermission {
	return &ec2.IpPermission{
		IpProtocol: aws.String("tcp"),
		FromPort:   aws.Int64(22),
		ToPort:     aws.Int64(22),
		IpRanges:   []*ec2.IpRange{{CidrIp: aws.String("0.0.0.0/0")}},
	}
}

func TestEnsureSecurityGroupValid(t *testing.T) {
	mock := &mockGroupClient{groups: map[string][]*ec2.IpPermission{SSHSecurityGroup: {sshPermission()}}}
	client := &EC2Client{mock}

	assert.Nil(t, client.EnsureSecurityGroup(SSHSecurityGroup))
	assert.Empty(t, mock.created)
	assert.Empty(t, mock.authorized)
}

func TestEnsureSecurityGroupCreates(t *testing.T) {
	mock := &mockGroupClient{groups: map[string][]*ec2.IpPermission{}}
	client := &EC2Client{mock}

	assert.Nil(t, client.EnsureSecurityGroup(SSHSecurityGroup))
	assert.Equal(t, []string{SSHSecurityGroup}, mock.created)
	assert.Equal(t, []string{SSHSecurityGroup}, mock.authorized)
}

func TestEnsureSecurityGroupRepairsRule(t *testing.T) {
	wrong := sshPermission()
	wrong.FromPort = aws.Int64(80)
	wrong.ToPort = aws.Int64(80)
	mock := &mockGroupClient{groups: map[string][]*ec2.IpPermission{SSHSecurityGroup: {wrong}}}
	client := &EC2Client{mock}

	assert.Nil(t, client.EnsureSecurityGroup(SSHSecurityGroup))
	assert.Empty(t, mock.created)
	assert.Equal(t, []string{SSHSecurityGroup}, mock.authorized)
}

func TestEnsurePlacementGroup(t *testing.T) {
	mock := &mockGroupClient{placements: map[string]bool{}}
	client := &EC2Client{mock}

	assert.Nil(t, client.EnsurePlacementGroup("ECA"))
	assert.Nil(t, client.EnsurePlacementGroup("ECA"))
	assert.Equal(t, []string{"pg:ECA"}, mock.created)

	assert.True(t, IsClusterComputeType("cc2.8xlarge"))
	assert.False(t, IsClusterComputeType("m1.large"))
}

type mockMembersClient struct {
	ec2iface.EC2API
	requests  []*ec2.SpotInstanceRequest
	instances map[string]*ec2.Instance
}

func (m *mockMembersClient) DescribeSpotInstanceRequests(input *ec2.DescribeSpotInstanceRequestsInput) (*ec2.DescribeSpotInstanceRequestsOutput, error) {
	return &ec2.DescribeSpotInstanceRequestsOutput{SpotInstanceRequests: m.requests}, nil
}

func (m *mockMembersClient) DescribeInstancesPages(input *ec2.DescribeInstancesInput, fn func(*ec2.DescribeInstancesOutput, bool) bool) error {
	res := &ec2.Reservation{}
	if len(input.InstanceIds) > 0 {
		for _, id := range aws.StringValueSlice(input.InstanceIds) {
			res.Instances = append(res.Instances, m.instances[id])
		}
	} else {
		for _, inst := range m.instances {
			res.Instances = append(res.Instances, inst)
		}
	}
	fn(&ec2.DescribeInstancesOutput{Reservations: []*ec2.Reservation{res}}, true)
	return nil
}

func testInstance(id, state string, index int64) *ec2.Instance {
	return &ec2.Instance{
		InstanceId:       aws.String(id),
		State:            &ec2.InstanceState{Name: aws.String(state)},
		AmiLaunchIndex:   aws.Int64(index),
		PrivateIpAddress: aws.String("10.0.0." + id[len(id)-1:]),
	}
}

func TestMembersByLaunchGroup(t *testing.T) {
	base := time.Unix(1000, 0)
	mock := &mockMembersClient{
		requests: []*ec2.SpotInstanceRequest{
			{SpotInstanceRequestId: aws.String("sir-b"), InstanceId: aws.String("i-2"), CreateTime: aws.Time(base.Add(2 * time.Second))},
			{SpotInstanceRequestId: aws.String("sir-a"), InstanceId: aws.String("i-1"), CreateTime: aws.Time(base)},
			{SpotInstanceRequestId: aws.String("sir-c"), CreateTime: aws.Time(base.Add(3 * time.Second))},
		},
		instances: map[string]*ec2.Instance{
			"i-1": testInstance("i-1", ec2.InstanceStateNameRunning, 0),
			"i-2": testInstance("i-2", ec2.InstanceStateNameRunning, 0),
		},
	}
	client := &EC2Client{mock}

	members, err := client.Members("", "eca-lg")
	require.Nil(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "i-1", members[0].ID)
	assert.Equal(t, "i-2", members[1].ID)
}

func TestMembersByReservation(t *testing.T) {
	mock := &mockMembersClient{
		instances: map[string]*ec2.Instance{
			"i-3": testInstance("i-3", ec2.InstanceStateNameRunning, 2),
			"i-1": testInstance("i-1", ec2.InstanceStateNameRunning, 0),
			"i-2": testInstance("i-2", ec2.InstanceStateNameTerminated, 1),
		},
	}
	client := &EC2Client{mock}

	members, err := client.Members("r-1", "")
	require.Nil(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "i-1", members[0].ID)
	assert.Equal(t, 2, members[1].LaunchIndex)
}

func TestSpotBid(t *testing.T) {
	bid, err := SpotBid("0.12", "m1.large")
	assert.Nil(t, err)
	assert.Equal(t, "0.12", bid)

	bid, err = SpotBid("50%", "c1.xlarge")
	assert.Nil(t, err)
	assert.Equal(t, "0.340", bid)

	_, err = SpotBid("50%", "x9.huge")
	assert.True(t, errors.Is(err, ecaerr.ErrConfiguration))

	_, err = SpotBid("lots%", "m1.large")
	assert.True(t, errors.Is(err, ecaerr.ErrConfiguration))
}

func TestStateLetters(t *testing.T) {
	assert.Equal(t, "P", StatePending.Letter())
	assert.Equal(t, "B", ec2State(ec2.InstanceStateNameRunning, false).Letter())
	assert.Equal(t, "R", ec2State(ec2.InstanceStateNameRunning, true).Letter())
	assert.Equal(t, "T", ec2State(ec2.InstanceStateNameShuttingDown, false).Letter())
}
