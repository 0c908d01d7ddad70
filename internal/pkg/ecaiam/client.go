// Package ecaiam deploys the IAM role and instance profile cluster nodes run
// under, so a coordinator can read the job store and terminate its workers
// without static credentials.
package ecaiam

import (
	"fmt"
	"net/url"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/iam"
	"github.com/aws/aws-sdk-go/service/iam/iamiface"
	log "github.com/sirupsen/logrus"

	"github.com/bcongdon/ensemble/internal/pkg/ecaerr"
)

type IAMClient struct {
	iamiface.IAMAPI
}

const AssumePolicyDocument = `{
  "Version": "2012-10-17",
  "Statement": [
    {
      "Sid": "",
      "Effect": "Allow",
      "Principal": {
        "Service": [
          "ec2.amazonaws.com"
        ]
      },
      "Action": "sts:AssumeRole"
    }
  ]
}`

const NodePolicyDocument = `{
    "Version": "2012-10-17",
    "Statement": [
        {
            "Effect": "Allow",
            "Action": [
                "ec2:CancelSpotInstanceRequests",
                "ec2:DescribeInstances",
                "ec2:DescribeInstanceStatus",
                "ec2:DescribeSpotInstanceRequests",
                "ec2:TerminateInstances"
            ],
            "Resource": "*"
        },
        {
            "Effect": "Allow",
            "Action": [
                "s3:*"
            ],
            "Resource": "arn:aws:s3:::*"
        }
    ]
}`

const nodePolicyName = "eca-node-permissions"

// DefaultRoleName is used when the job does not name a role.
const DefaultRoleName = "eca-node"

func notFound(err error) bool {
	aerr, ok := err.(awserr.Error)
	return ok && aerr.Code() == iam.ErrCodeNoSuchEntityException
}

// samePolicy compares a policy document as returned by IAM, which URL-encodes
// it, with a local one.
func samePolicy(remote *string, local string) bool {
	if remote == nil {
		return false
	}
	doc, err := url.QueryUnescape(*remote)
	if err != nil {
		doc = *remote
	}
	return doc == local
}

func (iamClient *IAMClient) deployRole(roleName string) (roleARN string, err error) {
	getParams := &iam.GetRoleInput{
		RoleName: aws.String(roleName),
	}
	exists, err := iamClient.GetRole(getParams)
	if err != nil && !notFound(err) {
		return "", err
	}

	if err == nil && exists != nil {
		log.Debugf("IAM Role '%s' already exists", roleName)
		if !samePolicy(exists.Role.AssumeRolePolicyDocument, AssumePolicyDocument) {
			log.Debugf("Updating assume role policy of '%s'", roleName)
			_, err := iamClient.UpdateAssumeRolePolicy(&iam.UpdateAssumeRolePolicyInput{
				RoleName:       aws.String(roleName),
				PolicyDocument: aws.String(AssumePolicyDocument),
			})
			if err != nil {
				return "", err
			}
		}
		return aws.StringValue(exists.Role.Arn), nil
	}

	createParams := &iam.CreateRoleInput{
		AssumeRolePolicyDocument: aws.String(AssumePolicyDocument),
		RoleName:                 aws.String(roleName),
		Description:              aws.String("Cluster nodes launched by eca"),
	}
	log.Debugf("Creating IAM role '%s'", roleName)
	role, err := iamClient.CreateRole(createParams)
	if err != nil {
		return "", err
	}
	return aws.StringValue(role.Role.Arn), nil
}

func (iamClient *IAMClient) deployPolicy(roleName string) error {
	getParams := &iam.GetRolePolicyInput{
		RoleName:   aws.String(roleName),
		PolicyName: aws.String(nodePolicyName),
	}

	exists, err := iamClient.GetRolePolicy(getParams)
	if err != nil && !notFound(err) {
		return err
	}
	if err == nil && exists != nil && samePolicy(exists.PolicyDocument, NodePolicyDocument) {
		log.Debugf("Policy '%s' already exists", nodePolicyName)
		return nil
	}

	createParams := &iam.PutRolePolicyInput{
		PolicyName:     aws.String(nodePolicyName),
		PolicyDocument: aws.String(NodePolicyDocument),
		RoleName:       aws.String(roleName),
	}

	log.Debugf("Putting policy '%s'", nodePolicyName)
	_, err = iamClient.PutRolePolicy(createParams)
	return err
}

// deployInstanceProfile makes sure an instance profile named after the role
// exists and carries it.
func (iamClient *IAMClient) deployInstanceProfile(roleName string) error {
	getParams := &iam.GetInstanceProfileInput{
		InstanceProfileName: aws.String(roleName),
	}
	exists, err := iamClient.GetInstanceProfile(getParams)
	if err != nil && !notFound(err) {
		return err
	}

	var profile *iam.InstanceProfile
	if err == nil && exists != nil {
		profile = exists.InstanceProfile
	} else {
		log.Debugf("Creating instance profile '%s'", roleName)
		created, err := iamClient.CreateInstanceProfile(&iam.CreateInstanceProfileInput{
			InstanceProfileName: aws.String(roleName),
		})
		if err != nil {
			return err
		}
		profile = created.InstanceProfile
		// EC2 rejects a profile it cannot see yet.
		if err := iamClient.WaitUntilInstanceProfileExists(getParams); err != nil {
			return err
		}
	}

	if profile != nil {
		for _, role := range profile.Roles {
			if aws.StringValue(role.RoleName) == roleName {
				return nil
			}
		}
	}
	log.Debugf("Adding role '%s' to instance profile", roleName)
	_, err = iamClient.AddRoleToInstanceProfile(&iam.AddRoleToInstanceProfileInput{
		InstanceProfileName: aws.String(roleName),
		RoleName:            aws.String(roleName),
	})
	return err
}

// DeployPermissions creates or updates the node role, its policy and an
// instance profile of the same name. It returns the role ARN; instances are
// launched with the profile name.
func (iamClient *IAMClient) DeployPermissions(roleName string) (roleARN string, err error) {
	roleARN, err = iamClient.deployRole(roleName)
	if err != nil {
		return roleARN, fmt.Errorf("%w: deploying role %s: %v", ecaerr.ErrConfiguration, roleName, err)
	}

	if err = iamClient.deployPolicy(roleName); err != nil {
		return roleARN, fmt.Errorf("%w: deploying policy for %s: %v", ecaerr.ErrConfiguration, roleName, err)
	}

	if err = iamClient.deployInstanceProfile(roleName); err != nil {
		return roleARN, fmt.Errorf("%w: deploying instance profile %s: %v", ecaerr.ErrConfiguration, roleName, err)
	}
	return roleARN, nil
}

// DeletePermissions removes everything DeployPermissions created. Missing
// pieces are skipped.
func (iamClient *IAMClient) DeletePermissions(roleName string) error {
	steps := []func() error{
		func() error {
			_, err := iamClient.RemoveRoleFromInstanceProfile(&iam.RemoveRoleFromInstanceProfileInput{
				InstanceProfileName: aws.String(roleName),
				RoleName:            aws.String(roleName),
			})
			return err
		},
		func() error {
			_, err := iamClient.DeleteInstanceProfile(&iam.DeleteInstanceProfileInput{
				InstanceProfileName: aws.String(roleName),
			})
			return err
		},
		func() error {
			_, err := iamClient.DeleteRolePolicy(&iam.DeleteRolePolicyInput{
				RoleName:   aws.String(roleName),
				PolicyName: aws.String(nodePolicyName),
			})
			return err
		},
		func() error {
			_, err := iamClient.DeleteRole(&iam.DeleteRoleInput{
				RoleName: aws.String(roleName),
			})
			return err
		},
	}
	for _, step := range steps {
		if err := step(); err != nil && !notFound(err) {
			return err
		}
	}
	return nil
}

// NewIAMClient initializes a new IAMClient
func NewIAMClient(sess *session.Session) *IAMClient {
	return &IAMClient{
		iam.New(sess),
	}
}
