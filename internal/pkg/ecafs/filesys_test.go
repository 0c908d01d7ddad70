package ecafs

import (
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInferFilesystem(t *testing.T) {
	sess := session.Must(session.NewSession(aws.NewConfig().WithRegion("us-east-1")))

	fs := InferFilesystem(sess, "s3://eca-test/align_runs/20261014120000")
	require.IsType(t, &S3FileSystem{}, fs)
	assert.NotNil(t, fs.(*S3FileSystem).client)

	fs = InferFilesystem(sess, "/data/align_runs/20261014120000")
	assert.IsType(t, &LocalFileSystem{}, fs)
}

func TestS3CompatibleName(t *testing.T) {
	assert.Equal(t, "c/data/run.R", S3CompatibleName(`c:\data\run.R`))
	assert.Equal(t, "jobs/a.json", S3CompatibleName("jobs/a.json"))
	assert.Equal(t, "my-bucket", S3CompatibleBucket("My_Bucket"))
}
