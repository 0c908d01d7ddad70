package ecafs

import (
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/service/s3"
)

// ErrNotExist is returned when a file or object is absent.
var ErrNotExist = os.ErrNotExist

// FileSystem provides the durable shared store for a cluster run.
// Job inputs are staged into it by the launcher, nodes read them back, and
// logs, membership markers and results are written to it by the nodes.
// This is abstracted so that local runs and S3 share one code path.
type FileSystem interface {
	ListFiles(pathGlob string) ([]FileInfo, error)
	Stat(filePath string) (FileInfo, error)
	OpenReader(filePath string, startAt int64) (io.ReadCloser, error)
	OpenWriter(filePath string) (io.WriteCloser, error)
	Delete(filePath string) error
	Init() error
	Join(elem ...string) string
}

// FileInfo provides information about a file
type FileInfo struct {
	Name     string // file path
	Size     int64  // file size in bytes
	Checksum string // hex md5 of the content, empty when the store can't report one
}

// InferFilesystem returns the store a location lives on. Locations starting
// with "s3://" resolve to S3 through sess; anything else is local disk.
func InferFilesystem(sess client.ConfigProvider, location string) FileSystem {
	if strings.HasPrefix(location, "s3://") {
		return NewS3FileSystem(s3.New(sess))
	}
	return &LocalFileSystem{}
}
