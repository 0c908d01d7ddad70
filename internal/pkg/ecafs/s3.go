package ecafs

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/mattetti/filebuffer"
)

// Chunk size used for ranged reads of S3 objects.
const s3ReadChunkSize int64 = 30 * 1024 * 1024

// S3FileSystem abstracts AWS S3 as a FileSystem. Paths take the form
// s3://<bucket>/<key>.
type S3FileSystem struct {
	client s3iface.S3API
}

// NewS3FileSystem returns an S3FileSystem that uses client.
func NewS3FileSystem(client s3iface.S3API) *S3FileSystem {
	return &S3FileSystem{client: client}
}

func parseS3URI(uri string) (*url.URL, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "s3" {
		return nil, fmt.Errorf("invalid s3 path %q", uri)
	}
	parsed.Path = strings.TrimPrefix(parsed.Path, "/")
	return parsed, nil
}

func isNotFound(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}

func notExist(op, filePath string) error {
	return &os.PathError{Op: op, Path: filePath, Err: ErrNotExist}
}

// globPrefix returns the longest literal prefix of a key glob.
func globPrefix(keyGlob string) string {
	if i := strings.IndexAny(keyGlob, "*?[{\\"); i >= 0 {
		return keyGlob[:i]
	}
	return keyGlob
}

// ListFiles lists the objects matched by pathGlob. A glob without
// metacharacters lists every object under that prefix.
func (s *S3FileSystem) ListFiles(pathGlob string) ([]FileInfo, error) {
	s3Files := make([]FileInfo, 0)

	parsed, err := parseS3URI(pathGlob)
	if err != nil {
		return nil, err
	}
	keyGlob := parsed.Path
	prefix := globPrefix(keyGlob)
	literal := prefix == keyGlob

	params := &s3.ListObjectsV2Input{
		Bucket: aws.String(parsed.Host),
		Prefix: aws.String(prefix),
	}
	var matchErr error
	err = s.client.ListObjectsV2Pages(params,
		func(page *s3.ListObjectsV2Output, _ bool) bool {
			for _, object := range page.Contents {
				key := aws.StringValue(object.Key)
				if !literal {
					ok, err := doublestar.Match(keyGlob, key)
					if err != nil {
						matchErr = err
						return false
					}
					if !ok {
						continue
					}
				}
				s3Files = append(s3Files, FileInfo{
					Name:     fmt.Sprintf("s3://%s/%s", parsed.Host, key),
					Size:     aws.Int64Value(object.Size),
					Checksum: etagChecksum(aws.StringValue(object.ETag)),
				})
			}
			return true
		})
	if matchErr != nil {
		return nil, matchErr
	}

	return s3Files, err
}

// etagChecksum turns an S3 ETag into an md5 checksum. Multipart ETags are
// not content hashes and yield "".
func etagChecksum(etag string) string {
	sum := strings.Trim(etag, "\"")
	if strings.Contains(sum, "-") {
		return ""
	}
	return sum
}

func (s *S3FileSystem) OpenReader(filePath string, startAt int64) (io.ReadCloser, error) {
	parsed, err := parseS3URI(filePath)
	if err != nil {
		return nil, err
	}

	objStat, err := s.Stat(filePath)
	if err != nil {
		return nil, err
	}

	reader := &s3Reader{
		client:    s.client,
		bucket:    parsed.Host,
		key:       parsed.Path,
		offset:    startAt,
		chunkSize: s3ReadChunkSize,
		totalSize: objStat.Size,
	}
	if startAt >= objStat.Size {
		reader.chunk = io.NopCloser(strings.NewReader(""))
		return reader, nil
	}
	err = reader.loadNextChunk()
	return reader, err
}

func (s *S3FileSystem) OpenWriter(filePath string) (io.WriteCloser, error) {
	parsed, err := parseS3URI(filePath)
	if err != nil {
		return nil, err
	}

	writer := &s3Writer{
		client: s.client,
		bucket: parsed.Host,
		key:    parsed.Path,
		buf:    filebuffer.New(nil),
	}
	return writer, nil
}

func (s *S3FileSystem) Stat(filePath string) (FileInfo, error) {
	parsed, err := parseS3URI(filePath)
	if err != nil {
		return FileInfo{}, err
	}

	params := &s3.HeadObjectInput{
		Bucket: aws.String(parsed.Host),
		Key:    aws.String(parsed.Path),
	}
	result, err := s.client.HeadObject(params)
	if err != nil {
		if isNotFound(err) {
			return FileInfo{}, notExist("stat", filePath)
		}
		return FileInfo{}, err
	}

	return FileInfo{
		Name:     filePath,
		Size:     aws.Int64Value(result.ContentLength),
		Checksum: etagChecksum(aws.StringValue(result.ETag)),
	}, nil
}

func (s *S3FileSystem) Delete(filePath string) error {
	parsed, err := parseS3URI(filePath)
	if err != nil {
		return err
	}

	params := &s3.DeleteObjectInput{
		Bucket: aws.String(parsed.Host),
		Key:    aws.String(parsed.Path),
	}
	_, err = s.client.DeleteObject(params)
	return err
}

func (s *S3FileSystem) Init() error {
	if s.client != nil {
		return nil
	}
	os.Setenv("AWS_SDK_LOAD_CONFIG", "true")
	sess, err := session.NewSession()
	if err != nil {
		return err
	}
	s.client = s3.New(sess)
	return nil
}

// Join joins file path elements
func (s *S3FileSystem) Join(elem ...string) string {
	stripped := make([]string, len(elem))
	for i, str := range elem {
		if strings.HasPrefix(str, "s3://") {
			str = str[len("s3://"):]
		}
		stripped[i] = str
	}
	return "s3://" + path.Join(stripped...)
}
