package ecafs

import (
	"archive/tar"
	"bytes"
	"encoding/base64"
	"io"
	"io/ioutil"
	"path"
	"time"

	"github.com/klauspost/compress/gzip"
)

// BundleFile is one member of a bundle. When Content is nil the file is read
// from Path on local disk. Members are stored under the base name of Path.
type BundleFile struct {
	Path    string
	Content []byte
}

// PackBundle builds an in-memory tar.gz of files and returns it base64
// encoded, ready to be pushed over a text channel.
func PackBundle(files []BundleFile) (string, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)

	now := time.Now()
	for _, f := range files {
		content := f.Content
		if content == nil {
			data, err := ioutil.ReadFile(f.Path)
			if err != nil {
				return "", err
			}
			content = data
		}
		hdr := &tar.Header{
			Name:    path.Base(S3CompatibleName(f.Path)),
			Mode:    0700,
			Size:    int64(len(content)),
			ModTime: now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return "", err
		}
		if _, err := tw.Write(content); err != nil {
			return "", err
		}
	}

	if err := tw.Close(); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// UnpackBundle reverses PackBundle, returning member name to content.
func UnpackBundle(encoded string) (map[string][]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	files := map[string][]byte{}
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		data, err := ioutil.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		files[hdr.Name] = data
	}
	return files, nil
}
