package ecafs

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcongdon/ensemble/internal/pkg/ecaerr"
)

func checksum(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// memFileSystem is an in-memory FileSystem. reads, when set, supplies the
// body returned by each successive OpenReader call for a path.
type memFileSystem struct {
	mu      sync.Mutex
	objects map[string][]byte
	reads   map[string][][]byte
	opens   map[string]int
	writes  map[string]int
}

func newMemFileSystem() *memFileSystem {
	return &memFileSystem{
		objects: map[string][]byte{},
		reads:   map[string][][]byte{},
		opens:   map[string]int{},
		writes:  map[string]int{},
	}
}

func (m *memFileSystem) ListFiles(pathGlob string) ([]FileInfo, error) {
	return nil, nil
}

func (m *memFileSystem) Stat(filePath string) (FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[filePath]
	if !ok {
		return FileInfo{}, notExist("stat", filePath)
	}
	return FileInfo{Name: filePath, Size: int64(len(data)), Checksum: checksum(data)}, nil
}

func (m *memFileSystem) OpenReader(filePath string, startAt int64) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[filePath]
	if !ok {
		return nil, notExist("open", filePath)
	}
	n := m.opens[filePath]
	m.opens[filePath]++
	if bodies := m.reads[filePath]; n < len(bodies) {
		data = bodies[n]
	}
	return ioutil.NopCloser(bytes.NewReader(data[startAt:])), nil
}

type memWriter struct {
	bytes.Buffer
	fs   *memFileSystem
	path string
}

func (w *memWriter) Close() error {
	w.fs.mu.Lock()
	defer w.fs.mu.Unlock()
	w.fs.objects[w.path] = w.Bytes()
	w.fs.writes[w.path]++
	return nil
}

func (m *memFileSystem) OpenWriter(filePath string) (io.WriteCloser, error) {
	return &memWriter{fs: m, path: filePath}, nil
}

func (m *memFileSystem) Delete(filePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, filePath)
	return nil
}

func (m *memFileSystem) Init() error { return nil }

func (m *memFileSystem) Join(elem ...string) string {
	return filepath.Join(elem...)
}

type sleepRecorder struct {
	waits []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return ctx.Err()
}

func TestDownloadRetriesOnceAfterChecksumMismatch(t *testing.T) {
	tmpdir, err := ioutil.TempDir("", "stager")
	require.Nil(t, err)
	defer os.RemoveAll(tmpdir)

	remote := newMemFileSystem()
	remote.objects["job/input.dat"] = []byte("abc")
	remote.reads["job/input.dat"] = [][]byte{[]byte("abd"), []byte("abc")}

	rec := &sleepRecorder{}
	stager := NewStager(remote, WithSleep(rec.sleep), WithWaitUnit(time.Millisecond))

	local := filepath.Join(tmpdir, "input.dat")
	err = stager.DownloadFile(context.Background(), "job/input.dat", local)
	assert.Nil(t, err)

	assert.Equal(t, 2, remote.opens["job/input.dat"])
	assert.Len(t, rec.waits, 1)
	assert.True(t, rec.waits[0] >= 3*time.Millisecond && rec.waits[0] < 15*time.Millisecond)

	contents, err := ioutil.ReadFile(local)
	assert.Nil(t, err)
	assert.Equal(t, "abc", string(contents))
}

func TestDownloadMismatchNeverSurfacesPartialFile(t *testing.T) {
	tmpdir, err := ioutil.TempDir("", "stager")
	require.Nil(t, err)
	defer os.RemoveAll(tmpdir)

	remote := newMemFileSystem()
	remote.objects["obj"] = []byte("abc")
	remote.reads["obj"] = [][]byte{[]byte("ab"), []byte("ab"), []byte("ab")}

	rec := &sleepRecorder{}
	stager := NewStager(remote, WithSleep(rec.sleep), WithWaitUnit(time.Millisecond), WithDownloadRetries(3))

	local := filepath.Join(tmpdir, "obj")
	err = stager.DownloadFile(context.Background(), "obj", local)
	assert.True(t, errors.Is(err, ecaerr.ErrVerification))
	assert.Len(t, rec.waits, 2)
	assert.True(t, rec.waits[1] >= 4*time.Millisecond)

	_, err = os.Stat(local)
	assert.True(t, os.IsNotExist(err))
}

func TestDownloadHonoursCancellation(t *testing.T) {
	remote := newMemFileSystem()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stager := NewStager(remote, WithSleep(sleepContext))
	err := stager.DownloadFile(ctx, "missing", filepath.Join(os.TempDir(), "never"))
	assert.Equal(t, context.Canceled, err)
}

func TestUploadSkipsIdenticalObject(t *testing.T) {
	tmpdir, err := ioutil.TempDir("", "stager")
	require.Nil(t, err)
	defer os.RemoveAll(tmpdir)

	local := filepath.Join(tmpdir, "script.R")
	require.Nil(t, ioutil.WriteFile(local, []byte("print(1)"), 0644))

	remote := newMemFileSystem()
	stager := NewStager(remote)

	key, err := stager.UploadFile(local, "job/script.R", false, false)
	assert.Nil(t, err)
	assert.Equal(t, "job/script.R", key)
	assert.Equal(t, 1, remote.writes["job/script.R"])

	key, err = stager.UploadFile(local, "job/script.R", false, false)
	assert.Nil(t, err)
	assert.Equal(t, "job/script.R", key)
	assert.Equal(t, 1, remote.writes["job/script.R"])
}

func TestUploadMismatchRequiresOverwrite(t *testing.T) {
	tmpdir, err := ioutil.TempDir("", "stager")
	require.Nil(t, err)
	defer os.RemoveAll(tmpdir)

	local := filepath.Join(tmpdir, "data.csv")
	require.Nil(t, ioutil.WriteFile(local, []byte("new"), 0644))

	remote := newMemFileSystem()
	remote.objects["job/data.csv"] = []byte("old")
	stager := NewStager(remote)

	_, err = stager.UploadFile(local, "job/data.csv", false, false)
	assert.True(t, errors.Is(err, ecaerr.ErrVerification))
	assert.Equal(t, []byte("old"), remote.objects["job/data.csv"])

	_, err = stager.UploadFile(local, "job/data.csv", false, true)
	assert.Nil(t, err)
	assert.Equal(t, []byte("new"), remote.objects["job/data.csv"])
}

func TestUploadCompressedSiblingIsReused(t *testing.T) {
	tmpdir, err := ioutil.TempDir("", "stager")
	require.Nil(t, err)
	defer os.RemoveAll(tmpdir)

	local := filepath.Join(tmpdir, "big.txt")
	require.Nil(t, ioutil.WriteFile(local, bytes.Repeat([]byte("spectra "), 512), 0644))

	remote := newMemFileSystem()
	stager := NewStager(remote)

	key, err := stager.UploadFile(local, "job/big.txt", true, false)
	assert.Nil(t, err)
	assert.Equal(t, "job/big.txt.gz", key)

	gz, err := os.Stat(local + ".gz")
	require.Nil(t, err)

	zr, err := gzip.NewReader(bytes.NewReader(remote.objects["job/big.txt.gz"]))
	require.Nil(t, err)
	plain, err := ioutil.ReadAll(zr)
	assert.Nil(t, err)
	assert.Equal(t, bytes.Repeat([]byte("spectra "), 512), plain)

	key, err = stager.UploadFile(local, "job/big.txt", true, false)
	assert.Nil(t, err)
	assert.Equal(t, "job/big.txt.gz", key)

	again, err := os.Stat(local + ".gz")
	require.Nil(t, err)
	assert.Equal(t, gz.ModTime(), again.ModTime())
	assert.Equal(t, 1, remote.writes["job/big.txt.gz"])
}

func TestUploadAlreadyCompressed(t *testing.T) {
	tmpdir, err := ioutil.TempDir("", "stager")
	require.Nil(t, err)
	defer os.RemoveAll(tmpdir)

	local := filepath.Join(tmpdir, "in.gz")
	require.Nil(t, ioutil.WriteFile(local, []byte("zz"), 0644))

	stager := NewStager(newMemFileSystem())
	key, err := stager.UploadFile(local, "job/in.gz", true, false)
	assert.Nil(t, err)
	assert.Equal(t, "job/in.gz", key)

	_, err = os.Stat(local + ".gz")
	assert.True(t, os.IsNotExist(err))
}

func TestReadWriteString(t *testing.T) {
	remote := newMemFileSystem()
	stager := NewStager(remote)

	_, err := stager.ReadString("job/headIPAddress")
	assert.True(t, errors.Is(err, ErrNotExist))

	ok, err := stager.Exists("job/headIPAddress")
	assert.Nil(t, err)
	assert.False(t, ok)

	assert.Nil(t, stager.WriteString("job/headIPAddress", "10.0.0.5"))
	content, err := stager.ReadString("job/headIPAddress")
	assert.Nil(t, err)
	assert.Equal(t, "10.0.0.5", content)

	ok, err = stager.Exists("job/headIPAddress")
	assert.Nil(t, err)
	assert.True(t, ok)
}

func TestPackBundleRoundTrip(t *testing.T) {
	tmpdir, err := ioutil.TempDir("", "bundle")
	require.Nil(t, err)
	defer os.RemoveAll(tmpdir)

	onDisk := filepath.Join(tmpdir, "config_nfs_client.sh")
	require.Nil(t, ioutil.WriteFile(onDisk, []byte("#!/bin/sh\nmount\n"), 0755))

	encoded, err := PackBundle([]BundleFile{
		{Path: onDisk},
		{Path: "dynamic/userdata.json", Content: []byte(`{"mode":"head"}`)},
	})
	require.Nil(t, err)

	files, err := UnpackBundle(encoded)
	require.Nil(t, err)
	assert.Equal(t, "#!/bin/sh\nmount\n", string(files["config_nfs_client.sh"]))
	assert.Equal(t, `{"mode":"head"}`, string(files["userdata.json"]))
}
