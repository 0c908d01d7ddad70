package ecafs

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	humanize "github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru"
	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"

	"github.com/bcongdon/ensemble/internal/pkg/ecaerr"
)

// Defaults for Stager.
const (
	DefaultDownloadRetries = 20
	DefaultWaitUnit        = time.Second
	checksumCacheSize      = 256
)

// Stager moves files between local disk and a shared FileSystem, verifying
// size and checksum on both directions.
type Stager struct {
	remote   FileSystem
	local    FileSystem
	retries  int
	waitUnit time.Duration
	sleep    func(context.Context, time.Duration) error

	randMu sync.Mutex
	rand   *rand.Rand

	sums *lru.Cache
}

// StagerOption configures a Stager.
type StagerOption func(*Stager)

// WithDownloadRetries sets the number of download attempts before giving up.
func WithDownloadRetries(n int) StagerOption {
	return func(s *Stager) {
		if n > 0 {
			s.retries = n
		}
	}
}

// WithWaitUnit sets the unit of the randomized wait between download attempts.
func WithWaitUnit(d time.Duration) StagerOption {
	return func(s *Stager) {
		s.waitUnit = d
	}
}

// WithSleep replaces the function used to wait between download attempts.
func WithSleep(sleep func(context.Context, time.Duration) error) StagerOption {
	return func(s *Stager) {
		s.sleep = sleep
	}
}

// NewStager returns a Stager that exchanges files with remote.
func NewStager(remote FileSystem, options ...StagerOption) *Stager {
	sums, _ := lru.New(checksumCacheSize)
	s := &Stager{
		remote:   remote,
		local:    &LocalFileSystem{},
		retries:  DefaultDownloadRetries,
		waitUnit: DefaultWaitUnit,
		sleep:    sleepContext,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
		sums:     sums,
	}
	for _, f := range options {
		f(s)
	}
	return s
}

// Remote returns the shared FileSystem the Stager writes to.
func (s *Stager) Remote() FileSystem {
	return s.remote
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type cachedSum struct {
	size    int64
	modTime time.Time
	sum     string
}

// localInfo returns size and checksum of a local file, reusing earlier
// results while the file is unchanged.
func (s *Stager) localInfo(localPath string) (FileInfo, error) {
	fInfo, err := os.Stat(localPath)
	if err != nil {
		return FileInfo{}, err
	}
	if v, ok := s.sums.Get(localPath); ok {
		c := v.(cachedSum)
		if c.size == fInfo.Size() && c.modTime.Equal(fInfo.ModTime()) {
			return FileInfo{Name: localPath, Size: c.size, Checksum: c.sum}, nil
		}
	}
	info, err := s.local.Stat(localPath)
	if err != nil {
		return FileInfo{}, err
	}
	s.sums.Add(localPath, cachedSum{size: info.Size, modTime: fInfo.ModTime(), sum: info.Checksum})
	return info, nil
}

func sameContent(a, b FileInfo) bool {
	if a.Size != b.Size {
		return false
	}
	if a.Checksum == "" || b.Checksum == "" {
		return true
	}
	return a.Checksum == b.Checksum
}

// UploadFile copies localPath to remotePath and returns the remote path
// actually used.
//
// With wantCompressed, a file not already ending in ".gz" is replaced by a
// gzipped sibling (created once, then reused) and ".gz" is appended to the
// remote path. An existing remote object with the same size and checksum is
// left alone; one that differs is an error unless overwrite is set.
func (s *Stager) UploadFile(localPath, remotePath string, wantCompressed, overwrite bool) (string, error) {
	if wantCompressed && !strings.HasSuffix(localPath, ".gz") {
		gzPath, err := s.compressedSibling(localPath)
		if err != nil {
			log.Warnf("Failed to create gzipped copy of %s, using original: %s", localPath, err)
		} else {
			localPath = gzPath
			if !strings.HasSuffix(remotePath, ".gz") {
				remotePath += ".gz"
			}
		}
	}

	localInfo, err := s.localInfo(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: could not open local file %s for upload: %v", ecaerr.ErrConfiguration, localPath, err)
	}

	log.Infof("checking for file %s in shared store", remotePath)
	remoteInfo, err := s.remote.Stat(remotePath)
	switch {
	case err == nil && sameContent(localInfo, remoteInfo):
		log.Infof("%s already present in shared store, no upload needed", remotePath)
		return remotePath, nil
	case err == nil && !overwrite:
		return "", fmt.Errorf("%w: %s differs from local %s (%s vs %s)", ecaerr.ErrVerification,
			remotePath, localPath, humanize.Bytes(uint64(remoteInfo.Size)), humanize.Bytes(uint64(localInfo.Size)))
	case err != nil && !errors.Is(err, ErrNotExist):
		return "", fmt.Errorf("%w: %v", ecaerr.ErrTransient, err)
	}

	log.Infof("uploading %s (%s) to %s", localPath, humanize.Bytes(uint64(localInfo.Size)), remotePath)
	if err := s.copyToRemote(localPath, remotePath); err != nil {
		return "", err
	}

	remoteInfo, err = s.remote.Stat(remotePath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ecaerr.ErrTransient, err)
	}
	if !sameContent(localInfo, remoteInfo) {
		return "", fmt.Errorf("%w: upload of %s to %s did not verify", ecaerr.ErrVerification, localPath, remotePath)
	}
	return remotePath, nil
}

func (s *Stager) copyToRemote(localPath, remotePath string) error {
	reader, err := s.local.OpenReader(localPath, 0)
	if err != nil {
		return err
	}
	defer reader.Close()

	writer, err := s.remote.OpenWriter(remotePath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(writer, reader); err != nil {
		writer.Close()
		return err
	}
	return writer.Close()
}

// compressedSibling returns "<localPath>.gz", writing it first when it is
// missing or older than localPath.
func (s *Stager) compressedSibling(localPath string) (string, error) {
	gzPath := localPath + ".gz"
	src, err := os.Stat(localPath)
	if err != nil {
		return "", err
	}
	if gz, err := os.Stat(gzPath); err == nil && !gz.ModTime().Before(src.ModTime()) {
		log.Infof("%s appears to be gzipped copy of %s, using that", gzPath, localPath)
		return gzPath, nil
	}

	log.Infof("creating gzipped copy of %s as %s for transfer", localPath, gzPath)
	in, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer in.Close()

	tmp, err := ioutil.TempFile(filepath.Dir(gzPath), filepath.Base(gzPath)+".*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	zw := gzip.NewWriter(tmp)
	if _, err := io.Copy(zw, in); err != nil {
		tmp.Close()
		return "", err
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	return gzPath, os.Rename(tmp.Name(), gzPath)
}

// waitFor returns the randomized wait before retry number attempt (0-based).
// The window [attempt+3, attempt+15) widens as attempts accumulate.
func (s *Stager) waitFor(attempt int) time.Duration {
	s.randMu.Lock()
	units := attempt + 3 + s.rand.Intn(12)
	s.randMu.Unlock()
	return time.Duration(units) * s.waitUnit
}

// DownloadFile copies remotePath to localPath. The copy is only put in place
// once its size and checksum match what the store reports; otherwise the
// download is retried after a randomized wait.
func (s *Stager) DownloadFile(ctx context.Context, remotePath, localPath string) error {
	var lastErr error
	for attempt := 0; attempt < s.retries; attempt++ {
		if attempt > 0 {
			wait := s.waitFor(attempt - 1)
			log.Infof("retrying download of %s in %s (%d attempts left): %v", remotePath, wait, s.retries-attempt, lastErr)
			if err := s.sleep(ctx, wait); err != nil {
				return err
			}
		}

		lastErr = s.downloadOnce(remotePath, localPath)
		if lastErr == nil {
			log.Infof("downloaded %s to %s", remotePath, localPath)
			return nil
		}
		log.Debugf("download attempt %d of %s failed: %v", attempt+1, remotePath, lastErr)
	}
	return fmt.Errorf("%w: fetching %s failed after %d attempts: %v", ecaerr.ErrVerification, remotePath, s.retries, lastErr)
}

func (s *Stager) downloadOnce(remotePath, localPath string) error {
	want, err := s.remote.Stat(remotePath)
	if err != nil {
		return err
	}

	reader, err := s.remote.OpenReader(remotePath, 0)
	if err != nil {
		return err
	}
	defer reader.Close()

	if dir := filepath.Dir(localPath); dir != "" {
		if err := os.MkdirAll(dir, 0777); err != nil {
			return err
		}
	}
	tmp, err := ioutil.TempFile(filepath.Dir(localPath), filepath.Base(localPath)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	h := md5.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), reader)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	got := FileInfo{Name: localPath, Size: n, Checksum: hex.EncodeToString(h.Sum(nil))}
	if !sameContent(want, got) {
		return fmt.Errorf("%w: %s is %d bytes (md5 %s), expected %d bytes (md5 %s)", ecaerr.ErrVerification,
			remotePath, got.Size, got.Checksum, want.Size, want.Checksum)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	s.sums.Remove(localPath)
	return os.Rename(tmp.Name(), localPath)
}

// ReadString returns the content of remotePath. An absent object yields an
// error satisfying errors.Is(err, ErrNotExist).
func (s *Stager) ReadString(remotePath string) (string, error) {
	reader, err := s.remote.OpenReader(remotePath, 0)
	if err != nil {
		return "", err
	}
	defer reader.Close()

	data, err := ioutil.ReadAll(reader)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteString stores content at remotePath, replacing any previous object.
func (s *Stager) WriteString(remotePath, content string) error {
	writer, err := s.remote.OpenWriter(remotePath)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(writer, content); err != nil {
		writer.Close()
		return err
	}
	return writer.Close()
}

// Exists reports whether remotePath is present in the store.
func (s *Stager) Exists(remotePath string) (bool, error) {
	_, err := s.remote.Stat(remotePath)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotExist) {
		return false, nil
	}
	return false, err
}
