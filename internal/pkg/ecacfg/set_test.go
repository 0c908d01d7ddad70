package ecacfg

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcongdon/ensemble/internal/pkg/ecaerr"
)

func TestGetLookupOrder(t *testing.T) {
	s := New()
	s.SetCore("region", "us-east-1")
	s.SetCore("bucket", "core-bucket")
	h := s.Push()
	h.Set("bucket", "job-bucket")

	val, err := h.Get("bucket")
	assert.Nil(t, err)
	assert.Equal(t, "job-bucket", val)

	val, err = h.Get("region")
	assert.Nil(t, err)
	assert.Equal(t, "us-east-1", val)

	val, err = h.Get("missing", Default("fallback"))
	assert.Nil(t, err)
	assert.Equal(t, "fallback", val)

	_, err = h.Get("missing")
	assert.True(t, errors.Is(err, ErrMissingKey))
	assert.True(t, errors.Is(err, ecaerr.ErrConfiguration))

	_, err = h.Get("region", ExcludeCore())
	assert.True(t, errors.Is(err, ErrMissingKey))

	val, err = s.Core().Get("bucket", ExcludeCore())
	assert.Nil(t, err)
	assert.Equal(t, "core-bucket", val)
}

func TestTypedGetters(t *testing.T) {
	s := New()
	h := s.Push()
	h.Set("keepHead", "True")
	h.Set("numberOfNodes", "4")
	h.Set("bad", "four")

	assert.True(t, h.Bool("keepHead", false))
	assert.False(t, h.Bool("keepClients", false))

	n, err := h.Int("numberOfNodes", 0)
	assert.Nil(t, err)
	assert.Equal(t, 4, n)

	n, err = h.Int("absent", 7)
	assert.Nil(t, err)
	assert.Equal(t, 7, n)

	_, err = h.Int("bad", 0)
	assert.True(t, errors.Is(err, ecaerr.ErrConfiguration))
}

func TestSetCoreClearsEntries(t *testing.T) {
	s := New()
	a := s.Push()
	b := s.Push()
	a.Set("mode", "client")
	b.Set("mode", "client")

	s.SetCore("mode", "head")

	assert.Equal(t, "head", a.String("mode", ""))
	assert.Equal(t, "head", b.String("mode", ""))
	_, err := a.Get("mode", ExcludeCore())
	assert.NotNil(t, err)
}

func TestPromoteCommon(t *testing.T) {
	s := New()
	s.SetCore("bucket", "b")
	for _, name := range []string{"a.json", "b.json", "c.json"} {
		h := s.Push()
		h.Set(NameKey, name)
		h.Set("script", "run.R")
		h.Set("bucket", "b")
		h.Set("param", name)
	}
	s.Entry(2).Set("override", "x")

	s.PromoteCommon()
	core, stack := s.Snapshot()

	assert.Equal(t, "run.R", core["script"])
	assert.Equal(t, "b", core["bucket"])
	assert.NotContains(t, core, "param")
	assert.NotContains(t, core, "override")
	assert.NotContains(t, core, NameKey)
	for i, entry := range stack {
		assert.NotContains(t, entry, "script", "entry %d", i)
		assert.NotContains(t, entry, "bucket", "entry %d", i)
		assert.Contains(t, entry, "param")
		assert.Contains(t, entry, NameKey)
	}
	assert.Equal(t, "x", stack[2]["override"])

	// Promotion is idempotent.
	s.PromoteCommon()
	core2, stack2 := s.Snapshot()
	assert.Equal(t, core, core2)
	assert.Equal(t, stack, stack2)
}

func TestPromoteCommonRespectsCoreOverride(t *testing.T) {
	s := New()
	s.SetCore("instanceType", "m1.large")
	for i := 0; i < 2; i++ {
		s.Push().Set("instanceType", "c1.xlarge")
	}

	s.PromoteCommon()
	core, stack := s.Snapshot()

	assert.Equal(t, "m1.large", core["instanceType"])
	assert.Equal(t, "c1.xlarge", stack[0]["instanceType"])
	assert.Equal(t, "c1.xlarge", stack[1]["instanceType"])
}

func TestFinalizeLabels(t *testing.T) {
	s := New()
	s.Push().Set(NameKey, "jobs/alpha.json")
	s.Push().Set(NameKey, "jobs/beta.json")
	s.Finalize()

	assert.Equal(t, "alpha.json", s.Entry(0).String(UniqueKey, ""))
	assert.Equal(t, "beta.json", s.Entry(1).String(UniqueKey, ""))

	dup := New()
	dup.Push().Set(NameKey, "one/job.json")
	dup.Push().Set(NameKey, "two/job.json")
	dup.Finalize()

	assert.Equal(t, "cfg0", dup.Entry(0).String(UniqueKey, ""))
	assert.Equal(t, "cfg1", dup.Entry(1).String(UniqueKey, ""))
}

func TestFinalizeSingleEntry(t *testing.T) {
	s := New()
	h := s.Push()
	h.Set(NameKey, "job.json")
	h.Set("scriptFileName", "run.R")
	s.Finalize()

	core, stack := s.Snapshot()
	require.Len(t, stack, 1)
	assert.Equal(t, "run.R", core["scriptFileName"])
	assert.Equal(t, "job.json", stack[0][UniqueKey])
	assert.Equal(t, "run.R", h.String("scriptFileName", ""))
}

func TestTidyPath(t *testing.T) {
	assert.Equal(t, "c:/data/file.txt", TidyPath(`c:\data\\file.txt`))
	assert.Equal(t, "/a/b", TidyPath("//a//b"))
}
