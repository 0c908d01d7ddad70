package ensemble

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcongdon/ensemble/internal/pkg/ecacfg"
	"github.com/bcongdon/ensemble/internal/pkg/ecaec2"
	"github.com/bcongdon/ensemble/internal/pkg/ecaerr"
	"github.com/bcongdon/ensemble/internal/pkg/ecafs"
	"github.com/bcongdon/ensemble/internal/pkg/ecanode"
)

const testStamp = `{"jobTimeStamp": "20261014120000"}`

func writeConfig(t *testing.T, dir, name, contents string) string {
	p := filepath.Join(dir, name)
	require.Nil(t, os.WriteFile(p, []byte(contents), 0644))
	return p
}

func loadedDriver(t *testing.T, local bool, cluster, job string) (*Driver, string) {
	dir := t.TempDir()
	d := NewDriver(WithLocal(local), WithWorkingLocation(dir))
	err := d.Load(
		writeConfig(t, dir, "cluster.json", cluster),
		writeConfig(t, dir, "align.json", job),
		testStamp,
	)
	require.Nil(t, err)
	return d, dir
}

func TestPrepareClusterLayout(t *testing.T) {
	d, dir := loadedDriver(t, false,
		`{"s3bucketID": "ECA_Test", "numberOfNodes": 3, "spotBid": "25%", "keepClients": "True"}`,
		`{"jobCommand": "align", "resultFile_bam": "/mnt/out.bam;results/out.bam;out.bam"}`)
	core := d.Config().Core()

	wantDir, _ := filepath.Abs(filepath.Join(dir, "align_runs", "20261014120000"))
	assert.Equal(t, wantDir, d.jobDir)
	assert.DirExists(t, d.jobDir)

	assert.Equal(t, "s3://eca-test/align_runs/20261014120000", d.jobRoot)
	assert.Equal(t, d.jobRoot, core.String(ecanode.JobRootKey, ""))
	assert.Equal(t, d.jobRoot+"/eca_head.log", core.String(ecanode.LogFileKey, ""))
	assert.Equal(t, "2", core.String(ecanode.WorkerCountKey, ""))
	assert.True(t, core.Bool(ecanode.KeepHeadKey, false))
	assert.Equal(t, "ECAalign_20261014120000", core.String(launchGroupKey, ""))
	assert.Equal(t, "False", core.String(runLocalKey, ""))
	assert.Equal(t, "/mnt/", core.String(ecanode.DataDirKey, ""))
	assert.Equal(t, "10s", core.String(pollIntervalKey, ""))

	job := d.Config().Entry(0)
	assert.Equal(t, d.jobRoot+"/align.json/computation.log", job.String(ecanode.ReportFileKey, ""))
	assert.Equal(t, filepath.Join(d.jobDir, "align.json.results.txt"), job.String(resultsFilenameKey, ""))
	assert.Equal(t, "/mnt/out.bam;s3://eca-test/results/out.bam;out.bam", job.String(ecanode.ResultFilePrefix+"bam", ""))
}

func TestPrepareLocalLayout(t *testing.T) {
	d, _ := loadedDriver(t, true, `{}`,
		`{"jobCommand": "align", "resultFile_bam": "out.bam;results/out.bam;out.bam"}`)
	core := d.Config().Core()

	assert.Equal(t, d.jobDir, d.jobRoot)
	assert.Equal(t, "0", core.String(ecanode.WorkerCountKey, ""))
	assert.Equal(t, "", core.String(launchGroupKey, "unset"))
	assert.Equal(t, "True", core.String(runLocalKey, ""))
	assert.Equal(t, d.jobDir, core.String(ecanode.DataDirKey, ""))
	assert.Equal(t, "out.bam;"+filepath.Join(d.jobDir, "results", "out.bam")+";out.bam",
		d.Config().Entry(0).String(ecanode.ResultFilePrefix+"bam", ""))
}

func TestPrepareRequiresBucket(t *testing.T) {
	dir := t.TempDir()
	d := NewDriver(WithWorkingLocation(dir))
	err := d.Load(writeConfig(t, dir, "cluster.json", `{}`), writeConfig(t, dir, "align.json", `{"jobCommand": "align"}`))
	assert.ErrorIs(t, err, ecaerr.ErrConfiguration)
}

func TestPrepareBatchNamedAfterList(t *testing.T) {
	dir := t.TempDir()
	first := writeConfig(t, dir, "first.json", `{"jobCommand": "align", "sample": "a"}`)
	second := writeConfig(t, dir, "second.json", `{"jobCommand": "align", "sample": "b"}`)
	list := writeConfig(t, dir, "samples.txt", first+"\n"+second+"\n")

	d := NewDriver(WithLocal(true), WithWorkingLocation(dir))
	require.Nil(t, d.Load(writeConfig(t, dir, "cluster.json", `{}`), list, testStamp))

	assert.Equal(t, 2, d.Config().Len())
	assert.Equal(t, filepath.Join(dir, "samples.txt_runs", "20261014120000"), d.jobDir)
	assert.Equal(t, filepath.Join(d.jobRoot, "second.json", "computation.log"),
		d.Config().Entry(1).String(ecanode.ReportFileKey, ""))
}

func TestPayloadCarriesNodeIndex(t *testing.T) {
	d, dir := loadedDriver(t, false, `{"s3bucketID": "eca-test"}`, `{"jobCommand": "align"}`)

	payload, err := d.payloadFor(2)
	require.Nil(t, err)
	assert.Contains(t, payload.Bootstrap, "eca-node userdata.json")

	files, err := ecafs.UnpackBundle(payload.Bundle)
	require.Nil(t, err)
	set, err := ecacfg.Parse(files[userDataName])
	require.Nil(t, err)
	assert.Equal(t, "2", set.Core().String(ecanode.NodeIndexKey, ""))
	assert.Equal(t, "align", set.Entry(0).String(ecanode.JobCommandKey, ""))

	// The driver's own set is untouched.
	assert.False(t, d.Config().Core().Has(ecanode.NodeIndexKey))

	binary := writeConfig(t, dir, "eca-node-linux", "#!/bin/sh\n")
	d.config.NodeBinary = binary
	payload, err = d.payloadFor(0)
	require.Nil(t, err)
	assert.Contains(t, payload.Bootstrap, "./eca-node-linux userdata.json")
	files, err = ecafs.UnpackBundle(payload.Bundle)
	require.Nil(t, err)
	assert.Equal(t, "#!/bin/sh\n", string(files["eca-node-linux"]))
}

func TestFirstOf(t *testing.T) {
	s := ecacfg.New()
	s.SetCore(headInstanceTypeKey, "c1.xlarge")
	assert.Equal(t, "c1.xlarge", firstOf(s.Core(), defaultInstanceType, instanceTypeKey, clientInstanceTypeKey, headInstanceTypeKey))
	assert.Equal(t, defaultInstanceType, firstOf(s.Core(), defaultInstanceType, instanceTypeKey))
}

type stateSequence struct {
	ec2iface.EC2API
	mu     sync.Mutex
	states []string
	calls  int
}

func (m *stateSequence) DescribeInstancesPages(input *ec2.DescribeInstancesInput, fn func(*ec2.DescribeInstancesOutput, bool) bool) error {
	m.mu.Lock()
	state := m.states[len(m.states)-1]
	if m.calls < len(m.states) {
		state = m.states[m.calls]
	}
	m.calls++
	m.mu.Unlock()

	fn(&ec2.DescribeInstancesOutput{Reservations: []*ec2.Reservation{{
		Instances: []*ec2.Instance{{
			InstanceId: input.InstanceIds[0],
			State:      &ec2.InstanceState{Name: aws.String(state)},
		}},
	}}}, true)
	return nil
}

func TestWaitForCoordinator(t *testing.T) {
	d, _ := loadedDriver(t, true, `{}`, `{"jobCommand": "align"}`)
	api := &stateSequence{states: []string{"pending", "running", "running", "shutting-down"}}
	d.ec2 = &ecaec2.EC2Client{EC2API: api}
	d.stager = ecafs.NewStager(&ecafs.LocalFileSystem{})
	d.config.PollInterval = 10 * time.Millisecond

	require.Nil(t, os.WriteFile(filepath.Join(d.jobRoot, headLogName), []byte("coordinator up\n"), 0644))

	err := d.waitForCoordinator(context.Background(), "i-head")
	assert.Nil(t, err)
	assert.Equal(t, 4, api.calls)
}

func TestWaitForCoordinatorCancelled(t *testing.T) {
	d, _ := loadedDriver(t, true, `{}`, `{"jobCommand": "align"}`)
	d.ec2 = &ecaec2.EC2Client{EC2API: &stateSequence{states: []string{"running"}}}
	d.stager = ecafs.NewStager(&ecafs.LocalFileSystem{})
	d.config.PollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.waitForCoordinator(ctx, "i-head"), context.DeadlineExceeded)
}

func TestRunLocal(t *testing.T) {
	dir := t.TempDir()
	input := writeConfig(t, dir, "reads.fq", "@r1\nACGT\n")
	d, _ := loadedDriver(t, true, `{}`,
		`{"jobCommand": "cat", "sharedFile_reads": "`+input+`", "sharedFile_NoUpload_db": "/nowhere/db"}`)

	require.Nil(t, d.Run(context.Background()))

	results, err := os.ReadFile(filepath.Join(d.jobDir, "align.json.results.txt"))
	require.Nil(t, err)
	assert.Contains(t, string(results), `"jobCommand"`)
	assert.Contains(t, string(results), input)

	head, err := os.ReadFile(filepath.Join(d.jobDir, headLogName))
	require.Nil(t, err)
	assert.Contains(t, string(head), "running job 0")

	persisted, err := os.ReadFile(filepath.Join(d.jobDir, persistedConfigName))
	require.Nil(t, err)
	assert.True(t, strings.Contains(string(persisted), `"s3JobDir"`))
	assert.FileExists(t, filepath.Join(d.jobDir, "reads.fq"))
}

func TestRunLocalMissingReport(t *testing.T) {
	d, _ := loadedDriver(t, true, `{}`, `{"jobCommand": "cat", "reportFileName": "elsewhere/report.txt"}`)
	// The job's report key is rewritten to the run's store directory.
	assert.Equal(t, filepath.Join(d.jobRoot, "align.json", "computation.log"),
		d.Config().Entry(0).String(ecanode.ReportFileKey, ""))

	d.stager = ecafs.NewStager(&ecafs.LocalFileSystem{})
	d.Config().Entry(0).Set(ecanode.ReportFileKey, filepath.Join(d.jobRoot, "never", "written.log"))
	err := d.fetchResults(context.Background())
	assert.ErrorIs(t, err, ecaerr.ErrPartialFailure)
}

func TestFlagSet(t *testing.T) {
	d := NewDriver(WithWorkingLocation("runs"))
	flags, f := d.flagSet("eca-launch")
	require.Nil(t, flags.Parse([]string{"-l", "--out", "/tmp/runs", "cluster.json", "align.json"}))

	assert.True(t, *f.local)
	assert.False(t, *f.verbose)
	assert.Equal(t, "/tmp/runs", *f.out)
	assert.Equal(t, []string{"cluster.json", "align.json"}, flags.Args())
	assert.True(t, strings.HasPrefix(usageLine("eca-launch"), "syntax: eca-launch <cluster_config_file>"))
}
