package ensemble

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/service/ec2"
	log "github.com/sirupsen/logrus"

	"github.com/bcongdon/ensemble/internal/pkg/ecacfg"
	"github.com/bcongdon/ensemble/internal/pkg/ecaec2"
	"github.com/bcongdon/ensemble/internal/pkg/ecaerr"
	"github.com/bcongdon/ensemble/internal/pkg/ecafs"
	"github.com/bcongdon/ensemble/internal/pkg/ecaiam"
	"github.com/bcongdon/ensemble/internal/pkg/ecanode"
	"github.com/bcongdon/ensemble/internal/pkg/ecapoll"
	"github.com/bcongdon/ensemble/internal/pkg/ecassh"
)

const (
	userDataName         = "userdata.json"
	nodeBinaryName       = "eca-node"
	defaultPlacementName = "ECA"
)

// runCluster stages the inputs, launches the cluster, follows the
// coordinator until it powers off and fetches the results.
func (d *Driver) runCluster(ctx context.Context) error {
	core := d.set.Core()
	sess, err := awsSession(core)
	if err != nil {
		return err
	}
	if d.ec2 == nil {
		d.ec2 = newEC2Client(sess, core)
	}
	if d.iam == nil {
		d.iam = ecaiam.NewIAMClient(sess)
	}
	if d.stager == nil {
		d.stager = ecafs.NewStager(ecafs.InferFilesystem(sess, d.jobRoot), ecafs.WithDownloadRetries(d.config.DownloadRetries))
	}

	if err := d.stageInputs(); err != nil {
		return err
	}

	keyFile, err := core.Get(rsaKeyFileKey)
	if err != nil {
		return err
	}
	key, err := os.ReadFile(keyFile)
	if err != nil {
		return fmt.Errorf("%w: reading ssh key: %v", ecaerr.ErrConfiguration, err)
	}
	d.set.SetCore(rsaKeyKey, string(key))

	if err := d.persist(); err != nil {
		return err
	}

	req, err := d.request()
	if err != nil {
		return err
	}

	dialer, err := ecassh.NewSSHDialer(d.config.SSHUser, key, d.config.SSHPort, d.config.SSHTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", ecaerr.ErrConfiguration, err)
	}
	transport := ecassh.NewTransport(dialer)
	transport.Wait = d.config.TransportWait
	transport.Attempts = d.config.TransportAttempts
	transport.Quiet = d.config.TransportQuiet
	transport.ChunkSize = d.config.ChunkSize

	reports := make(chan ecassh.Report, 64)
	reportCtx, stopReports := context.WithCancel(ctx)
	defer stopReports()
	go d.logReports(reportCtx, reports)

	deliver := func(ctx context.Context, inst ecaec2.Instance) error {
		payload, err := d.payloadFor(inst.Index)
		if err != nil {
			return err
		}
		return transport.Deliver(ctx, inst.Index, inst.Address, payload, reports)
	}

	launcher := ecaec2.NewLauncher(d.ec2, deliver,
		ecaec2.WithInterval(d.config.PollInterval),
		ecaec2.WithBootBudget(d.config.BootBudget),
		ecaec2.WithConcurrency(d.config.MaxConcurrency),
		ecaec2.WithProgress(d.config.Progress),
		ecaec2.WithStateObserver(func(s ecaec2.ClusterState) {
			log.Infof("cluster is %s", s)
		}),
	)
	cluster, err := launcher.Launch(ctx, req)
	stopReports()
	if err != nil {
		return err
	}
	log.Infof("cluster ready [%s], instances %s", cluster.StatusLine(), strings.Join(cluster.IDs(), " "))

	head := cluster.Coordinator()
	if err := d.waitForCoordinator(ctx, head.ID); err != nil {
		return err
	}
	return d.fetchResults(ctx)
}

// request builds the launch request and readies the security group,
// placement group and node permissions it refers to.
func (d *Driver) request() (ecaec2.Request, error) {
	core := d.set.Core()
	workers, err := core.Int(ecanode.WorkerCountKey, 0)
	if err != nil {
		return ecaec2.Request{}, err
	}

	req := ecaec2.Request{
		Count:           workers + 1,
		InstanceType:    firstOf(core, defaultInstanceType, instanceTypeKey, clientInstanceTypeKey, headInstanceTypeKey),
		ImageID:         firstOf(core, "", imageKey, headImageKey, "ami_64bit_id"),
		SpotBid:         core.String(spotBidKey, ""),
		KeyName:         core.String(rsaKeyNameKey, ""),
		SecurityGroups:  []string{"default", ecaec2.SSHSecurityGroup},
		LaunchGroup:     core.String(launchGroupKey, ""),
		KeepCoordinator: core.Bool(ecanode.KeepHeadKey, false),
		KeepWorkers:     core.Bool(ecanode.KeepClientsKey, false),
	}
	if req.ImageID == "" {
		return req, fmt.Errorf("%w: no machine image given (%s)", ecaerr.ErrConfiguration, imageKey)
	}
	if zone := core.String(placementKey, ""); zone != "" {
		req.AvailabilityZone = core.String(regionKey, defaultRegion) + zone
	}

	if err := d.ec2.EnsureSecurityGroup(ecaec2.SSHSecurityGroup); err != nil {
		return req, err
	}
	if ecaec2.IsClusterComputeType(req.InstanceType) {
		req.PlacementGroup = core.String(placementGroupKey, defaultPlacementName)
		if err := d.ec2.EnsurePlacementGroup(req.PlacementGroup); err != nil {
			return req, err
		}
	}
	if role := core.String(instanceProfileKey, ""); role != "" {
		if _, err := d.iam.DeployPermissions(role); err != nil {
			return req, err
		}
		req.InstanceProfile = role
	}
	return req, nil
}

// firstOf returns the first of keys that has a value, or def.
func firstOf(h *ecacfg.Handle, def string, keys ...string) string {
	for _, key := range keys {
		if val := h.String(key, ""); val != "" {
			return val
		}
	}
	return def
}

// stageInputs uploads every sharedFile_* input to the store and points the
// configuration at the uploaded copies. In local runs inputs are only made
// absolute.
func (d *Driver) stageInputs() error {
	for _, h := range d.handles() {
		for _, key := range h.Keys() {
			if !strings.HasPrefix(key, ecanode.SharedFilePrefix) || strings.HasPrefix(key, ecanode.NoUploadPrefix) {
				continue
			}
			val, _ := h.Get(key)
			var staged []string
			for _, p := range strings.Split(val, ";") {
				p = strings.TrimSpace(p)
				if p == "" {
					continue
				}
				remote, err := d.stage(p, strings.HasPrefix(key, gzipSharedPrefix))
				if err != nil {
					return fmt.Errorf("%s: %w", key, err)
				}
				staged = append(staged, remote)
			}
			h.Set(key, strings.Join(staged, ";"))
		}
	}
	return nil
}

func (d *Driver) stage(p string, compressed bool) (string, error) {
	if strings.HasPrefix(p, "s3://") {
		return p, nil
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	if d.config.Local {
		return abs, nil
	}
	// An input already in the store with different content is an error:
	// another run may be using it.
	return d.stager.UploadFile(abs, d.storePath(abs), compressed, false)
}

// persist saves the scrubbed configuration next to the job's results.
func (d *Driver) persist() error {
	name := d.storeJoin(d.jobRoot, persistedConfigName)
	return d.set.ScrubAndPersist(name, func(name string, data []byte) error {
		return d.stager.WriteString(name, string(data))
	})
}

// payloadFor returns the bootstrap and bundle for node index. Each node's
// user data names its own index.
func (d *Driver) payloadFor(index int) (ecassh.Payload, error) {
	data, err := d.set.Marshal()
	if err != nil {
		return ecassh.Payload{}, err
	}
	own, err := ecacfg.Parse(data)
	if err != nil {
		return ecassh.Payload{}, err
	}
	own.SetCore(ecanode.NodeIndexKey, fmt.Sprint(index))
	if data, err = own.Marshal(); err != nil {
		return ecassh.Payload{}, err
	}

	files := []ecafs.BundleFile{{Path: userDataName, Content: data}}
	start := nodeBinaryName + " " + userDataName
	if d.config.NodeBinary != "" {
		files = append(files, ecafs.BundleFile{Path: d.config.NodeBinary})
		start = "./" + filepath.Base(d.config.NodeBinary) + " " + userDataName
	}
	bundle, err := ecafs.PackBundle(files)
	if err != nil {
		return ecassh.Payload{}, err
	}
	script, err := ecassh.BootstrapScript(ecassh.BootstrapConfig{StartCommand: start})
	if err != nil {
		return ecassh.Payload{}, err
	}
	return ecassh.Payload{Bootstrap: script, Bundle: bundle}, nil
}

// logReports logs delivery progress until ctx is done.
func (d *Driver) logReports(ctx context.Context, reports <-chan ecassh.Report) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-reports:
			switch {
			case r.Err != nil:
				log.Warn(r)
			case d.config.Verbose:
				log.Info(r)
			default:
				log.Debug(r)
			}
		}
	}
}

// waitForCoordinator follows the coordinator's log in the store until the
// coordinator leaves the running state.
func (d *Driver) waitForCoordinator(ctx context.Context, id string) error {
	logName := d.set.Core().String(ecanode.LogFileKey, "")
	var shown int
	follow := func() {
		if logName == "" {
			return
		}
		text, err := d.stager.ReadString(logName)
		if err != nil || len(text) <= shown {
			return
		}
		fmt.Print(text[shown:])
		shown = len(text)
	}

	log.Infof("waiting for coordinator %s to finish", id)
	err := ecapoll.Every(d.config.PollInterval, 0).Until(ctx, func(ctx context.Context) (bool, error) {
		follow()
		state, err := d.ec2.InstanceState(id)
		if errors.Is(err, ecaerr.ErrTransient) {
			log.Debugf("checking coordinator state: %s", err)
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return state != ec2.InstanceStateNameRunning && state != ec2.InstanceStateNamePending, nil
	})
	follow()
	return err
}

// fetchResults copies the coordinator log, each job's report and every
// resultFile_* from the store to local disk. Files that never reached the
// store are reported and skipped.
func (d *Driver) fetchResults(ctx context.Context) error {
	var missing []string
	fetch := func(remote, local string) {
		if remote == "" || remote == local {
			return
		}
		exists, err := d.stager.Exists(remote)
		if err == nil && !exists {
			log.Warnf("%s was not produced", remote)
			missing = append(missing, remote)
			return
		}
		if err := d.stager.DownloadFile(ctx, remote, local); err != nil {
			log.Errorf("fetching %s: %s", remote, err)
			missing = append(missing, remote)
		}
	}

	core := d.set.Core()
	fetch(core.String(ecanode.LogFileKey, ""), filepath.Join(d.jobDir, headLogName))
	for _, h := range d.set.Entries() {
		fetch(h.String(ecanode.ReportFileKey, ""), h.String(resultsFilenameKey, ""))
	}
	for _, h := range d.handles() {
		for _, key := range h.Keys() {
			if !strings.HasPrefix(key, ecanode.ResultFilePrefix) {
				continue
			}
			val, _ := h.Get(key)
			parts := strings.Split(val, ";")
			if len(parts) != 3 {
				continue
			}
			local := parts[2]
			if !filepath.IsAbs(local) {
				local = filepath.Join(d.jobDir, local)
			}
			fetch(parts[1], local)
		}
	}

	log.Infof("results are in %s", d.jobDir)
	if len(missing) > 0 {
		return fmt.Errorf("%w: %d result file(s) not fetched: %s", ecaerr.ErrPartialFailure, len(missing), strings.Join(missing, ", "))
	}
	return nil
}
