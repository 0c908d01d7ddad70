package ensemble

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/bcongdon/ensemble/internal/pkg/ecacfg"
	"github.com/bcongdon/ensemble/internal/pkg/ecaec2"
	"github.com/bcongdon/ensemble/internal/pkg/ecaerr"
	"github.com/bcongdon/ensemble/internal/pkg/ecafs"
	"github.com/bcongdon/ensemble/internal/pkg/ecaiam"
	"github.com/bcongdon/ensemble/internal/pkg/ecanode"
)

// Cluster and job configuration keys read by the launcher.
const (
	baseNameKey           = "baseName"
	jobTimeStampKey       = "jobTimeStamp"
	bucketKey             = "s3bucketID"
	regionKey             = "aws_region"
	accessKeyKey          = "aws_access_key_id"
	secretKeyKey          = "aws_secret_access_key"
	endpointKey           = "ec2_endpoint"
	instanceTypeKey       = "ec2_instance_type"
	headInstanceTypeKey   = "ec2_head_instance_type"
	clientInstanceTypeKey = "ec2_client_instance_type"
	imageKey              = "ami_id"
	headImageKey          = "ami_head_id"
	rsaKeyFileKey         = "RSAKeyFileName"
	rsaKeyNameKey         = "RSAKeyName"
	rsaKeyKey             = "RSAKey"
	numberOfNodesKey      = "numberOfNodes"
	spotBidKey            = "spotBid"
	placementKey          = "aws_placement"
	placementGroupKey     = "placementGroup"
	instanceProfileKey    = "ec2_instance_profile"
	launchGroupKey        = "launchgroup"
	resultsFilenameKey    = "resultsFilename"
	runLocalKey           = "runLocal"
	debugKey              = "debug"
	gzipSharedPrefix      = "sharedFile_GZ_"
)

const (
	defaultInstanceType = "m1.large"
	timeStampFormat     = "20060102150405"
	headLogName         = "eca_head.log"
	computationLogName  = "computation.log"
	persistedConfigName = "config.json"
)

// Driver launches a batch of jobs on a fresh cluster, or on this computer,
// and collects the results.
type Driver struct {
	config *config
	set    *ecacfg.Set

	jobDir     string // local directory collecting logs and results
	jobRoot    string // the job's directory in the shared store
	bucketRoot string // s3://<bucket>, empty for local runs

	stager *ecafs.Stager
	ec2    *ecaec2.EC2Client
	iam    *ecaiam.IAMClient

	start time.Time
}

// Option allows configuration of a Driver
type Option func(*config)

// NewDriver creates a new Driver with settings from the ecarc file, the
// environment and the provided options.
func NewDriver(options ...Option) *Driver {
	c := newConfig()
	for _, f := range options {
		f(c)
	}
	c.validate()
	log.SetLevel(c.logLevel())
	log.Debugf("Loaded config: %#v", c)

	return &Driver{
		config: c,
		set:    ecacfg.New(),
		start:  time.Now(),
	}
}

// WithLocal runs every job on this computer instead of a cluster.
func WithLocal(local bool) Option {
	return func(c *config) {
		c.Local = local
	}
}

// WithPollInterval sets the interval of every provider and store poll.
// Intervals below ten seconds are raised to ten seconds.
func WithPollInterval(d time.Duration) Option {
	return func(c *config) {
		c.PollInterval = d
	}
}

// WithBootBudget bounds the wait from launch request to a configured cluster.
func WithBootBudget(d time.Duration) Option {
	return func(c *config) {
		c.BootBudget = d
	}
}

// WithRendezvousBudget bounds the nodes' wait for each other.
func WithRendezvousBudget(d time.Duration) Option {
	return func(c *config) {
		c.RendezvousBudget = d
	}
}

// WithMaxConcurrency bounds the number of simultaneous bootstrap deliveries.
func WithMaxConcurrency(n int) Option {
	return func(c *config) {
		c.MaxConcurrency = n
	}
}

// WithSSHUser sets the login used to deliver the bootstrap.
func WithSSHUser(user string) Option {
	return func(c *config) {
		c.SSHUser = user
	}
}

// WithNodeBinary ships the given eca-node executable to every node instead
// of relying on the one installed in the image.
func WithNodeBinary(path string) Option {
	return func(c *config) {
		c.NodeBinary = path
	}
}

// WithVerbose echoes every node's delivery progress.
func WithVerbose(verbose bool) Option {
	return func(c *config) {
		c.Verbose = verbose
	}
}

// WithWorkingLocation sets the local directory run directories are created
// under.
func WithWorkingLocation(location string) Option {
	return func(c *config) {
		c.WorkingLocation = location
	}
}

// Config returns the job configuration set built by Load.
func (d *Driver) Config() *ecacfg.Set {
	return d.set
}

// Load reads the cluster configuration, the job configuration and any
// inline {...} override fragments, then derives everything the nodes need
// to know about the run.
func (d *Driver) Load(clusterConfig, jobConfig string, fragments ...string) error {
	loader := ecacfg.NewLoader(d.set)
	if err := loader.Load(d.set.Core(), clusterConfig); err != nil {
		return err
	}
	d.set.SetCore(runLocalKey, configBool(d.config.Local))

	n, err := loader.LoadJobs(jobConfig)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s names no jobs", ecaerr.ErrConfiguration, jobConfig)
	}

	for _, fragment := range fragments {
		if !strings.HasPrefix(strings.TrimSpace(fragment), "{") {
			log.Warnf("ignoring argument %q", fragment)
			continue
		}
		if err := loader.LoadOverrides(fragment); err != nil {
			return err
		}
	}

	d.set.Finalize()
	log.Info("job started")
	return d.prepare(jobConfig)
}

// configBool renders a boolean the way job configurations spell them.
func configBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

// prepare derives the run layout and per-job settings from the loaded set.
func (d *Driver) prepare(jobConfig string) error {
	core := d.set.Core()

	baseName := ecafs.S3CompatibleName(core.String(baseNameKey, defaultBaseName(jobConfig)))
	d.set.SetCore(baseNameKey, baseName)
	stamp := core.String(jobTimeStampKey, d.start.UTC().Format(timeStampFormat))
	d.set.SetCore(jobTimeStampKey, stamp)

	runBase := baseName
	if d.set.Len() > 1 {
		if batch := core.String(ecacfg.CoreBaseNameKey, ""); batch != "" {
			runBase = filepath.Base(batch)
		}
	}
	runDir := runBase + "_runs/" + stamp
	jobDir, err := filepath.Abs(filepath.Join(d.config.WorkingLocation, filepath.FromSlash(runDir)))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(jobDir, 0777); err != nil {
		return err
	}
	d.jobDir = jobDir

	if d.config.Local {
		d.jobRoot = jobDir
		d.setDefault(ecanode.DataDirKey, jobDir)
	} else {
		bucket, err := core.Get(bucketKey)
		if err != nil {
			return err
		}
		d.bucketRoot = "s3://" + ecafs.S3CompatibleBucket(bucket)
		d.jobRoot = d.storePath(runDir)
		d.setDefault(ecanode.DataDirKey, d.config.DataDir)
	}
	d.set.SetCore(ecanode.JobRootKey, d.jobRoot)
	d.set.SetCore(ecanode.LogFileKey, d.storeJoin(d.jobRoot, headLogName))
	log.Infof("run directory is %s", d.jobDir)

	workers, err := d.workerCount()
	if err != nil {
		return err
	}
	d.set.SetCore(ecanode.WorkerCountKey, strconv.Itoa(workers))

	// Keeping workers without the coordinator that would terminate them
	// makes no sense.
	if core.Bool(ecanode.KeepClientsKey, false) {
		d.set.SetCore(ecanode.KeepHeadKey, "True")
	}

	launchGroup := ""
	if core.String(spotBidKey, "") != "" && !d.config.Local {
		launchGroup = "ECA" + baseName + "_" + stamp
	}
	d.set.SetCore(launchGroupKey, launchGroup)

	for _, h := range d.set.Entries() {
		name := h.String(ecacfg.UniqueKey, "job")
		h.Set(ecanode.ReportFileKey, d.storeJoin(d.jobRoot, name, computationLogName))
		if h.String(resultsFilenameKey, "_none") == "_none" {
			h.Set(resultsFilenameKey, filepath.Join(d.jobDir, name+".results.txt"))
		}
	}

	if err := d.rewriteResultFiles(); err != nil {
		return err
	}
	d.setNodeSettings()
	return nil
}

// defaultBaseName names a run after its job config file.
func defaultBaseName(jobConfig string) string {
	trimmed := strings.TrimSpace(jobConfig)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return "job"
	}
	base := filepath.Base(jobConfig)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// setDefault gives key a value wherever neither core nor a job sets it.
func (d *Driver) setDefault(key, value string) {
	if d.set.Core().Has(key) {
		return
	}
	var missing []*ecacfg.Handle
	for _, h := range d.set.Entries() {
		if !h.Has(key) {
			missing = append(missing, h)
		}
	}
	if len(missing) == d.set.Len() {
		d.set.SetCore(key, value)
		return
	}
	for _, h := range missing {
		h.Set(key, value)
	}
}

func (d *Driver) workerCount() (int, error) {
	if d.config.Local {
		return 0, nil
	}
	core := d.set.Core()
	nodes, err := core.Int(numberOfNodesKey, 0)
	if err != nil {
		return 0, err
	}
	if nodes > 0 {
		return nodes - 1, nil
	}
	workers, err := core.Int(ecanode.WorkerCountKey, 0)
	if err != nil {
		return 0, err
	}
	if workers < 0 {
		return 0, fmt.Errorf("%w: %s=%d", ecaerr.ErrConfiguration, ecanode.WorkerCountKey, workers)
	}
	return workers, nil
}

// handles returns core followed by every stack entry.
func (d *Driver) handles() []*ecacfg.Handle {
	return append([]*ecacfg.Handle{d.set.Core()}, d.set.Entries()...)
}

// rewriteResultFiles turns the store part of every
// resultFile_*="<node path>;<store path>;<local path>" into a full store
// location.
func (d *Driver) rewriteResultFiles() error {
	for _, h := range d.handles() {
		for _, key := range h.Keys() {
			if !strings.HasPrefix(key, ecanode.ResultFilePrefix) {
				continue
			}
			val, _ := h.Get(key)
			parts := strings.Split(val, ";")
			if len(parts) != 3 {
				return fmt.Errorf("%w: %s=%q should be <node path>;<store path>;<local path>", ecaerr.ErrConfiguration, key, val)
			}
			parts[1] = d.storePath(parts[1])
			h.Set(key, strings.Join(parts, ";"))
		}
	}
	return nil
}

// setNodeSettings passes the tool settings nodes need along in the core.
func (d *Driver) setNodeSettings() {
	d.set.SetCore(pollIntervalKey, d.config.PollInterval.String())
	d.set.SetCore(rendezvousBudgetKey, d.config.RendezvousBudget.String())
	d.set.SetCore(terminationBudgetKey, d.config.TerminationBudget.String())
	d.set.SetCore(downloadRetriesKey, strconv.Itoa(d.config.DownloadRetries))
	d.setDefault(sharedDirKey, d.config.SharedDir)
	if d.config.Debug {
		d.set.SetCore(debugKey, "True")
	}
}

// storePath maps a local or relative path onto its location in the store.
// Store locations and absolute local-run paths are returned unchanged.
func (d *Driver) storePath(p string) string {
	if strings.HasPrefix(p, "s3://") {
		return p
	}
	if d.bucketRoot == "" {
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(d.jobRoot, p)
	}
	key := strings.TrimLeft(ecafs.S3CompatibleName(p), "/")
	return d.storeJoin(d.bucketRoot, key)
}

func (d *Driver) storeJoin(elem ...string) string {
	if strings.HasPrefix(elem[0], "s3://") {
		return (&ecafs.S3FileSystem{}).Join(elem...)
	}
	return filepath.Join(elem...)
}

// Run executes the loaded batch and fetches its results.
func (d *Driver) Run(ctx context.Context) error {
	if d.config.Local {
		return d.runLocal(ctx)
	}
	return d.runCluster(ctx)
}

// cliFlags holds the command-line flags Main reads.
type cliFlags struct {
	local, verbose, debug *bool
	out, removeRole       *string
}

func usageLine(name string) string {
	return fmt.Sprintf("syntax: %s <cluster_config_file> <job_config_file> [ '{\"key\":\"value\"}' ... ] [options]", name)
}

// flagSet declares the command-line flags, defaulting to the driver's
// current settings.
func (d *Driver) flagSet(name string) (*pflag.FlagSet, cliFlags) {
	flags := pflag.NewFlagSet(name, pflag.ExitOnError)
	f := cliFlags{
		local:      flags.BoolP("local", "l", d.config.Local, "run on this computer instead of a cluster"),
		verbose:    flags.BoolP("verbose", "v", d.config.Verbose, "echo node delivery progress"),
		debug:      flags.Bool("debug", d.config.Debug, "debug logging, including AWS requests"),
		out:        flags.StringP("out", "o", d.config.WorkingLocation, "directory to create run directories in"),
		removeRole: flags.String("remove-role", "", "delete the named node role and instance profile, then exit"),
	}
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, usageLine(name))
		flags.PrintDefaults()
	}
	return flags, f
}

// Main starts the Driver.
func (d *Driver) Main() {
	flags, f := d.flagSet(filepath.Base(os.Args[0]))
	flags.Parse(os.Args[1:])

	d.config.Local = *f.local
	d.config.Verbose = *f.verbose
	d.config.Debug = *f.debug
	d.config.WorkingLocation = *f.out
	log.SetLevel(d.config.logLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *f.removeRole != "" {
		if err := d.removeRole(flags.Args(), *f.removeRole); err != nil {
			log.Fatal(err)
		}
		return
	}

	args := flags.Args()
	if len(args) < 2 {
		flags.Usage()
		os.Exit(2)
	}

	if err := d.Load(args[0], args[1], args[2:]...); err != nil {
		log.Fatal(err)
	}

	err := d.Run(ctx)
	fmt.Printf("Job Execution Time: %s\n", time.Since(d.start).Round(time.Second))
	if err != nil {
		log.Errorf("exit with error: %s", err)
		os.Exit(1)
	}
}

// removeRole deletes the node permissions deployed for
// ec2_instance_profile. The cluster config, if given, supplies credentials.
func (d *Driver) removeRole(args []string, role string) error {
	if len(args) > 0 {
		if err := ecacfg.NewLoader(d.set).Load(d.set.Core(), args[0]); err != nil {
			return err
		}
	}
	sess, err := awsSession(d.set.Core())
	if err != nil {
		return err
	}
	log.Infof("removing node role %s", role)
	return ecaiam.NewIAMClient(sess).DeletePermissions(role)
}
