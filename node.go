package ensemble

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	log "github.com/sirupsen/logrus"

	"github.com/bcongdon/ensemble/internal/pkg/ecacfg"
	"github.com/bcongdon/ensemble/internal/pkg/ecaec2"
	"github.com/bcongdon/ensemble/internal/pkg/ecafs"
	"github.com/bcongdon/ensemble/internal/pkg/ecanode"
)

// Tool settings passed to nodes in the job configuration core.
const (
	pollIntervalKey      = "eca_pollInterval"
	rendezvousBudgetKey  = "eca_rendezvousBudget"
	terminationBudgetKey = "eca_terminationBudget"
	downloadRetriesKey   = "eca_downloadRetries"
	sharedDirKey         = "sharedDir"
)

const defaultRegion = "us-east-1"

// awsSession builds a session from the credentials and region in the job
// configuration, falling back to the SDK's default credential chain.
func awsSession(core *ecacfg.Handle) (*session.Session, error) {
	cfg := aws.NewConfig().WithRegion(core.String(regionKey, defaultRegion))

	key, secret := core.String(accessKeyKey, ""), core.String(secretKeyKey, "")
	if key != "" && secret != "" {
		cfg = cfg.WithCredentials(credentials.NewStaticCredentials(key, secret, ""))
	}
	if core.Bool(debugKey, false) {
		cfg = cfg.WithLogLevel(aws.LogDebug)
	}
	return session.NewSession(cfg)
}

// newEC2Client returns an EC2 client for the configured region and
// optional ec2_endpoint.
func newEC2Client(sess *session.Session, core *ecacfg.Handle) *ecaec2.EC2Client {
	cfg := aws.NewConfig()
	if endpoint := core.String(endpointKey, ""); endpoint != "" {
		cfg = cfg.WithEndpoint(endpoint)
	}
	return &ecaec2.EC2Client{EC2API: ec2.New(sess, cfg)}
}

// nodeOptions turns the settings the launcher passed along into Node
// options.
func nodeOptions(core *ecacfg.Handle) []ecanode.Option {
	var options []ecanode.Option
	durations := []struct {
		key string
		opt func(time.Duration) ecanode.Option
	}{
		{pollIntervalKey, ecanode.WithInterval},
		{rendezvousBudgetKey, ecanode.WithRendezvousBudget},
		{terminationBudgetKey, ecanode.WithTerminationBudget},
	}
	for _, d := range durations {
		val := core.String(d.key, "")
		if val == "" {
			continue
		}
		parsed, err := time.ParseDuration(val)
		if err != nil {
			log.Warnf("ignoring %s=%q: %s", d.key, val, err)
			continue
		}
		options = append(options, d.opt(parsed))
	}
	if dir := core.String(sharedDirKey, ""); dir != "" {
		options = append(options, ecanode.WithSharedDir(dir))
	}
	return options
}

func stagerOptions(core *ecacfg.Handle) []ecafs.StagerOption {
	retries, err := core.Int(downloadRetriesKey, ecafs.DefaultDownloadRetries)
	if err != nil {
		log.Warn(err)
		retries = ecafs.DefaultDownloadRetries
	}
	return []ecafs.StagerOption{ecafs.WithDownloadRetries(retries)}
}

// NodeMain runs on every cluster node, started by the bootstrap with the
// path of the user data the launcher delivered.
func NodeMain(userData string) error {
	logFile, err := os.OpenFile(ecanode.DefaultLogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer logFile.Close()
	log.SetOutput(io.MultiWriter(os.Stderr, logFile))
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	data, err := os.ReadFile(userData)
	if err != nil {
		return err
	}
	set, err := ecacfg.Parse(data)
	if err != nil {
		return fmt.Errorf("reading %s: %w", userData, err)
	}
	core := set.Core()
	if core.Bool(debugKey, false) {
		log.SetLevel(log.DebugLevel)
	}

	jobRoot, err := core.Get(ecanode.JobRootKey)
	if err != nil {
		return err
	}
	sess, err := awsSession(core)
	if err != nil {
		return err
	}

	stager := ecafs.NewStager(ecafs.InferFilesystem(sess, jobRoot), stagerOptions(core)...)
	options := append(nodeOptions(core), ecanode.WithCluster(newEC2Client(sess, core)))
	node, err := ecanode.New(set, stager, ecanode.NewEC2Metadata(sess), options...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return node.Run(ctx)
}
