package ecanode

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/bcongdon/ensemble/internal/pkg/ecacfg"
	"github.com/bcongdon/ensemble/internal/pkg/ecaerr"
	"github.com/bcongdon/ensemble/internal/pkg/ecafs"
	"github.com/bcongdon/ensemble/internal/pkg/ecapoll"
)

// Shared-store layout under the job root.
const (
	RendezvousName = "headIPAddress"
	MembershipDir  = "clientnodeinfo"
	markerPrefix   = "client_"
	ManifestName   = "results.manifest"
)

// Job configuration keys read on the node.
const (
	JobRootKey        = "s3JobDir"
	WorkerCountKey    = "numberOfClientNodes"
	DataDirKey        = "dataDir"
	JobCommandKey     = "jobCommand"
	SharedFilePrefix  = "sharedFile_"
	NoUploadPrefix    = "sharedFile_NoUpload_"
	ResultFilePrefix  = "resultFile_"
	ReportFileKey     = "reportFileName"
	LogFileKey        = "logFileName"
	ComputationLogKey = "computationLogFile"
	ExportCommandKey  = "nfsExportCommand"
	MountCommandKey   = "nfsMountCommand"
	ShutdownKey       = "shutdownCommand"
	KeepHeadKey       = "keepHead"
	KeepClientsKey    = "keepClients"
)

// Defaults for Node.
const (
	DefaultRendezvousBudget  = 10 * time.Minute
	DefaultTerminationBudget = 10 * time.Minute
	DefaultSharedDir         = "/mnt/nfs-shared"
	DefaultDataDir           = "/mnt/"
	DefaultLogFile           = "/var/log/eca.log"
	DefaultComputationLog    = "/var/log/eca-computation.log"
	defaultShutdownCommand   = "shutdown -hP now"
)

// Cluster is what a coordinator needs from the provider at shutdown.
type Cluster interface {
	Members
	Terminate(ctx context.Context, ids []string) error
	InstanceState(id string) (string, error)
}

// Node carries out the node-side protocol for one cluster member.
type Node struct {
	set    *ecacfg.Set
	core   *ecacfg.Handle
	stager *ecafs.Stager
	meta   Metadata

	cluster Cluster
	exec    Executor
	prober  Prober
	shared  ecafs.FileSystem

	jobRoot           string
	sharedDir         string
	logFile           string
	computationLog    string
	interval          time.Duration
	rendezvousBudget  time.Duration
	terminationBudget time.Duration
}

// Option configures a Node.
type Option func(*Node)

// WithCluster lets the coordinator terminate the other members at shutdown.
// Without one (local runs) nothing is terminated.
func WithCluster(c Cluster) Option {
	return func(n *Node) {
		n.cluster = c
	}
}

// WithExecutor replaces the shell used for job and setup commands.
func WithExecutor(e Executor) Option {
	return func(n *Node) {
		n.exec = e
	}
}

// WithProber replaces the worker liveness probe.
func WithProber(p Prober) Option {
	return func(n *Node) {
		n.prober = p
	}
}

// WithInterval sets the polling interval of every wait.
func WithInterval(d time.Duration) Option {
	return func(n *Node) {
		n.interval = d
	}
}

// WithRendezvousBudget bounds the wait for workers (coordinator) or for the
// coordinator's address (worker).
func WithRendezvousBudget(d time.Duration) Option {
	return func(n *Node) {
		n.rendezvousBudget = d
	}
}

// WithTerminationBudget bounds the coordinator's wait for workers to
// terminate at shutdown.
func WithTerminationBudget(d time.Duration) Option {
	return func(n *Node) {
		n.terminationBudget = d
	}
}

// WithSharedDir sets the directory the coordinator exports to workers.
func WithSharedDir(dir string) Option {
	return func(n *Node) {
		n.sharedDir = dir
	}
}

// WithLogFiles sets the node log and the base name of per-job computation
// logs.
func WithLogFiles(nodeLog, computationLog string) Option {
	return func(n *Node) {
		n.logFile = nodeLog
		n.computationLog = computationLog
	}
}

// New returns a Node for the job configuration set, exchanging files with
// the shared store through stager.
func New(set *ecacfg.Set, stager *ecafs.Stager, meta Metadata, options ...Option) (*Node, error) {
	core := set.Core()
	jobRoot, err := core.Get(JobRootKey)
	if err != nil {
		return nil, err
	}

	n := &Node{
		set:               set,
		core:              core,
		stager:            stager,
		meta:              meta,
		exec:              ShellExecutor{},
		prober:            TCPProber{},
		shared:            &ecafs.LocalFileSystem{},
		jobRoot:           jobRoot,
		sharedDir:         DefaultSharedDir,
		logFile:           DefaultLogFile,
		computationLog:    DefaultComputationLog,
		interval:          ecapoll.MinInterval,
		rendezvousBudget:  DefaultRendezvousBudget,
		terminationBudget: DefaultTerminationBudget,
	}
	for _, f := range options {
		f(n)
	}
	if n.interval <= 0 {
		n.interval = ecapoll.MinInterval
	}
	return n, nil
}

// Run resolves the node's role and runs that half of the protocol.
func (n *Node) Run(ctx context.Context) error {
	role, _, err := ResolveRole(ctx, n.core, n.meta, n.cluster)
	if err != nil {
		return err
	}
	log.Infof("running as %s", role)

	switch r := role.(type) {
	case Coordinator:
		return n.RunCoordinator(ctx)
	case Worker:
		return n.RunWorker(ctx, r)
	}
	return fmt.Errorf("%w: unrecognized node role %v", ecaerr.ErrConfiguration, role)
}

func (n *Node) artifactPath() string {
	return n.stager.Remote().Join(n.jobRoot, RendezvousName)
}

func (n *Node) markerPath(worker int) string {
	return n.stager.Remote().Join(n.jobRoot, MembershipDir, fmt.Sprintf("%s%d", markerPrefix, worker))
}

func (n *Node) markerGlob() string {
	return n.stager.Remote().Join(n.jobRoot, MembershipDir, markerPrefix+"*")
}

// markerIndex returns the worker index named by a marker, if it is one of
// the want expected workers.
func markerIndex(name string, want int) (int, bool) {
	base := path.Base(filepath.ToSlash(name))
	if !strings.HasPrefix(base, markerPrefix) {
		return 0, false
	}
	idx, err := strconv.Atoi(strings.TrimPrefix(base, markerPrefix))
	if err != nil || idx < 0 || idx >= want {
		return 0, false
	}
	return idx, true
}

// jobs returns a handle per job in the batch. A configuration without a
// stack is a single job run from core.
func (n *Node) jobs() []*ecacfg.Handle {
	if entries := n.set.Entries(); len(entries) > 0 {
		return entries
	}
	return []*ecacfg.Handle{n.core}
}

// computationLogFor returns the local computation log of job i.
func (n *Node) computationLogFor(h *ecacfg.Handle, i int) string {
	return h.String(ComputationLogKey, fmt.Sprintf("%s.%d", n.computationLog, i))
}

// downloadShared fetches every sharedFile_* input into the job's data dir.
// A value may name several store paths separated by semicolons.
func (n *Node) downloadShared(ctx context.Context) error {
	log.Info("downloading shared job inputs")
	fetched := map[string]bool{}
	for _, h := range n.jobs() {
		dataDir := h.String(DataDirKey, DefaultDataDir)
		for key, val := range h.Merged() {
			if !strings.HasPrefix(key, SharedFilePrefix) || strings.HasPrefix(key, NoUploadPrefix) {
				continue
			}
			for _, remote := range strings.Split(val, ";") {
				remote = strings.TrimSpace(remote)
				if remote == "" {
					continue
				}
				local := filepath.Join(dataDir, path.Base(filepath.ToSlash(remote)))
				if fetched[local] {
					continue
				}
				if err := n.stager.DownloadFile(ctx, remote, local); err != nil {
					return fmt.Errorf("%s: %w", key, err)
				}
				fetched[local] = true
			}
		}
	}
	log.Infof("shared downloads complete (%d file(s))", len(fetched))
	return nil
}
