package ecaec2

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	pb "gopkg.in/cheggaaa/pb.v1"

	"github.com/bcongdon/ensemble/internal/pkg/ecaerr"
	"github.com/bcongdon/ensemble/internal/pkg/ecapoll"
)

// DefaultBootBudget bounds the wait for every node to boot and take its
// bootstrap.
const DefaultBootBudget = 20 * time.Minute

// DeliverFunc pushes the bootstrap to one instance that EC2 reports running.
// It returns once delivery succeeded or definitively failed.
type DeliverFunc func(ctx context.Context, inst Instance) error

// Launcher provisions clusters and drives them to Ready.
type Launcher struct {
	client      *EC2Client
	deliver     DeliverFunc
	interval    time.Duration
	bootBudget  time.Duration
	concurrency int64
	progress    bool
	onState     func(ClusterState)
}

// LauncherOption configures a Launcher.
type LauncherOption func(*Launcher)

// WithInterval sets the polling interval for instance and bid status.
func WithInterval(d time.Duration) LauncherOption {
	return func(l *Launcher) {
		l.interval = d
	}
}

// WithBootBudget sets the total wait allowed from request to Ready.
func WithBootBudget(d time.Duration) LauncherOption {
	return func(l *Launcher) {
		l.bootBudget = d
	}
}

// WithConcurrency bounds the number of simultaneous bootstrap deliveries.
func WithConcurrency(n int) LauncherOption {
	return func(l *Launcher) {
		l.concurrency = int64(n)
	}
}

// WithProgress shows a progress bar while nodes are configured.
func WithProgress(show bool) LauncherOption {
	return func(l *Launcher) {
		l.progress = show
	}
}

// WithStateObserver registers a function called on every cluster state change.
func WithStateObserver(f func(ClusterState)) LauncherOption {
	return func(l *Launcher) {
		l.onState = f
	}
}

// NewLauncher returns a Launcher over api that hands running instances to
// deliver.
func NewLauncher(api ec2iface.EC2API, deliver DeliverFunc, options ...LauncherOption) *Launcher {
	l := &Launcher{
		client:     &EC2Client{api},
		deliver:    deliver,
		interval:   ecapoll.MinInterval,
		bootBudget: DefaultBootBudget,
	}
	for _, f := range options {
		f(l)
	}
	return l
}

// Cluster is the outcome of a launch.
type Cluster struct {
	Request        Request
	ReservationID  string
	SpotRequestIDs []string
	Instances      []*Instance // ordered by Index
	State          ClusterState
}

// IDs returns the instance ids of the cluster.
func (c *Cluster) IDs() []string {
	ids := make([]string, 0, len(c.Instances))
	for _, inst := range c.Instances {
		ids = append(ids, inst.ID)
	}
	return ids
}

// Coordinator returns the node with index 0, or nil.
func (c *Cluster) Coordinator() *Instance {
	for _, inst := range c.Instances {
		if inst.Index == 0 {
			return inst
		}
	}
	return nil
}

// StatusLine renders one state letter per node, e.g. "RRBP".
func (c *Cluster) StatusLine() string {
	var b strings.Builder
	for _, inst := range c.Instances {
		b.WriteString(inst.State.Letter())
	}
	return b.String()
}

// aggregate derives the cluster state from its nodes. deliveries counts the
// bootstrap deliveries started so far.
func (c *Cluster) aggregate(deliveries int) ClusterState {
	var pending, booting, running int
	for _, inst := range c.Instances {
		switch inst.State {
		case StatePending:
			pending++
		case StateBooting:
			booting++
		case StateRunning:
			running++
		}
	}
	switch {
	case running == len(c.Instances):
		return Ready
	case running > 0 || deliveries > 0:
		return Configuring
	case booting > 0 && pending > 0:
		return PartiallyBooting
	case booting > 0:
		return AllBooting
	}
	return c.State
}

func (l *Launcher) setState(c *Cluster, s ClusterState) {
	if c.State == s {
		return
	}
	log.Debugf("cluster state %s -> %s", c.State, s)
	c.State = s
	if l.onState != nil {
		l.onState(s)
	}
}

// Launch requests the instances described by req and waits until every one
// of them runs with its bootstrap delivered. Any node failing, terminating or
// outlasting the boot budget fails the whole launch; all instances are then
// terminated (the coordinator survives if KeepCoordinator is set) and the
// returned error names the node and its last state.
func (l *Launcher) Launch(ctx context.Context, req Request) (*Cluster, error) {
	req = req.clone()
	cluster := &Cluster{Request: req, State: Requested}
	if req.Count <= 0 {
		return cluster, fmt.Errorf("%w: cluster needs at least one node", ecaerr.ErrConfiguration)
	}

	budget := ecapoll.NewBudget(l.bootBudget)
	poller := ecapoll.Every(l.interval, 0).Within(budget)

	var err error
	if req.Spot() {
		err = l.launchSpot(ctx, cluster, poller)
	} else {
		err = l.launchOnDemand(cluster)
	}
	if err == nil {
		err = l.boot(ctx, cluster, poller)
	}
	if err != nil {
		l.setState(cluster, Failed)
		log.Errorf("cluster launch failed [%s]: %s", cluster.StatusLine(), err)
		l.teardown(cluster)
		return cluster, err
	}

	l.setState(cluster, Ready)
	log.Infof("all %d node(s) are configured", len(cluster.Instances))
	return cluster, nil
}

func (l *Launcher) launchOnDemand(c *Cluster) error {
	req := c.Request
	log.Infof("note: using demand instances, consider using spotBid to reduce costs")

	input := &ec2.RunInstancesInput{
		ImageId:                           aws.String(req.ImageID),
		InstanceType:                      aws.String(req.InstanceType),
		MinCount:                          aws.Int64(int64(req.Count)),
		MaxCount:                          aws.Int64(int64(req.Count)),
		KeyName:                           aws.String(req.KeyName),
		SecurityGroups:                    aws.StringSlice(req.SecurityGroups),
		InstanceInitiatedShutdownBehavior: aws.String(ec2.ShutdownBehaviorTerminate),
		ClientToken:                       aws.String(uuid.New().String()),
	}
	if req.AvailabilityZone != "" || req.PlacementGroup != "" {
		input.Placement = &ec2.Placement{}
		if req.AvailabilityZone != "" {
			input.Placement.AvailabilityZone = aws.String(req.AvailabilityZone)
		}
		if req.PlacementGroup != "" {
			input.Placement.GroupName = aws.String(req.PlacementGroup)
		}
	}
	if req.InstanceProfile != "" {
		input.IamInstanceProfile = &ec2.IamInstanceProfileSpecification{Name: aws.String(req.InstanceProfile)}
	}

	res, err := l.client.RunInstances(input)
	if err != nil {
		return err
	}
	c.ReservationID = aws.StringValue(res.ReservationId)
	for _, inst := range res.Instances {
		c.Instances = append(c.Instances, &Instance{
			ID:    aws.StringValue(inst.InstanceId),
			State: StatePending,
			Index: int(aws.Int64Value(inst.AmiLaunchIndex)),
		})
	}
	sort.SliceStable(c.Instances, func(i, j int) bool { return c.Instances[i].Index < c.Instances[j].Index })
	if len(c.Instances) != req.Count {
		return fmt.Errorf("%w: asked for %d instances, got %d", ecaerr.ErrPartialFailure, req.Count, len(c.Instances))
	}
	return nil
}

// launchSpot places the bids and waits for all of them to be fulfilled.
// Node indices follow activation order, which EC2 doesn't guarantee to be
// meaningful; the index each node gets is delivered to it explicitly.
func (l *Launcher) launchSpot(ctx context.Context, c *Cluster, poller ecapoll.Poller) error {
	ids, err := l.requestSpot(c.Request)
	if err != nil {
		return err
	}
	c.SpotRequestIDs = ids
	l.setState(c, BidPending)

	activations, strays, err := l.awaitSpot(ctx, ids, poller)
	for i, a := range activations {
		if a.instanceID == "" {
			continue
		}
		c.Instances = append(c.Instances, &Instance{
			ID:            a.instanceID,
			State:         StatePending,
			Index:         i,
			SpotRequestID: a.requestID,
		})
	}
	for _, id := range strays {
		c.Instances = append(c.Instances, &Instance{ID: id, State: StateFailed, Index: strayIndex})
	}
	if err != nil {
		if errors.Is(err, ecapoll.ErrTimeout) {
			err = fmt.Errorf("waiting for %d spot request(s): %w", len(ids)-len(activations), err)
		}
		return err
	}
	if len(c.Instances) != c.Request.Count {
		return fmt.Errorf("%w: %d of %d spot requests yielded an instance", ecaerr.ErrPartialFailure, len(c.Instances), c.Request.Count)
	}
	return nil
}

// strayIndex marks an instance whose spot request did not become active.
// It never belongs to the cluster and is always terminated.
const strayIndex = -1

type deliveryResult struct {
	index int
	err   error
}

// boot tracks the instances until all of them run with the bootstrap
// delivered.
func (l *Launcher) boot(ctx context.Context, c *Cluster, poller ecapoll.Poller) error {
	bootCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	byID := make(map[string]*Instance, len(c.Instances))
	byIndex := make(map[int]*Instance, len(c.Instances))
	for _, inst := range c.Instances {
		byID[inst.ID] = inst
		byIndex[inst.Index] = inst
	}
	ids := c.IDs()

	concurrency := l.concurrency
	if concurrency <= 0 {
		concurrency = int64(len(c.Instances))
	}
	sem := semaphore.NewWeighted(concurrency)
	results := make(chan deliveryResult, len(c.Instances))
	started := map[int]bool{}
	delivered := map[int]bool{}

	bar := pb.New(len(c.Instances)).Prefix("Configure")
	bar.NotPrint = !l.progress
	bar.Start()
	defer bar.Finish()

	lastStatus := ""
	err := poller.Until(bootCtx, func(ctx context.Context) (bool, error) {
		deliveries := len(started)
		for drained := false; !drained; {
			select {
			case r := <-results:
				inst := byIndex[r.index]
				if r.err != nil {
					inst.State = StateFailed
					return false, r.err
				}
				inst.State = StateRunning
				delivered[r.index] = true
				bar.Increment()
			default:
				drained = true
			}
		}

		views, err := l.client.describe(ids)
		if err != nil {
			if isTransient(err) {
				log.Debugf("describing instances: %s", err)
				return false, nil
			}
			return false, err
		}
		for _, view := range views {
			inst, ok := byID[aws.StringValue(view.InstanceId)]
			if !ok {
				continue
			}
			name := aws.StringValue(view.State.Name)
			state := ec2State(name, delivered[inst.Index])
			if state == StateTerminated {
				last := inst.State
				inst.State = StateTerminated
				return false, ecaerr.Node(inst.Index, string(last),
					fmt.Errorf("%w: instance %s is %s", ecaerr.ErrPartialFailure, inst.ID, name))
			}
			inst.State = state
			inst.Address = aws.StringValue(view.PublicIpAddress)
			inst.PrivateAddress = aws.StringValue(view.PrivateIpAddress)
			if inst.Address == "" {
				inst.Address = inst.PrivateAddress
			}

			if state == StateBooting && !started[inst.Index] {
				started[inst.Index] = true
				go l.deliverTo(bootCtx, sem, *inst, results)
			}
		}

		l.setState(c, c.aggregate(deliveries))
		if status := c.StatusLine(); status != lastStatus {
			log.Infof("node status: %s", status)
			lastStatus = status
		}
		return len(delivered) == len(c.Instances), nil
	})

	if errors.Is(err, ecapoll.ErrTimeout) {
		for _, inst := range c.Instances {
			if inst.State != StateRunning {
				return ecaerr.Node(inst.Index, string(inst.State), fmt.Errorf("node did not configure in time: %w", err))
			}
		}
	}
	return err
}

func (l *Launcher) deliverTo(ctx context.Context, sem *semaphore.Weighted, inst Instance, results chan<- deliveryResult) {
	if err := sem.Acquire(ctx, 1); err != nil {
		results <- deliveryResult{index: inst.Index, err: ecaerr.Node(inst.Index, string(inst.State), err)}
		return
	}
	defer sem.Release(1)

	log.Debugf("node %d (%s) is up at %s, delivering bootstrap", inst.Index, inst.ID, inst.Address)
	err := l.deliver(ctx, inst)
	if err != nil {
		var nodeErr *ecaerr.NodeError
		if !errors.As(err, &nodeErr) {
			err = ecaerr.Node(inst.Index, string(StateBooting), err)
		}
	}
	results <- deliveryResult{index: inst.Index, err: err}
}

// teardown terminates the cluster after a failed launch.
func (l *Launcher) teardown(c *Cluster) {
	ctx := context.Background()
	l.client.CancelSpotRequests(c.SpotRequestIDs)

	var doomed []string
	for _, inst := range c.Instances {
		if inst.Index == strayIndex {
			doomed = append(doomed, inst.ID)
			continue
		}
		if inst.Index == 0 && c.Request.KeepCoordinator {
			log.Warnf("leaving coordinator %s running, as requested", inst.ID)
			continue
		}
		if inst.Index != 0 && c.Request.KeepWorkers {
			log.Warnf("leaving worker %s running, as requested", inst.ID)
			continue
		}
		doomed = append(doomed, inst.ID)
	}
	l.client.Terminate(ctx, doomed)
	for _, inst := range c.Instances {
		for _, id := range doomed {
			if inst.ID == id {
				inst.State = StateTerminated
			}
		}
	}
}
