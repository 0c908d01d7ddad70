package ecanode

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/service/ec2"
	humanize "github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"github.com/bcongdon/ensemble/internal/pkg/ecacfg"
	"github.com/bcongdon/ensemble/internal/pkg/ecapoll"
)

// shutdown runs after the jobs, successful or not: it terminates the
// workers, saves results and logs to the store and powers the coordinator
// off. keepClients and keepHead override the terminations.
func (n *Node) shutdown(ctx context.Context, cause error) error {
	if cause != nil {
		log.Errorf("coordinator stopping after error: %s", cause)
	}
	keepClients := n.core.Bool(KeepClientsKey, false)
	keepHead := keepClients || n.core.Bool(KeepHeadKey, false)

	var others []string
	switch {
	case n.cluster == nil:
	case keepClients:
		log.Infof("not terminating workers, per %q setting", KeepClientsKey)
	default:
		others = n.otherMembers(ctx)
		if len(others) > 0 {
			log.Infof("terminating %d worker(s)", len(others))
			if err := n.cluster.Terminate(ctx, others); err != nil {
				log.Errorf("terminating workers: %s", err)
			}
		}
	}

	// Results go up while the workers shut down.
	n.uploadResults()
	if err := n.writeManifest(); err != nil {
		log.Warnf("writing results manifest: %s", err)
	}

	if len(others) > 0 {
		if err := n.awaitTermination(ctx, others); err != nil {
			log.Errorf("workers did not terminate: %s", err)
		}
	}
	log.Info("coordinator: processing complete")

	n.uploadLogs()

	if keepHead || n.cluster == nil {
		log.Infof("not terminating coordinator (%s=%t, %s=%t)", KeepHeadKey, keepHead, KeepClientsKey, keepClients)
		return nil
	}
	log.Infof("self-terminating coordinator (set %q to keep it)", KeepHeadKey)
	return n.exec.Run(ctx, "", nil, n.core.String(ShutdownKey, defaultShutdownCommand))
}

// otherMembers lists every cluster instance except this one.
func (n *Node) otherMembers(ctx context.Context) []string {
	self, err := n.meta.InstanceID(ctx)
	if err != nil {
		log.Errorf("finding own instance id: %s", err)
		return nil
	}
	reservation := ""
	group := n.core.String("launchgroup", "")
	if group == "" {
		if reservation, err = n.meta.ReservationID(ctx); err != nil {
			log.Errorf("finding reservation id: %s", err)
			return nil
		}
	}
	members, err := n.cluster.Members(reservation, group)
	if err != nil {
		log.Errorf("listing cluster members: %s", err)
		return nil
	}
	var ids []string
	for _, m := range members {
		if m.ID != self {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

func (n *Node) awaitTermination(ctx context.Context, ids []string) error {
	poller := ecapoll.Every(n.interval, n.terminationBudget)
	return poller.Until(ctx, func(ctx context.Context) (bool, error) {
		terminated := 0
		for _, id := range ids {
			state, err := n.cluster.InstanceState(id)
			if err != nil {
				log.Debugf("state of %s: %s", id, err)
				continue
			}
			if state == ec2.InstanceStateNameTerminated {
				terminated++
			}
		}
		if terminated < len(ids) {
			log.Infof("waiting %s (%d/%d terminated)", n.interval, terminated, len(ids))
			return false, nil
		}
		log.Infof("all %d worker(s) terminated", terminated)
		return true, nil
	})
}

// upload copies a node file into the store, replacing older copies.
func (n *Node) upload(local, remote string) {
	if _, err := os.Stat(local); err != nil {
		log.Warnf("not uploading %s: %s", local, err)
		return
	}
	if _, err := n.stager.UploadFile(local, remote, false, true); err != nil {
		log.Errorf("uploading %s to %s: %s", local, remote, err)
	}
}

// uploadResults saves each job's computation log as its report, plus every
// resultFile_* given as "<node path>;<store path>[;<local path>]". Core
// values apply to every job unless a job sets its own.
func (n *Node) uploadResults() {
	for i, h := range n.jobs() {
		if report := h.String(ReportFileKey, ""); report != "" {
			n.upload(n.computationLogFor(h, i), report)
		}
	}

	done := map[string]bool{}
	for _, h := range append([]*ecacfg.Handle{n.core}, n.jobs()...) {
		for key, val := range h.Merged() {
			if !strings.HasPrefix(key, ResultFilePrefix) || done[val] {
				continue
			}
			done[val] = true
			parts := strings.Split(val, ";")
			if len(parts) < 2 {
				log.Warnf("%s=%q should be <node path>;<store path>;<local path>", key, val)
				continue
			}
			n.upload(parts[0], parts[1])
		}
	}
}

// writeManifest lists what each job left under its directory in the store.
func (n *Node) writeManifest() error {
	fs := n.stager.Remote()
	var b strings.Builder
	listed := map[string]bool{}
	for _, h := range n.jobs() {
		name := h.String(ecacfg.UniqueKey, "")
		if name == "" {
			continue
		}
		files, err := fs.ListFiles(fs.Join(n.jobRoot, name, "**"))
		if err != nil {
			return err
		}
		for _, f := range files {
			if listed[f.Name] {
				continue
			}
			listed[f.Name] = true
			fmt.Fprintf(&b, "%s\t%d\t%s\n", f.Name, f.Size, humanize.Bytes(uint64(f.Size)))
		}
	}
	return n.stager.WriteString(fs.Join(n.jobRoot, ManifestName), b.String())
}

func (n *Node) uploadLogs() {
	if remote := n.core.String(LogFileKey, ""); remote != "" {
		n.upload(n.logFile, remote)
	}
}
