package ecanode

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/bcongdon/ensemble/internal/pkg/ecacfg"
	"github.com/bcongdon/ensemble/internal/pkg/ecaerr"
	"github.com/bcongdon/ensemble/internal/pkg/ecapoll"
)

// RunCoordinator runs the coordinator half of the protocol, then the jobs,
// then the shutdown sequence. Shutdown runs whatever happened before it.
func (n *Node) RunCoordinator(ctx context.Context) (err error) {
	log.Info("beginning coordinator configuration")

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		n.monitor(monitorCtx)
	}()

	defer func() {
		stopMonitor()
		wg.Wait()
		if serr := n.shutdown(context.WithoutCancel(ctx), err); err == nil {
			err = serr
		}
	}()

	if err := n.exportShare(ctx); err != nil {
		return err
	}

	addr, err := n.meta.Address(ctx)
	if err != nil {
		return err
	}
	if err := n.publishAddress(addr); err != nil {
		return err
	}

	if err := n.downloadShared(ctx); err != nil {
		return err
	}

	want, err := n.core.Int(WorkerCountKey, 0)
	if err != nil {
		return err
	}

	budget := ecapoll.NewBudget(n.rendezvousBudget)
	addrs, err := n.AwaitWorkers(ctx, want, budget)
	if err != nil {
		return err
	}
	if err := n.probeWorkers(ctx, addrs, budget); err != nil {
		return err
	}
	log.Info("coordinator: configuration complete")

	return n.runJobs(ctx)
}

func (n *Node) exportShare(ctx context.Context) error {
	if err := os.MkdirAll(n.sharedDir, 0777); err != nil {
		return err
	}
	cmd := n.core.String(ExportCommandKey, "")
	if cmd == "" {
		return nil
	}
	log.Infof("activating shared directory %s for workers", n.sharedDir)
	w := log.StandardLogger().Writer()
	defer w.Close()
	if err := n.exec.Run(ctx, "", w, cmd); err != nil {
		return fmt.Errorf("exporting %s: %w", n.sharedDir, err)
	}
	return nil
}

// publishAddress writes the coordinator address to the shared directory and
// to the rendezvous artifact. The artifact is written once and never changed.
func (n *Node) publishAddress(addr string) error {
	local := n.shared.Join(n.sharedDir, RendezvousName)
	w, err := n.shared.OpenWriter(local)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(addr)); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	if err := n.stager.WriteString(n.artifactPath(), addr); err != nil {
		return fmt.Errorf("%w: writing rendezvous artifact: %v", ecaerr.ErrTransient, err)
	}
	log.Infof("coordinator address %s published to %s", addr, n.artifactPath())
	return nil
}

// AwaitWorkers blocks until want distinct workers have written their
// markers, and returns their addresses in worker order. Markers are counted,
// not waited on one by one, so the order they appear in doesn't matter.
func (n *Node) AwaitWorkers(ctx context.Context, want int, budget *ecapoll.Budget) ([]string, error) {
	if want <= 0 {
		log.Info("no workers to wait for")
		return nil, nil
	}
	log.Infof("waiting for %d worker(s) to report ready", want)

	found := map[int]string{}
	poller := ecapoll.Every(n.interval, 0).Within(budget)
	err := poller.Until(ctx, func(ctx context.Context) (bool, error) {
		files, err := n.stager.Remote().ListFiles(n.markerGlob())
		if err != nil {
			log.Debugf("listing worker markers: %s", err)
			return false, nil
		}
		for _, f := range files {
			idx, ok := markerIndex(f.Name, want)
			if !ok {
				continue
			}
			if _, seen := found[idx]; seen {
				continue
			}
			addr, err := n.stager.ReadString(f.Name)
			if err != nil {
				log.Debugf("reading %s: %s", f.Name, err)
				continue
			}
			// A marker still being written reads empty.
			if strings.TrimSpace(addr) == "" {
				continue
			}
			found[idx] = strings.TrimSpace(addr)
			log.Infof("worker %d checked in from %s", idx, found[idx])
		}
		if len(found) < want {
			log.Infof("waiting %s (%d/%d ready)", n.interval, len(found), want)
		}
		return len(found) == want, nil
	})
	if err != nil {
		return nil, fmt.Errorf("only %d of %d workers reported ready: %w", len(found), want, err)
	}

	addrs := make([]string, want)
	for i := range addrs {
		addrs[i] = found[i]
	}
	log.Infof("all %d worker(s) reporting ready", want)
	return addrs, nil
}

// probeWorkers checks every worker is reachable, backing off between
// failed probes, within what is left of budget.
func (n *Node) probeWorkers(ctx context.Context, addrs []string, budget *ecapoll.Budget) error {
	for i, addr := range addrs {
		poller := ecapoll.Every(n.interval, 0).Within(budget).WithBackoff(2, 8*n.interval)
		var lastErr error
		err := poller.Until(ctx, func(ctx context.Context) (bool, error) {
			lastErr = n.prober.Probe(ctx, addr)
			if lastErr != nil {
				log.Infof("worker %d at %s not reachable yet: %s", i, addr, lastErr)
				return false, nil
			}
			return true, nil
		})
		if err != nil {
			return ecaerr.Node(i+1, "unreachable", fmt.Errorf("worker at %s did not respond (%v): %w", addr, lastErr, err))
		}
		log.Debugf("worker %d at %s is reachable", i, addr)
	}
	return nil
}

// runJobs runs each job's command with its own config file, one after the
// other. Every job runs even if an earlier one failed.
func (n *Node) runJobs(ctx context.Context) error {
	var firstErr error
	for i, h := range n.jobs() {
		command := h.String(JobCommandKey, "")
		if command == "" {
			log.Warnf("job %d has no %s, nothing to run", i, JobCommandKey)
			continue
		}
		dataDir := h.String(DataDirKey, DefaultDataDir)
		if err := os.MkdirAll(dataDir, 0777); err != nil {
			return err
		}

		var data []byte
		var err error
		if h.IsCore() {
			data, err = n.set.MarshalScrubbed()
		} else {
			data, err = n.set.MarshalEntry(h.Index())
		}
		if err != nil {
			return err
		}
		name := h.String(ecacfg.UniqueKey, "job")
		cfgFile := filepath.Join(dataDir, name+".cfg.json")
		if err := os.WriteFile(cfgFile, data, 0644); err != nil {
			return err
		}

		logName := n.computationLogFor(h, i)
		if err := os.MkdirAll(filepath.Dir(logName), 0777); err != nil {
			return err
		}
		out, err := os.Create(logName)
		if err != nil {
			return err
		}
		line := command + " " + cfgFile
		log.Infof("running job %d: %s", i, line)
		err = n.exec.Run(ctx, dataDir, out, line)
		out.Close()
		if err != nil {
			log.Errorf("job %d failed: %s", i, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("job %d (%s): %w", i, name, err)
			}
			continue
		}
		log.Infof("job %d complete", i)
	}
	return firstErr
}
