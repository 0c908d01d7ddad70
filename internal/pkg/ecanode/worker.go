package ecanode

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/bcongdon/ensemble/internal/pkg/ecaerr"
	"github.com/bcongdon/ensemble/internal/pkg/ecafs"
	"github.com/bcongdon/ensemble/internal/pkg/ecapoll"
)

// RunWorker runs the worker half of the protocol: fetch inputs, find the
// coordinator, mount its share and check in. The worker then idles; the
// coordinator drives all work from here on.
func (n *Node) RunWorker(ctx context.Context, w Worker) error {
	log.Infof("beginning worker %d configuration", w.Index)

	if err := n.downloadShared(ctx); err != nil {
		return err
	}

	head, err := n.AwaitCoordinator(ctx)
	if err != nil {
		return ecaerr.Node(w.Index+1, "rendezvous", err)
	}
	log.Infof("coordinator address: %s", head)

	if cmd := n.core.String(MountCommandKey, ""); cmd != "" {
		log.Infof("mounting shared directory from %s", head)
		out := log.StandardLogger().Writer()
		err := n.exec.Run(ctx, "", out, cmd+" "+head)
		out.Close()
		if err != nil {
			return ecaerr.Node(w.Index+1, "mount", fmt.Errorf("mounting share from %s: %w", head, err))
		}
	}

	addr, err := n.meta.Address(ctx)
	if err != nil {
		return err
	}
	// The marker is also the signal that this worker is ready.
	if err := n.stager.WriteString(n.markerPath(w.Index), addr); err != nil {
		return ecaerr.Node(w.Index+1, "check-in", err)
	}
	log.Infof("worker %d: configuration complete, checked in as %s", w.Index, addr)
	return nil
}

// AwaitCoordinator polls the rendezvous artifact until the coordinator has
// written it, and returns the address it holds.
func (n *Node) AwaitCoordinator(ctx context.Context) (string, error) {
	var head string
	poller := ecapoll.Every(n.interval, n.rendezvousBudget)
	err := poller.Until(ctx, func(ctx context.Context) (bool, error) {
		content, err := n.stager.ReadString(n.artifactPath())
		switch {
		case errors.Is(err, ecafs.ErrNotExist):
			log.Infof("waiting for coordinator to publish its address at %s", n.artifactPath())
			return false, nil
		case err != nil:
			log.Debugf("reading %s: %s", n.artifactPath(), err)
			return false, nil
		}
		head = strings.TrimSpace(content)
		return head != "", nil
	})
	if err != nil {
		return "", fmt.Errorf("coordinator address never appeared: %w", err)
	}
	return head, nil
}
