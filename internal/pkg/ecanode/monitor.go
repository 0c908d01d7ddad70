package ecanode

import (
	"context"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
)

// monitor mirrors the node log and the computation logs into the store
// every interval, so the launcher can follow progress, until ctx is done.
func (n *Node) monitor(ctx context.Context) {
	type mirror struct{ local, remote string }
	var mirrors []mirror
	if remote := n.core.String(LogFileKey, ""); remote != "" {
		mirrors = append(mirrors, mirror{n.logFile, remote})
	}
	for i, h := range n.jobs() {
		if remote := h.String(ReportFileKey, ""); remote != "" {
			mirrors = append(mirrors, mirror{n.computationLogFor(h, i), remote})
		}
	}
	if len(mirrors) == 0 {
		return
	}

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, m := range mirrors {
			if _, err := os.Stat(m.local); err != nil {
				continue
			}
			if _, err := n.stager.UploadFile(m.local, m.remote, false, true); err != nil {
				log.Debugf("mirroring %s: %s", m.local, err)
			}
		}
	}
}
