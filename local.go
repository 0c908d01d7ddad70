package ensemble

import (
	"context"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/bcongdon/ensemble/internal/pkg/ecafs"
	"github.com/bcongdon/ensemble/internal/pkg/ecanode"
)

const localNodeLog = "eca_node.log"

// runLocal runs the batch on this computer: a coordinator without workers
// whose store is the run directory. Nothing is launched or powered off.
func (d *Driver) runLocal(ctx context.Context) error {
	if d.stager == nil {
		d.stager = ecafs.NewStager(&ecafs.LocalFileSystem{}, ecafs.WithDownloadRetries(d.config.DownloadRetries))
	}
	if err := d.stageInputs(); err != nil {
		return err
	}
	if err := d.persist(); err != nil {
		return err
	}

	nodeLog := filepath.Join(d.jobDir, localNodeLog)
	f, err := os.OpenFile(nodeLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	out := log.StandardLogger().Out
	log.SetOutput(io.MultiWriter(out, f))
	defer func() {
		log.SetOutput(out)
		f.Close()
	}()

	node, err := ecanode.New(d.set, d.stager, ecanode.StaticMetadata{ID: "local", Addr: "127.0.0.1"},
		ecanode.WithInterval(d.config.PollInterval),
		ecanode.WithSharedDir(filepath.Join(d.jobDir, "shared")),
		ecanode.WithLogFiles(nodeLog, filepath.Join(d.jobDir, "computation")),
	)
	if err != nil {
		return err
	}

	runErr := node.RunCoordinator(ctx)
	if err := d.fetchResults(ctx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
