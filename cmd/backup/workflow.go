// workflow.go contains CLI-specific orchestration logic: reading the batch
// file and driving a Runner from its event stream.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/docker/go-units"
	"github.com/tidwall/pretty"
	osbackup "github.com/valvemist/osbackup/backup"
	"gopkg.in/yaml.v3"
)

var errNoImages = errors.New("batch file lists no images")

// batchFile is the YAML document passed with --batch.
type batchFile struct {
	ScratchDir     string       `yaml:"scratch_dir,omitempty"`
	BlockSize      string       `yaml:"block_size,omitempty"`
	BootHeadroomMB *uint64      `yaml:"boot_headroom_mb,omitempty"`
	DataHeadroomMB *uint64      `yaml:"data_headroom_mb,omitempty"`
	Images         []imageEntry `yaml:"images"`
}

// imageEntry describes one image of a batch.
type imageEntry struct {
	Name        string   `yaml:"name"`
	Folder      string   `yaml:"folder"`
	Partitions  []string `yaml:"partitions"`
	PartSizes   []uint64 `yaml:"part_sizes"`
	BackupSize  string   `yaml:"backup_size,omitempty"`
	BackupName  string   `yaml:"backup_name,omitempty"`
	Description string   `yaml:"description,omitempty"`
	Group       string   `yaml:"group,omitempty"`
	Password    string   `yaml:"password,omitempty"`
	ReleaseDate string   `yaml:"release_date,omitempty"`
	Username    string   `yaml:"username,omitempty"`
}

// loadBatch reads and parses a batch file.
func loadBatch(path string) (*batchFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}
	var batch batchFile
	if err := yaml.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("parse batch file %s: %w", path, err)
	}
	if len(batch.Images) == 0 {
		return nil, fmt.Errorf("%s: %w", path, errNoImages)
	}
	return &batch, nil
}

// config applies the overrides of the batch file to cfg.
func (b *batchFile) config(cfg osbackup.Config) (osbackup.Config, error) {
	if b.ScratchDir != "" {
		cfg.ScratchDir = b.ScratchDir
	}
	if b.BlockSize != "" {
		cfg.BlockSize = b.BlockSize
	}
	if b.BootHeadroomMB != nil {
		cfg.BootHeadroomMB = *b.BootHeadroomMB
	}
	if b.DataHeadroomMB != nil {
		cfg.DataHeadroomMB = *b.DataHeadroomMB
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// requests converts the images of the batch into backup requests.
func (b *batchFile) requests() ([]osbackup.Request, error) {
	requests := make([]osbackup.Request, 0, len(b.Images))
	for i, img := range b.Images {
		var size int64
		if img.BackupSize != "" {
			var err error
			size, err = units.RAMInBytes(img.BackupSize)
			if err != nil || size < 0 {
				return nil, fmt.Errorf("image %d (%s): invalid backup_size %q", i, img.Name, img.BackupSize)
			}
		}
		requests = append(requests, osbackup.Request{
			Name:        img.Name,
			Folder:      img.Folder,
			Partitions:  img.Partitions,
			PartSizes:   img.PartSizes,
			BackupSize:  uint64(size),
			BackupName:  img.BackupName,
			Description: img.Description,
			Group:       img.Group,
			Password:    img.Password,
			ReleaseDate: img.ReleaseDate,
			Username:    img.Username,
		})
	}
	return requests, nil
}

// RunBackupWorkflow runs requests on runner and returns the number of images
// that failed.
func RunBackupWorkflow(ctx context.Context, runner *osbackup.Runner, requests []osbackup.Request, bar *progressBar) int {
	logger.Info().Int("images", len(requests)).Msg("Starting backup workflow")

	stream := runner.Start(ctx, requests)
	failures := -1
	var wg sync.WaitGroup
	wg.Go(func() {
		// The stream is drained even after ctx is done so the worker can
		// unmount and report.
		osbackup.Events(context.WithoutCancel(ctx), stream, func(event osbackup.Event) {
			logger.Trace().Str("event", event.Kind.String()).Msg("Event received")
			handleEvents(event, bar, func(n int) {
				failures = n
			})
		})
	})
	wg.Wait()

	if failures < 0 {
		logger.Error().Msg("Backup workflow ended without completion event")
		return len(requests)
	}
	logger.Info().Int("failures", failures).Msg("Backup workflow exiting")
	return failures
}

// PlanWorkflow prints the planned partitions.json of every request to w.
func PlanWorkflow(ctx context.Context, runner *osbackup.Runner, requests []osbackup.Request, w io.Writer) error {
	var errs []error
	for _, req := range requests {
		planned, err := runner.Plan(ctx, req)
		if err != nil {
			logger.Error().Err(err).Str("os", req.Name).Msg("Planning failed")
			errs = append(errs, fmt.Errorf("%s: %w", req.Name, err))
			continue
		}
		doc, err := osbackup.BuildPartitionsJSON(nil, planned)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", req.Name, err))
			continue
		}
		if len(doc) == 0 {
			doc = []byte(`{"partitions":[]}`)
		}
		fmt.Fprintf(w, "# %s (%s)\n%s", req.Name, osbackup.PartitionsPath(req.Folder), pretty.Pretty(doc))
	}
	return errors.Join(errs...)
}
