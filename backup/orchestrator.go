package backup

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// processImage backs up one image: plan the partitions, persist and reload
// the plan, capture every partition in order and finally rewrite os.json.
// Nothing in os.json changes unless every partition was captured; artifacts
// of a failed image are left where they are.
func (r *Runner) processImage(ctx context.Context, req Request, notify Notifier, logger zerolog.Logger) (ImageResult, error) {
	res := ImageResult{Name: req.Name, Folder: req.Folder}
	logger = logger.With().Str("os", req.Name).Str("folder", req.Folder).Logger()

	if err := req.Validate(); err != nil {
		return res, err
	}

	parts, err := r.store.LoadPartitions(req.Folder)
	if err != nil {
		return res, fmt.Errorf("load %s: %w", PartitionsDocument, err)
	}

	notify.status("%s: Planning partitions", req.Name)
	planned, err := r.planner.Plan(ctx, parts, req.Partitions, req.PartSizes)
	if err != nil {
		return res, fmt.Errorf("cannot back up %s: %w", req.Name, err)
	}

	notify.status("%s: Updating %s", req.Name, PartitionsDocument)
	if err := r.store.SavePartitions(req.Folder, planned); err != nil {
		return res, fmt.Errorf("save %s: %w", PartitionsDocument, err)
	}

	// Capture from what is on disk now, not from the in-memory plan.
	parts, err = r.store.LoadPartitions(req.Folder)
	if err != nil {
		return res, fmt.Errorf("reload %s: %w", PartitionsDocument, err)
	}
	if len(parts) != len(req.Partitions) {
		return res, fmt.Errorf("%w: %s lists %d partitions after planning, request has %d",
			ErrPartitionMismatch, PartitionsDocument, len(parts), len(req.Partitions))
	}

	if needsScratch(parts) {
		if err := os.MkdirAll(r.cfg.ScratchDir, 0o755); err != nil {
			return res, fmt.Errorf("create scratch dir: %w", err)
		}
		defer os.Remove(r.cfg.ScratchDir)
	}

	for i, part := range parts {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("backup of %s interrupted before %s: %w", req.Name, part.Label, err)
		}
		c, err := r.capturer.Capture(ctx, req.Name, req.Folder, part, req.Partitions[i], notify)
		if err != nil {
			return res, fmt.Errorf("error writing %s: %w", req.Name, err)
		}
		r.metrics.RecordCapture(c)
		res.Artifacts = append(res.Artifacts, c)
		res.DownloadSize += c.Size
	}

	notify.status("%s: Updating %s", req.Name, OsDocument)
	if err := r.store.RewriteOs(req.Folder, req, res.DownloadSize); err != nil {
		return res, fmt.Errorf("rewrite %s: %w", OsDocument, err)
	}
	r.sync()
	notify.emit(Event{Kind: EventImageAvailable, Path: OsPath(req.Folder)})

	logger.Info().
		Int("partitions", len(res.Artifacts)).
		Int64("download_size", res.DownloadSize).
		Str("size", humanSize(res.DownloadSize)).
		Msg("image backed up")
	return res, nil
}

func needsScratch(parts []PartitionDescriptor) bool {
	for _, p := range parts {
		if p.Method() == MethodArchive {
			return true
		}
	}
	return false
}
