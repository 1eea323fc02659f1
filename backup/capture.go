package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// progressChunk is how many artifact bytes accumulate before a progress
// event is sent.
const progressChunk = 4 << 20

// PartitionOps are the device operations a capture needs.
type PartitionOps interface {
	MountReadOnly(ctx context.Context, dev, dir string) error
	Unmount(ctx context.Context, dir string) error
	ImageDevice(ctx context.Context, dev string, out io.Writer) error
	ArchiveTree(ctx context.Context, dir string, out io.Writer) error
}

// Capturer produces the artifact of a single partition.
type Capturer struct {
	ops      PartitionOps
	resolver DeviceResolver
	scratch  string
	logger   zerolog.Logger
}

// NewCapturer creates a new Capturer mounting archive sources on
// cfg.ScratchDir.
func NewCapturer(ops PartitionOps, resolver DeviceResolver, cfg Config) *Capturer {
	return &Capturer{
		ops:      ops,
		resolver: resolver,
		scratch:  cfg.ScratchDir,
		logger:   log.With().Str("component", "capturer").Logger(),
	}
}

// Capture writes the artifact of part, whose device is referenced by ref,
// into folder. Raw partitions are block-copied; all others are mounted
// read-only on the scratch directory and archived, then unmounted again.
func (c *Capturer) Capture(ctx context.Context, osName, folder string, part PartitionDescriptor, ref string, notify Notifier) (CaptureResult, error) {
	method := part.Method()
	path, err := ArtifactPath(folder, part.Label, method)
	if err != nil {
		return CaptureResult{}, err
	}
	dev, err := c.resolver.ResolveDevice(ctx, ref)
	if err != nil {
		return CaptureResult{}, fmt.Errorf("%w: %s: %w", ErrCaptureFailed, part.Label, err)
	}
	logger := c.logger.With().Str("label", part.Label).Str("device", dev).Str("method", string(method)).Logger()

	if method == MethodArchive {
		if err := c.ops.MountReadOnly(ctx, dev, c.scratch); err != nil {
			return CaptureResult{}, fmt.Errorf("%w: %s: %w", ErrCaptureFailed, part.Label, err)
		}
		defer c.unmount(context.WithoutCancel(ctx), logger)
	}
	notify.emit(Event{Kind: EventDeviceMounted, Path: dev})

	if method == MethodImage {
		notify.status("%s: Writing image (%s)", osName, part.Label)
	} else {
		notify.status("%s: Archiving (%s)", osName, part.Label)
	}

	f, err := os.Create(path)
	if err != nil {
		return CaptureResult{}, fmt.Errorf("%w: %w", ErrCaptureFailed, err)
	}
	pw := &progressWriter{w: f, notify: notify}

	start := time.Now()
	if method == MethodImage {
		err = c.ops.ImageDevice(ctx, dev, pw)
	} else {
		err = c.ops.ArchiveTree(ctx, c.scratch, pw)
	}
	pw.flush()
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		logger.Error().Err(err).Str("artifact", path).Msg("error writing artifact, disk full?")
		return CaptureResult{}, fmt.Errorf("%w: %s: %w", ErrCaptureFailed, part.Label, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return CaptureResult{}, fmt.Errorf("%w: %w", ErrCaptureFailed, err)
	}
	res := CaptureResult{
		Label:    part.Label,
		Device:   dev,
		Method:   method,
		Path:     path,
		Size:     info.Size(),
		Duration: time.Since(start),
	}
	logger.Info().
		Str("artifact", path).
		Int64("size_bytes", res.Size).
		Dur("duration", res.Duration).
		Msg("partition captured")
	return res, nil
}

func (c *Capturer) unmount(ctx context.Context, logger zerolog.Logger) {
	if err := c.ops.Unmount(ctx, c.scratch); err != nil {
		logger.Warn().Err(err).Str("dir", c.scratch).Msg("failed to unmount")
	}
}

// progressWriter reports the bytes written through it in chunks.
type progressWriter struct {
	w       io.Writer
	notify  Notifier
	pending int64
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.pending += int64(n)
	if p.pending >= progressChunk {
		p.flush()
	}
	return n, err
}

func (p *progressWriter) flush() {
	if p.pending > 0 {
		p.notify.emit(Event{Kind: EventProgress, Bytes: p.pending})
		p.pending = 0
	}
}
