package backup

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// FilesystemProber reports the filesystem type found on a device.
type FilesystemProber interface {
	ProbeFilesystem(ctx context.Context, dev string) (string, error)
}

// Planner turns the descriptors of an installed image into the descriptors of
// its backup.
type Planner struct {
	resolver DeviceResolver
	prober   FilesystemProber
	cfg      Config
	logger   zerolog.Logger
}

// NewPlanner creates a new Planner.
func NewPlanner(resolver DeviceResolver, prober FilesystemProber, cfg Config) *Planner {
	return &Planner{
		resolver: resolver,
		prober:   prober,
		cfg:      cfg,
		logger:   log.With().Str("component", "planner").Logger(),
	}
}

// Plan returns the backup descriptors for parts. devices and estimates are
// index-aligned with parts; estimates are compressed sizes in MB. parts is not
// modified.
//
// A partition recorded as raw is probed for its real filesystem; btrfs, or a
// failed probe, rejects the whole image. NTFS partitions that must not be
// maximised are captured raw. Every other partition gets a restore size of
// its estimate plus the head-room for its position.
func (p *Planner) Plan(ctx context.Context, parts []PartitionDescriptor, devices []string, estimates []uint64) ([]PartitionDescriptor, error) {
	if len(parts) != len(devices) || len(parts) != len(estimates) {
		return nil, fmt.Errorf("%w: %d descriptors, %d devices, %d estimates",
			ErrPartitionMismatch, len(parts), len(devices), len(estimates))
	}

	planned := make([]PartitionDescriptor, len(parts))
	for i, part := range parts {
		part.Tarball = ""
		part.EmptyFS = false

		if part.FilesystemType == FSRaw {
			fstype, err := p.detect(ctx, devices[i])
			if err != nil {
				return nil, fmt.Errorf("partition %d (%s): %w", i, part.Label, err)
			}
			if fstype == FSBtrfs {
				return nil, fmt.Errorf("%w: partition %d (%s) is %s", ErrUnsupportedFilesystem, i, part.Label, fstype)
			}
			part.FilesystemType = fstype
			if strings.HasPrefix(fstype, "ext") {
				part.MkfsOptions = mkfsNoHugeFile
			}
		}

		if part.FilesystemType == FSNtfs && part.WantMaximised == "false" {
			part.FilesystemType = FSRaw
		} else {
			size := estimates[i]
			nominal := size + p.cfg.Headroom(i)
			part.UncompressedTarballSize = &size
			part.PartitionSizeNominal = &nominal
		}

		p.logger.Debug().
			Int("index", i).
			Str("label", part.Label).
			Str("filesystem_type", part.FilesystemType).
			Str("method", string(part.Method())).
			Msg("planned partition")
		planned[i] = part
	}
	return planned, nil
}

func (p *Planner) detect(ctx context.Context, ref string) (string, error) {
	dev, err := p.resolver.ResolveDevice(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDetectionFailed, err)
	}
	fstype, err := p.prober.ProbeFilesystem(ctx, dev)
	if err != nil {
		if errors.Is(err, ErrDetectionFailed) {
			return "", err
		}
		return "", fmt.Errorf("%w: %s: %w", ErrDetectionFailed, dev, err)
	}
	if fstype == "" {
		return "", fmt.Errorf("%w: %s: no filesystem type reported", ErrDetectionFailed, dev)
	}
	p.logger.Info().Str("device", dev).Str("filesystem_type", fstype).Msg("detected filesystem")
	return fstype, nil
}
