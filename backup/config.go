package backup

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Config holds configuration of the backup pipeline.
type Config struct {
	// ScratchDir is the single mount point used for archive captures.
	ScratchDir string
	// BlockSize is passed to dd as obs=.
	BlockSize string
	// Head-room in MB added to the uncompressed size of the first partition
	// and of every following one.
	BootHeadroomMB uint64
	DataHeadroomMB uint64

	Tools Tools
}

// Tools names the external binaries the pipeline invokes.
type Tools struct {
	Blkid  string
	Findfs string
	Mount  string
	Umount string
	Dd     string
	Tar    string
	Gzip   string
}

// DefaultConfig returns the configuration used by the recovery system.
func DefaultConfig() Config {
	return Config{
		ScratchDir:     "/tmp/src",
		BlockSize:      "4M",
		BootHeadroomMB: 100,
		DataHeadroomMB: 500,
		Tools: Tools{
			Blkid:  "blkid",
			Findfs: "findfs",
			Mount:  "mount",
			Umount: "umount",
			Dd:     "dd",
			Tar:    "tar",
			Gzip:   "gzip",
		},
	}
}

// Validate checks that the configuration can drive a capture.
func (c Config) Validate() error {
	if c.ScratchDir == "" {
		return errors.New("scratch dir is required")
	}
	if !filepath.IsAbs(c.ScratchDir) {
		return fmt.Errorf("scratch dir %q must be absolute", c.ScratchDir)
	}
	if c.BlockSize == "" {
		return errors.New("block size is required")
	}
	for name, bin := range map[string]string{
		"blkid": c.Tools.Blkid, "findfs": c.Tools.Findfs, "mount": c.Tools.Mount,
		"umount": c.Tools.Umount, "dd": c.Tools.Dd, "tar": c.Tools.Tar, "gzip": c.Tools.Gzip,
	} {
		if bin == "" {
			return fmt.Errorf("tool %s has no binary configured", name)
		}
	}
	return nil
}

// Headroom returns the extra megabytes reserved on restore for the
// partition at index i.
func (c Config) Headroom(i int) uint64 {
	if i == 0 {
		return c.BootHeadroomMB
	}
	return c.DataHeadroomMB
}

// ArtifactPath returns the file a partition with the given label is captured
// into for the given method.
func ArtifactPath(folder, label string, method CaptureMethod) (string, error) {
	if label == "" || strings.ContainsRune(label, '/') || label == "." || label == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidLabel, label)
	}
	switch method {
	case MethodImage:
		return filepath.Join(folder, label+".img.gz"), nil
	case MethodArchive:
		return filepath.Join(folder, label+".tar.gz"), nil
	default:
		return "", fmt.Errorf("unknown capture method %q", method)
	}
}
