package backup

import (
	"fmt"
	"time"
)

// Filesystem types with special meaning to the planner.
const (
	// FSRaw means "unknown, detect now" before planning and "capture as a
	// block image" after planning.
	FSRaw   = "raw"
	FSBtrfs = "btrfs"
	FSNtfs  = "ntfs"
)

// mkfsNoHugeFile keeps restored ext filesystems compatible with boot loaders
// that cannot read huge_file.
const mkfsNoHugeFile = "-O ^huge_file"

// CaptureMethod selects how a partition is turned into an artifact.
type CaptureMethod string

const (
	MethodImage   CaptureMethod = "image"
	MethodArchive CaptureMethod = "archive"
)

// Request describes one image to back up.
type Request struct {
	Name   string
	Folder string
	// Partitions holds one device reference per entry of partitions.json.
	Partitions []string
	// PartSizes holds the compressed size estimate in MB of each partition.
	PartSizes []uint64
	// BackupSize is the declared total size of the backup in bytes.
	BackupSize uint64

	// Optional values copied into os.json when set. BackupName replaces name.
	BackupName  string
	Description string
	Group       string
	Password    string
	ReleaseDate string
	Username    string
}

// Validate checks the request before any metadata is touched.
func (r Request) Validate() error {
	if r.Folder == "" {
		return fmt.Errorf("%w: %q has no backup folder", ErrInvalidRequest, r.Name)
	}
	if len(r.PartSizes) != len(r.Partitions) {
		return fmt.Errorf("%w: %d partitions but %d size estimates",
			ErrPartitionMismatch, len(r.Partitions), len(r.PartSizes))
	}
	return nil
}

// identity returns the os.json keys overwritten by the request, in the order
// they are applied.
func (r Request) identity() [][2]string {
	return [][2]string{
		{"name", r.Name},
		{"name", r.BackupName},
		{"description", r.Description},
		{"group", r.Group},
		{"password", r.Password},
		{"release_date", r.ReleaseDate},
		{"username", r.Username},
	}
}

// PartitionDescriptor is one entry of partitions.json.
type PartitionDescriptor struct {
	FilesystemType string
	Label          string
	// WantMaximised is the JSON value rendered as a string ("true", "false").
	WantMaximised           string
	MkfsOptions             string
	UncompressedTarballSize *uint64
	PartitionSizeNominal    *uint64

	// Capture-time fields of an installed image.
	Tarball string
	EmptyFS bool

	// raw is the object as loaded; keys not modelled above survive a save.
	raw string
}

// Method returns how the partition is captured.
func (p PartitionDescriptor) Method() CaptureMethod {
	if p.FilesystemType == FSRaw {
		return MethodImage
	}
	return MethodArchive
}

// OsDescriptor is the content of os.json.
type OsDescriptor struct {
	Name         string
	Description  string
	Group        string
	Password     string
	ReleaseDate  string
	Username     string
	DownloadSize int64
	Icon         string
}

// CaptureResult describes one produced artifact.
type CaptureResult struct {
	Label    string
	Device   string
	Method   CaptureMethod
	Path     string
	Size     int64
	Duration time.Duration
}

// ImageResult is the outcome of one image of a batch.
type ImageResult struct {
	Name         string
	Folder       string
	Artifacts    []CaptureResult
	DownloadSize int64
	Err          error
}

// Summary is the outcome of a batch.
type Summary struct {
	Images   int
	Failures int
	Results  []ImageResult
}
