package backup

import "errors"

// ErrUnsupportedFilesystem is returned when a partition that has to be
// re-detected turns out to hold a filesystem the pipeline cannot capture.
var ErrUnsupportedFilesystem = errors.New("unsupported filesystem")

// ErrDetectionFailed is returned when the filesystem type of a device cannot
// be determined.
var ErrDetectionFailed = errors.New("filesystem detection failed")

// ErrCaptureFailed is returned when the capture pipeline of a partition exits
// with a non-zero status, most commonly because the target ran out of space.
var ErrCaptureFailed = errors.New("capture failed")

// ErrMountFailed is returned when a partition cannot be mounted for archiving.
var ErrMountFailed = errors.New("mount failed")

// ErrPartitionMismatch is returned when partitions.json and the request do
// not describe the same number of partitions.
var ErrPartitionMismatch = errors.New("partition list mismatch")

// ErrInvalidLabel is returned for partition labels that cannot name an
// artifact file.
var ErrInvalidLabel = errors.New("invalid partition label")

// ErrMalformedDocument is returned when a metadata document is not valid JSON
// or has an unexpected shape.
var ErrMalformedDocument = errors.New("malformed metadata document")

// ErrInvalidRequest is returned for requests that cannot be processed.
var ErrInvalidRequest = errors.New("invalid backup request")
