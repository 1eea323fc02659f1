// Package backup captures the partitions of installed OS images into
// compressed artifacts and rewrites the per-image metadata documents so they
// describe the backup instead of the live installation.
//
// Each image lives in its own backup folder holding an os.json and a
// partitions.json document. A partition is captured either as a raw block
// image (<label>.img.gz, produced with dd and gzip) or as a file-tree archive
// (<label>.tar.gz, produced with tar and gzip from a read-only mount). The
// method follows from the filesystem type recorded while planning.
//
// Key features include:
//
//   - Filesystem reclassification and restore-size budgeting per partition
//   - Plan, persist and reload of partitions.json before capture
//   - Capture through explicit argv pipelines, never through a shell
//   - os.json rewrite only after every partition of the image succeeded
//   - Batch processing with a failure count and asynchronous events
//
// Example usage:
//
//	runner := backup.NewRunner(backup.DefaultConfig())
//	for ev := range runner.Start(ctx, requests) {
//		...
//	}
//
// For CLI orchestration, see cmd/backup/workflow.go.
package backup
