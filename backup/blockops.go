// blockops.go contains the external commands the pipeline runs against block
// devices: filesystem probing, mounting and the two capture pipelines.

package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Executor runs external commands with an explicit argument list.
type Executor interface {
	// Run runs a command and waits for it to exit.
	Run(ctx context.Context, name string, args ...string) error
	// Output runs a command and returns its standard output.
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
	// Pipe runs producer with its standard output connected to the standard
	// input of filter, and copies the output of filter to out. It fails if
	// either command fails.
	Pipe(ctx context.Context, producer, filter []string, out io.Writer) error
}

// CommandExecutor is the Executor backed by os/exec.
type CommandExecutor struct{}

// Run implements Executor.
func (CommandExecutor) Run(ctx context.Context, name string, args ...string) error {
	argv := append([]string{name}, args...)
	log.Debug().Str("command", quoteCommand(argv)).Msg("exec")
	output, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return commandError(argv, err, output)
	}
	return nil
}

// Output implements Executor.
func (CommandExecutor) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	argv := append([]string{name}, args...)
	log.Debug().Str("command", quoteCommand(argv)).Msg("exec")
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, commandError(argv, err, stderr.Bytes())
	}
	return out, nil
}

// Pipe implements Executor.
func (CommandExecutor) Pipe(ctx context.Context, producer, filter []string, out io.Writer) error {
	if len(producer) == 0 || len(filter) == 0 {
		return errors.New("pipe needs two commands")
	}
	log.Debug().Str("command", quoteCommand(producer)+" | "+quoteCommand(filter)).Msg("exec")

	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create pipe: %w", err)
	}

	var srcErr, dstErr bytes.Buffer
	src := exec.CommandContext(ctx, producer[0], producer[1:]...)
	src.Stdout = w
	src.Stderr = &srcErr
	dst := exec.CommandContext(ctx, filter[0], filter[1:]...)
	dst.Stdin = r
	dst.Stdout = out
	dst.Stderr = &dstErr

	if err := src.Start(); err != nil {
		r.Close()
		w.Close()
		return fmt.Errorf("start %s: %w", producer[0], err)
	}
	if err := dst.Start(); err != nil {
		r.Close()
		w.Close()
		_ = src.Process.Kill()
		_ = src.Wait()
		return fmt.Errorf("start %s: %w", filter[0], err)
	}
	// Both children hold their own copies now. Dropping ours lets the
	// producer see EPIPE if the filter dies, and the filter see EOF.
	r.Close()
	w.Close()

	var errs []error
	if err := src.Wait(); err != nil {
		errs = append(errs, commandError(producer, err, srcErr.Bytes()))
	}
	if err := dst.Wait(); err != nil {
		errs = append(errs, commandError(filter, err, dstErr.Bytes()))
	}
	return errors.Join(errs...)
}

func commandError(argv []string, err error, output []byte) error {
	msg := strings.TrimSpace(string(output))
	if msg == "" {
		return fmt.Errorf("%s: %w", quoteCommand(argv), err)
	}
	return fmt.Errorf("%s: %w: %s", quoteCommand(argv), err, msg)
}

// BlockOps runs the configured tools through an Executor.
type BlockOps struct {
	exec  Executor
	tools Tools
	bs    string
}

// NewBlockOps returns BlockOps for cfg.
func NewBlockOps(executor Executor, cfg Config) *BlockOps {
	return &BlockOps{exec: executor, tools: cfg.Tools, bs: cfg.BlockSize}
}

// ProbeFilesystem returns the filesystem type blkid reports for dev.
func (b *BlockOps) ProbeFilesystem(ctx context.Context, dev string) (string, error) {
	out, err := b.exec.Output(ctx, b.tools.Blkid, "-o", "value", "-s", "TYPE", dev)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrDetectionFailed, dev, err)
	}
	fstype := strings.TrimSpace(string(out))
	if fstype == "" {
		return "", fmt.Errorf("%w: %s: no filesystem type reported", ErrDetectionFailed, dev)
	}
	return fstype, nil
}

// FindFS resolves a LABEL=, UUID= or PARTUUID= tag to a device node.
func (b *BlockOps) FindFS(ctx context.Context, tag string) (string, error) {
	out, err := b.exec.Output(ctx, b.tools.Findfs, tag)
	if err != nil {
		return "", err
	}
	dev := strings.TrimSpace(string(out))
	if dev == "" {
		return "", fmt.Errorf("findfs %s: no device", tag)
	}
	return dev, nil
}

// MountReadOnly mounts dev read-only on dir.
func (b *BlockOps) MountReadOnly(ctx context.Context, dev, dir string) error {
	if err := b.exec.Run(ctx, b.tools.Mount, "-o", "ro", dev, dir); err != nil {
		return fmt.Errorf("%w: %w", ErrMountFailed, err)
	}
	return nil
}

// Unmount unmounts dir.
func (b *BlockOps) Unmount(ctx context.Context, dir string) error {
	return b.exec.Run(ctx, b.tools.Umount, dir)
}

// ImageDevice writes a gzip-compressed block copy of dev to out.
func (b *BlockOps) ImageDevice(ctx context.Context, dev string, out io.Writer) error {
	return b.exec.Pipe(ctx,
		[]string{b.tools.Dd, "if=" + dev, "obs=" + b.bs},
		[]string{b.tools.Gzip},
		out)
}

// ArchiveTree writes a gzip-compressed tar archive of dir to out.
func (b *BlockOps) ArchiveTree(ctx context.Context, dir string, out io.Writer) error {
	return b.exec.Pipe(ctx,
		[]string{b.tools.Tar, "-c", "-C", dir, "."},
		[]string{b.tools.Gzip},
		out)
}
