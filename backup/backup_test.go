package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const twoPartitions = `{
  "partitions": [
    {"label": "boot", "filesystem_type": "ext4", "want_maximised": false, "tarball": "boot.tar.xz"},
    {"label": "root", "filesystem_type": "raw", "want_maximised": true, "empty_fs": true}
  ]
}`

type runnerHarness struct {
	fake   *fakeExecutor
	cfg    Config
	runner *Runner
	syncs  int
}

func newRunnerHarness(t *testing.T) *runnerHarness {
	t.Helper()
	h := &runnerHarness{fake: newFakeExecutor(), cfg: testConfig(t)}
	h.runner = NewRunner(h.cfg, WithExecutor(h.fake), withSync(func() { h.syncs++ }))
	return h
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	return info.Size()
}

func TestRunPlansAndCaptures(t *testing.T) {
	h := newRunnerHarness(t)
	h.fake.fstypes["/dev/mmcblk0p7"] = "ext4"
	folder := writeImage(t, twoPartitions)

	var events []Event
	summary := h.runner.Run(context.Background(), []Request{{
		Name:       "Raspbian",
		Folder:     folder,
		Partitions: []string{"mmcblk0p6", "mmcblk0p7"},
		PartSizes:  []uint64{200, 0},
		BackupSize: 2 << 30,
	}}, collect(&events))

	require.Equal(t, 0, summary.Failures)
	require.Len(t, summary.Results, 1)
	require.NoError(t, summary.Results[0].Err)

	parts := gjson.Parse(readFile(t, PartitionsPath(folder))).Get("partitions")
	boot, root := parts.Get("0"), parts.Get("1")
	assert.Equal(t, "ext4", boot.Get("filesystem_type").String())
	assert.Equal(t, int64(200), boot.Get("uncompressed_tarball_size").Int())
	assert.Equal(t, int64(300), boot.Get("partition_size_nominal").Int())
	assert.False(t, boot.Get("mkfs_options").Exists())
	assert.False(t, boot.Get("tarball").Exists())

	assert.Equal(t, "ext4", root.Get("filesystem_type").String())
	assert.Equal(t, "-O ^huge_file", root.Get("mkfs_options").String())
	assert.Equal(t, int64(0), root.Get("uncompressed_tarball_size").Int())
	assert.Equal(t, int64(500), root.Get("partition_size_nominal").Int())
	assert.False(t, root.Get("empty_fs").Exists())

	bootArtifact := filepath.Join(folder, "boot.tar.gz")
	rootArtifact := filepath.Join(folder, "root.tar.gz")
	want := fileSize(t, bootArtifact) + fileSize(t, rootArtifact)

	osDoc := gjson.Parse(readFile(t, OsPath(folder)))
	assert.Equal(t, want, osDoc.Get("download_size").Int())
	assert.Equal(t, want, summary.Results[0].DownloadSize)
	assert.False(t, osDoc.Get("icon").Exists())
	assert.Equal(t, "Raspbian", osDoc.Get("name").String())

	assert.NoDirExists(t, h.cfg.ScratchDir)
	assert.False(t, h.fake.isMounted())
	assert.Equal(t, 2, h.syncs)

	require.NotEmpty(t, events)
	assert.Equal(t, Event{Kind: EventTotalSize, Bytes: 2 << 30}, events[0])
	assert.Equal(t, Event{Kind: EventCompleted}, events[len(events)-1])

	var statuses []string
	var mounted []string
	var available []string
	for _, ev := range events {
		switch ev.Kind {
		case EventStatus:
			statuses = append(statuses, ev.Message)
		case EventDeviceMounted:
			mounted = append(mounted, ev.Path)
		case EventImageAvailable:
			available = append(available, ev.Path)
		}
	}
	assert.Equal(t, []string{
		"Raspbian: Planning partitions",
		"Raspbian: Updating partitions.json",
		"Raspbian: Archiving (boot)",
		"Raspbian: Archiving (root)",
		"Raspbian: Updating os.json",
		"Finish writing (sync)",
	}, statuses)
	assert.Equal(t, []string{"/dev/mmcblk0p6", "/dev/mmcblk0p7"}, mounted)
	assert.Equal(t, []string{OsPath(folder)}, available)
}

func TestRunRejectsBtrfs(t *testing.T) {
	h := newRunnerHarness(t)
	h.fake.fstypes["/dev/mmcblk0p7"] = "btrfs"
	folder := writeImage(t, twoPartitions)

	var events []Event
	summary := h.runner.Run(context.Background(), []Request{{
		Name:       "openSUSE",
		Folder:     folder,
		Partitions: []string{"mmcblk0p6", "mmcblk0p7"},
		PartSizes:  []uint64{200, 0},
	}}, collect(&events))

	assert.Equal(t, 1, summary.Failures)
	assert.ErrorIs(t, summary.Results[0].Err, ErrUnsupportedFilesystem)
	assert.Equal(t, twoPartitions, readFile(t, PartitionsPath(folder)))
	assert.Equal(t, testOsJSON, readFile(t, OsPath(folder)))
	assert.NoFileExists(t, filepath.Join(folder, "boot.tar.gz"))
	assert.Equal(t, Event{Kind: EventCompleted, Failures: 1}, events[len(events)-1])
	for _, ev := range events {
		assert.NotEqual(t, EventImageAvailable, ev.Kind)
	}
}

func TestRunDownloadSizeIsSumOfArtifacts(t *testing.T) {
	h := newRunnerHarness(t)
	folder := writeImage(t, `{"partitions": [
		{"label": "boot", "filesystem_type": "vfat"},
		{"label": "win", "filesystem_type": "ntfs", "want_maximised": false, "partition_size_nominal": 8192},
		{"label": "data", "filesystem_type": "ext4"}
	]}`)

	summary := h.runner.Run(context.Background(), []Request{{
		Name:       "Windows",
		Folder:     folder,
		Partitions: []string{"/dev/sda1", "/dev/sda2", "/dev/sda3"},
		PartSizes:  []uint64{64, 9000, 12},
		BackupName: "Windows (backup)",
		Username:   "admin",
	}}, nil)
	require.Equal(t, 0, summary.Failures, summary.Results[0].Err)

	artifacts := []string{"boot.tar.gz", "win.img.gz", "data.tar.gz"}
	var want int64
	for i, name := range artifacts {
		path := filepath.Join(folder, name)
		want += fileSize(t, path)
		assert.Equal(t, path, summary.Results[0].Artifacts[i].Path)
	}

	osDoc := gjson.Parse(readFile(t, OsPath(folder)))
	assert.Equal(t, want, osDoc.Get("download_size").Int())
	assert.False(t, osDoc.Get("icon").Exists())
	assert.Equal(t, "Windows (backup)", osDoc.Get("name").String())
	assert.Equal(t, "admin", osDoc.Get("username").String())
	assert.Equal(t, "General", osDoc.Get("group").String())

	win := gjson.Parse(readFile(t, PartitionsPath(folder))).Get("partitions.1")
	assert.Equal(t, "raw", win.Get("filesystem_type").String())
	assert.Equal(t, int64(8192), win.Get("partition_size_nominal").Int())
	assert.Equal(t, 1, h.fake.count("dd if=/dev/sda2"))
}

func TestRunBatchContinuesAfterFailure(t *testing.T) {
	h := newRunnerHarness(t)
	h.fake.failCapture["/dev/sdb2"] = true

	layout := `{"partitions": [
		{"label": "boot", "filesystem_type": "vfat"},
		{"label": "root", "filesystem_type": "ext4"}
	]}`
	folders := []string{writeImage(t, layout), writeImage(t, layout), writeImage(t, layout)}
	var requests []Request
	for i, disk := range []string{"sda", "sdb", "sdc"} {
		requests = append(requests, Request{
			Name:       "image" + string(rune('1'+i)),
			Folder:     folders[i],
			Partitions: []string{disk + "1", disk + "2"},
			PartSizes:  []uint64{10, 100},
			BackupSize: 1 << 20,
		})
	}

	var events []Event
	summary := h.runner.Run(context.Background(), requests, collect(&events))

	assert.Equal(t, 3, summary.Images)
	assert.Equal(t, 1, summary.Failures)
	assert.NoError(t, summary.Results[0].Err)
	assert.ErrorIs(t, summary.Results[1].Err, ErrCaptureFailed)
	assert.NoError(t, summary.Results[2].Err)

	for _, i := range []int{0, 2} {
		osDoc := gjson.Parse(readFile(t, OsPath(folders[i])))
		assert.NotEqual(t, int64(123), osDoc.Get("download_size").Int())
		assert.False(t, osDoc.Get("icon").Exists())
	}
	assert.Equal(t, testOsJSON, readFile(t, OsPath(folders[1])))
	assert.FileExists(t, filepath.Join(folders[1], "root.tar.gz"), "no rollback of partial artifacts")
	assert.False(t, h.fake.isMounted())

	assert.Equal(t, Event{Kind: EventTotalSize, Bytes: 3 << 20}, events[0])
	assert.Equal(t, Event{Kind: EventCompleted, Failures: 1}, events[len(events)-1])
}

func TestRunPartitionMismatch(t *testing.T) {
	h := newRunnerHarness(t)
	folder := writeImage(t, twoPartitions)

	summary := h.runner.Run(context.Background(), []Request{{
		Name:       "Raspbian",
		Folder:     folder,
		Partitions: []string{"mmcblk0p6"},
		PartSizes:  []uint64{200},
	}}, nil)

	assert.Equal(t, 1, summary.Failures)
	assert.ErrorIs(t, summary.Results[0].Err, ErrPartitionMismatch)
	assert.Equal(t, twoPartitions, readFile(t, PartitionsPath(folder)))
}

func TestRunWithoutPartitions(t *testing.T) {
	h := newRunnerHarness(t)
	folder := t.TempDir()
	require.NoError(t, os.WriteFile(OsPath(folder), []byte(testOsJSON), 0o644))

	summary := h.runner.Run(context.Background(), []Request{{Name: "Empty", Folder: folder}}, nil)
	require.Equal(t, 0, summary.Failures)

	assert.NoFileExists(t, PartitionsPath(folder))
	osDoc := gjson.Parse(readFile(t, OsPath(folder)))
	assert.Equal(t, int64(0), osDoc.Get("download_size").Int())
	assert.Equal(t, "Empty", osDoc.Get("name").String())
	assert.Empty(t, h.fake.commands())
}

func TestRunOnlyImagesSkipsScratch(t *testing.T) {
	h := newRunnerHarness(t)
	folder := writeImage(t, `{"partitions": [{"label": "win", "filesystem_type": "ntfs", "want_maximised": "false"}]}`)

	summary := h.runner.Run(context.Background(), []Request{{
		Name: "Windows", Folder: folder, Partitions: []string{"sda1"}, PartSizes: []uint64{1},
	}}, nil)
	require.Equal(t, 0, summary.Failures)
	assert.NoDirExists(t, h.cfg.ScratchDir)
	assert.Zero(t, h.fake.count("mount"))
}

func TestRunCancelled(t *testing.T) {
	h := newRunnerHarness(t)
	folder := writeImage(t, twoPartitions)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var events []Event
	summary := h.runner.Run(ctx, []Request{
		{Name: "a", Folder: folder, Partitions: []string{"sda1", "sda2"}, PartSizes: []uint64{1, 1}},
		{Name: "b", Folder: folder, Partitions: []string{"sdb1", "sdb2"}, PartSizes: []uint64{1, 1}},
	}, collect(&events))

	assert.Equal(t, 2, summary.Failures)
	for _, res := range summary.Results {
		assert.ErrorIs(t, res.Err, context.Canceled)
	}
	assert.Empty(t, h.fake.commands())
	assert.Equal(t, twoPartitions, readFile(t, PartitionsPath(folder)))
	assert.Equal(t, Event{Kind: EventCompleted, Failures: 2}, events[len(events)-1])
}

func TestRunCancelledBetweenPartitions(t *testing.T) {
	h := newRunnerHarness(t)
	h.fake.fstypes["/dev/sda2"] = "ext4"
	folder := writeImage(t, twoPartitions)
	ctx, cancel := context.WithCancel(context.Background())

	summary := h.runner.Run(ctx, []Request{{
		Name: "a", Folder: folder, Partitions: []string{"sda1", "sda2"}, PartSizes: []uint64{1, 1},
	}}, func(ev Event) {
		if ev.Kind == EventProgress {
			cancel()
		}
	})

	require.Equal(t, 1, summary.Failures)
	assert.ErrorIs(t, summary.Results[0].Err, context.Canceled)
	assert.FileExists(t, filepath.Join(folder, "boot.tar.gz"))
	assert.NoFileExists(t, filepath.Join(folder, "root.tar.gz"))
	assert.Equal(t, testOsJSON, readFile(t, OsPath(folder)))
	assert.False(t, h.fake.isMounted())
}

func TestStart(t *testing.T) {
	h := newRunnerHarness(t)
	folder := writeImage(t, `{"partitions": [{"label": "boot", "filesystem_type": "vfat"}]}`)

	stream := h.runner.Start(context.Background(), []Request{{
		Name: "LibreELEC", Folder: folder, Partitions: []string{"sda1"}, PartSizes: []uint64{5},
	}})

	var events []Event
	Events(context.Background(), stream, func(ev Event) { events = append(events, ev) })

	require.NotEmpty(t, events)
	assert.Equal(t, EventTotalSize, events[0].Kind)
	assert.Equal(t, Event{Kind: EventCompleted}, events[len(events)-1])
	_, ok := <-stream
	assert.False(t, ok, "stream is closed after completion")
}

func TestRunnerPlan(t *testing.T) {
	h := newRunnerHarness(t)
	h.fake.fstypes["/dev/mmcblk0p7"] = "ext4"
	folder := writeImage(t, twoPartitions)

	planned, err := h.runner.Plan(context.Background(), Request{
		Name: "Raspbian", Folder: folder,
		Partitions: []string{"mmcblk0p6", "mmcblk0p7"}, PartSizes: []uint64{200, 0},
	})
	require.NoError(t, err)
	require.Len(t, planned, 2)
	assert.Equal(t, "ext4", planned[1].FilesystemType)
	assert.Equal(t, twoPartitions, readFile(t, PartitionsPath(folder)))

	_, err = h.runner.Plan(context.Background(), Request{Name: "x"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
