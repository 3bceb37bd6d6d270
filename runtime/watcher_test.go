package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func queuedTotal(t *testing.T, rig *testRig) int64 {
	t.Helper()
	var stats, err = rig.queue.Stats(context.Background())
	require.NoError(t, err)
	return stats.QueuedTotal
}

func TestMountWatcherEnqueuesStableFile(t *testing.T) {
	var rig = newRig(t, &memDialer{fs: newMemFS()})
	var mount = t.TempDir()
	var device = smbDevice("dev-1")
	device.Connection.MountPath = mount
	rig.mem.AddDevice(device)

	var w, err = rig.orch.StartMountWatcher(context.Background(), device)
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(mount, "export.xml"), []byte("<r/>"), 0o644))

	// Nothing is enqueued until the stabilization window passes.
	require.Zero(t, queuedTotal(t, rig))
	require.Eventually(t, func() bool {
		return queuedTotal(t, rig) == 1
	}, 5*time.Second, 100*time.Millisecond)

	stats, err := rig.queue.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Queued[PriorityWatcherFile],
		"structured exports land at watcher-file priority")
}

func TestMountWatcherEnqueuesFolderMatch(t *testing.T) {
	var rig = newRig(t, &memDialer{fs: newMemFS()})
	var mount = t.TempDir()
	var device = smbDevice("dev-1")
	device.Connection.MountPath = mount
	rig.mem.AddDevice(device)

	var w, err = rig.orch.StartMountWatcher(context.Background(), device)
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, os.Mkdir(filepath.Join(mount, "DUPONT_JEAN"), 0o755))

	require.Eventually(t, func() bool {
		var stats, err = rig.queue.Stats(context.Background())
		require.NoError(t, err)
		return stats.Queued[PriorityWatcherDir] == 1
	}, 5*time.Second, 100*time.Millisecond)
}

func TestMountWatcherIgnoresDotfiles(t *testing.T) {
	var rig = newRig(t, &memDialer{fs: newMemFS()})
	var mount = t.TempDir()
	var device = smbDevice("dev-1")
	device.Connection.MountPath = mount
	rig.mem.AddDevice(device)

	var w, err = rig.orch.StartMountWatcher(context.Background(), device)
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(mount, ".partial.xml"), []byte("x"), 0o644))
	time.Sleep(writeStabilization + time.Second)
	require.Zero(t, queuedTotal(t, rig))
}

func TestMountWatcherRefusesMissingMount(t *testing.T) {
	var rig = newRig(t, &memDialer{fs: newMemFS()})
	var device = smbDevice("dev-1")
	device.Connection.MountPath = "/no/such/mount"
	rig.mem.AddDevice(device)

	var _, err = rig.orch.StartMountWatcher(context.Background(), device)
	require.Error(t, err)

	device.Connection.MountPath = ""
	_, err = rig.orch.StartMountWatcher(context.Background(), device)
	require.Error(t, err)
}
