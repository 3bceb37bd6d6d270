package runtime

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/irisemr/devicebridge/adapter"
	"github.com/irisemr/devicebridge/events"
	"github.com/irisemr/devicebridge/extract"
	"github.com/irisemr/devicebridge/indexer"
	"github.com/irisemr/devicebridge/queue"
	"github.com/irisemr/devicebridge/smb"
	"github.com/irisemr/devicebridge/store"
)

type testRig struct {
	orch  *Orchestrator
	mem   *store.Memory
	queue *queue.Queue
	bus   *events.Bus
}

// newRig assembles an orchestrator over in-memory stores, a fake SMB
// share, and a miniredis-backed queue with workers not started, so
// enqueued jobs stay inspectable.
func newRig(t *testing.T, dialer smb.Dialer) *testRig {
	t.Helper()
	var mr = miniredis.RunT(t)
	var rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	var mem = store.NewMemory()
	var stores = store.Stores{
		Devices:      mem,
		Measurements: mem,
		Images:       mem,
		Logs:         mem,
		Patients:     mem,
		Clinical:     mem,
	}
	var bus = events.NewBus()
	t.Cleanup(bus.Close)

	var pool = smb.NewPool(dialer, bus, smb.PoolConfig{
		Reconnect: smb.ReconnectConfig{MaxAttempts: 1, Disabled: true},
		TempDir:   t.TempDir(),
	})
	t.Cleanup(pool.CloseAll)

	var q = queue.New(rdb, bus, queue.Config{})
	var registry = adapter.NewRegistry(stores)
	var extractor = extract.NewProcessor(registry, nil)

	ix, err := indexer.New(filepath.Join(t.TempDir(), "index.db"), mem, mem, NewFolderLister(pool), bus)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })

	var orch = NewOrchestrator(stores, pool, q, bus, ix, registry, extractor, Config{})
	t.Cleanup(orch.Shutdown)
	return &testRig{orch: orch, mem: mem, queue: q, bus: bus}
}

func TestSyncDeviceEnqueuesFiles(t *testing.T) {
	var fs = newMemFS()
	fs.addFile("DUPONT_JEAN/scan_od.csv", []byte("eye,ecd\nOD,2500\n"), time.Now())
	fs.addFile("DUPONT_JEAN/scan_os.csv", []byte("eye,ecd\nOS,2400\n"), time.Now())
	var rig = newRig(t, &memDialer{fs: fs})
	var device = smbDevice("dev-1")
	rig.mem.AddDevice(device)

	var report, err = rig.orch.SyncDevice(context.Background(), device, SyncOptions{
		InitiatedBy: store.InitiatedByManual,
	})
	require.NoError(t, err)
	require.False(t, report.Skipped)
	require.Equal(t, 2, report.FilesFound)
	require.Equal(t, 2, report.FilesQueued)

	stats, err := rig.queue.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(3), stats.QueuedTotal, "two files plus the folder-index job")
	require.Equal(t, int64(2), stats.Queued[PriorityScannedFile])
	require.Equal(t, int64(1), stats.Queued[PriorityFolderIndex])

	got, err := rig.mem.GetDevice(context.Background(), "dev-1")
	require.NoError(t, err)
	require.Equal(t, store.StatusConnected, got.Integration.Status)
	require.NotNil(t, got.Integration.LastSync)
	require.Equal(t, "success", got.Integration.LastSyncStatus)
	require.Zero(t, got.Integration.ConsecutiveErrors)
}

func TestSyncFlatShareSkipsFolderIndex(t *testing.T) {
	var fs = newMemFS()
	fs.addFile("scan_od.csv", []byte("eye,ecd\nOD,2500\n"), time.Now())
	var rig = newRig(t, &memDialer{fs: fs})
	var device = smbDevice("dev-1")
	rig.mem.AddDevice(device)

	var report, err = rig.orch.SyncDevice(context.Background(), device, SyncOptions{Full: true})
	require.NoError(t, err)
	require.Equal(t, 1, report.FilesQueued)

	// No directories were seen, so there is nothing to index.
	stats, err := rig.queue.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.QueuedTotal)
	require.Zero(t, stats.Queued[PriorityFolderIndex])
}

func TestSyncDeviceDedupSuppressesRequeue(t *testing.T) {
	var fs = newMemFS()
	fs.addFile("exports/measure.csv", []byte("eye,ecd\nOD,2500\n"), time.Now())
	var rig = newRig(t, &memDialer{fs: fs})
	var device = smbDevice("dev-1")
	rig.mem.AddDevice(device)

	first, err := rig.orch.SyncDevice(context.Background(), device, SyncOptions{Full: true})
	require.NoError(t, err)
	require.Equal(t, 1, first.FilesQueued)

	// An immediately following full scan sees the same (path, mtime)
	// tuple and enqueues nothing.
	second, err := rig.orch.SyncDevice(context.Background(), device, SyncOptions{Full: true})
	require.NoError(t, err)
	require.Equal(t, 1, second.FilesFound)
	require.Zero(t, second.FilesQueued)
}

func TestSyncDeviceSkipsWhenBusy(t *testing.T) {
	var rig = newRig(t, &memDialer{fs: newMemFS()})
	var device = smbDevice("dev-1")
	rig.mem.AddDevice(device)

	require.True(t, rig.orch.beginSync("dev-1"))
	defer rig.orch.endSync("dev-1")

	var report, err = rig.orch.SyncDevice(context.Background(), device, SyncOptions{})
	require.NoError(t, err)
	require.True(t, report.Skipped)

	stats, err := rig.queue.Stats(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.QueuedTotal, "a skipped sync must not touch the queue")
}

func TestSyncDeviceConnectionFailure(t *testing.T) {
	var rig = newRig(t, &memDialer{fs: newMemFS(), refuse: true})
	var device = smbDevice("dev-1")
	rig.mem.AddDevice(device)

	var _, err = rig.orch.SyncDevice(context.Background(), device, SyncOptions{})
	require.Error(t, err)

	got, err := rig.mem.GetDevice(context.Background(), "dev-1")
	require.NoError(t, err)
	require.Equal(t, store.StatusError, got.Integration.Status)
	require.Equal(t, 1, got.Integration.ConsecutiveErrors)
	require.Equal(t, "error", got.Integration.LastSyncStatus)
}

func TestSyncAllSkipsInactiveAndNonSMB(t *testing.T) {
	var fs = newMemFS()
	fs.addFile("f.csv", []byte("eye,ecd\nOD,2500\n"), time.Now())
	var rig = newRig(t, &memDialer{fs: fs})

	var active = smbDevice("dev-active")
	var inactive = smbDevice("dev-inactive")
	inactive.Active = false
	var webhookOnly = smbDevice("dev-webhook")
	webhookOnly.Connection.Protocol = store.ProtocolWebhook
	rig.mem.AddDevice(active)
	rig.mem.AddDevice(inactive)
	rig.mem.AddDevice(webhookOnly)

	var reports, err = rig.orch.SyncAll(context.Background(), store.InitiatedByScheduled)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Equal(t, "dev-active", reports[0].DeviceID)
}

func TestAutoSyncStartStop(t *testing.T) {
	var rig = newRig(t, &memDialer{fs: newMemFS()})

	running, _ := rig.orch.AutoSyncStatus()
	require.False(t, running)

	rig.orch.StartAutoSync(context.Background(), time.Minute)
	running, interval := rig.orch.AutoSyncStatus()
	require.True(t, running)
	require.Equal(t, time.Minute, interval)

	// Retuning below the floor clamps rather than spinning.
	rig.orch.StartAutoSync(context.Background(), time.Millisecond)
	_, interval = rig.orch.AutoSyncStatus()
	require.Equal(t, MinSyncInterval, interval)

	rig.orch.StopAutoSync()
	running, _ = rig.orch.AutoSyncStatus()
	require.False(t, running)
}
