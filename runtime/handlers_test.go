package runtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/irisemr/devicebridge/indexer"
	"github.com/irisemr/devicebridge/queue"
	"github.com/irisemr/devicebridge/store"
)

func jobWith(t *testing.T, jobType string, payload any) *queue.Job {
	t.Helper()
	var raw, err = json.Marshal(payload)
	require.NoError(t, err)
	return &queue.Job{ID: "job-test", Type: jobType, Data: raw}
}

func TestFileProcessHandlerPersistsMeasurement(t *testing.T) {
	var fs = newMemFS()
	fs.addFile("A12345/exam.csv",
		[]byte("patient id;eye;ecd;cv;hex;cct\nA12345;OD;2500;32;60;540\n"), time.Now())
	var rig = newRig(t, &memDialer{fs: fs})

	var device = smbDevice("dev-1")
	device.Type = store.DeviceSpecular
	rig.mem.AddDevice(device)
	rig.mem.AddPatient(&store.Patient{
		ID: "p-dupont", FirstName: "Jean", LastName: "Dupont", LegacyIDs: []string{"A12345"},
	})

	var result, err = rig.orch.handleFileProcess(context.Background(),
		jobWith(t, queue.TypeFileProcess, FileProcessPayload{
			DeviceID: "dev-1",
			Path:     "A12345/exam.csv",
		}))
	require.NoError(t, err)

	var outcome = result.(*FileOutcome)
	require.Equal(t, 1, outcome.Measurements)
	require.Equal(t, "p-dupont", outcome.PatientID, "parent folder resolves through the indexer")

	var saved = rig.mem.Measurements()
	require.Len(t, saved, 1)
	require.Equal(t, "p-dupont", saved[0].Patient)
	require.Equal(t, "OD", saved[0].Eye)
}

func TestFileProcessHandlerSavesImage(t *testing.T) {
	var fs = newMemFS()
	fs.addFile("A12345/fundus_OD.jpg", []byte{0xff, 0xd8, 0xff}, time.Now())
	var rig = newRig(t, &memDialer{fs: fs})

	var device = smbDevice("dev-1")
	device.Type = store.DeviceFundus
	rig.mem.AddDevice(device)

	var result, err = rig.orch.handleFileProcess(context.Background(),
		jobWith(t, queue.TypeFileProcess, FileProcessPayload{
			DeviceID: "dev-1",
			Path:     "A12345/fundus_OD.jpg",
		}))
	require.NoError(t, err)

	var outcome = result.(*FileOutcome)
	require.Equal(t, 1, outcome.Images)
	require.Zero(t, outcome.Measurements)
}

func TestFileProcessHandlerUnknownDevice(t *testing.T) {
	var rig = newRig(t, &memDialer{fs: newMemFS()})
	var _, err = rig.orch.handleFileProcess(context.Background(),
		jobWith(t, queue.TypeFileProcess, FileProcessPayload{DeviceID: "ghost", Path: "x.csv"}))
	require.Error(t, err)
}

func TestFolderIndexHandler(t *testing.T) {
	var fs = newMemFS()
	fs.addFile("DUPONT_JEAN/scan.csv", []byte("eye,ecd\nOD,2500\n"), time.Now())
	var rig = newRig(t, &memDialer{fs: fs})

	var device = smbDevice("dev-1")
	rig.mem.AddDevice(device)
	rig.mem.AddPatient(&store.Patient{ID: "p-dupont", FirstName: "Jean", LastName: "Dupont"})

	var result, err = rig.orch.handleFolderIndex(context.Background(),
		jobWith(t, queue.TypeFolderIndex, FolderIndexPayload{DeviceID: "dev-1"}))
	require.NoError(t, err)

	var report = result.(*indexer.IndexReport)
	require.Equal(t, 1, report.Indexed)
	require.Equal(t, 1, report.Matched)
}

func TestBatchImportHandler(t *testing.T) {
	var fs = newMemFS()
	fs.addFile("batch/a.csv", []byte("patient id;eye;ecd\nA12345;OD;2500\n"), time.Now())
	fs.addFile("batch/b.csv", []byte("patient id;eye;ecd\nA12345;OS;2400\n"), time.Now())
	var rig = newRig(t, &memDialer{fs: fs})

	var device = smbDevice("dev-1")
	device.Type = store.DeviceSpecular
	rig.mem.AddDevice(device)

	var result, err = rig.orch.handleBatchImport(context.Background(),
		jobWith(t, queue.TypeBatchImport, BatchImportPayload{
			DeviceID: "dev-1",
			Path:     "batch",
		}))
	require.NoError(t, err)

	var outcomes = result.([]*FileOutcome)
	require.Len(t, outcomes, 2)
	require.Len(t, rig.mem.Measurements(), 2)
}
