package adapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/irisemr/devicebridge/store"
)

func testDevice(deviceType string) *store.Device {
	return &store.Device{
		ID:   "dev-1",
		Name: "bench specular",
		Type: deviceType,
		Connection: store.Connection{
			Protocol: store.ProtocolSMB,
		},
	}
}

func TestRegistryProcessPersistsAndLogs(t *testing.T) {
	var mem = store.NewMemory()
	var reg = NewRegistry(mem.Bundle())

	var rd = Reading{"eye": "OD", "ecd": "2450", "cv": "28"}
	var result = reg.Process(context.Background(), testDevice(store.DeviceSpecular), rd, ProcessOptions{
		PatientID:   "P42",
		Source:      "webhook",
		InitiatedBy: store.InitiatedByDevice,
	})
	require.True(t, result.Success)
	require.NotEmpty(t, result.MeasurementID)
	require.False(t, result.Duplicate)

	var saved = mem.Measurements()
	require.Len(t, saved, 1)
	require.Equal(t, "dev-1", saved[0].Device)
	require.Equal(t, "P42", saved[0].Patient)
	require.Equal(t, "webhook", saved[0].Source)
	require.NotEmpty(t, saved[0].Fingerprint)

	var logs = mem.Logs()
	require.Len(t, logs, 1)
	require.Equal(t, store.LogSuccess, logs[0].Status)
	require.NotNil(t, logs[0].CompletedAt)
	require.Equal(t, 1, logs[0].Processing.RecordsProcessed)
	require.Equal(t, []string{result.MeasurementID}, logs[0].CreatedRecords.DeviceMeasurements)
}

func TestRegistryProcessDeduplicatesByFingerprint(t *testing.T) {
	var mem = store.NewMemory()
	var reg = NewRegistry(mem.Bundle())
	var rd = Reading{"eye": "OD", "ecd": "2450", "date": "2026-03-01"}

	var first = reg.Process(context.Background(), testDevice(store.DeviceSpecular), rd, ProcessOptions{})
	require.True(t, first.Success)

	var second = reg.Process(context.Background(), testDevice(store.DeviceSpecular), rd, ProcessOptions{})
	require.True(t, second.Success)
	require.True(t, second.Duplicate)
	require.Equal(t, first.MeasurementID, second.MeasurementID)
	require.Len(t, mem.Measurements(), 1)
}

func TestRegistryProcessNoAdapter(t *testing.T) {
	var mem = store.NewMemory()
	var reg = NewRegistry(mem.Bundle())

	var result = reg.Process(context.Background(), testDevice("slit_lamp"), Reading{}, ProcessOptions{})
	require.False(t, result.Success)
	require.Equal(t, "NO_ADAPTER", result.Error.Code)

	var logs = mem.Logs()
	require.Len(t, logs, 1)
	require.Equal(t, store.LogFailed, logs[0].Status)
	require.Equal(t, "NO_ADAPTER", logs[0].ErrorDetails.Code)
}

func TestRegistryProcessValidationFailure(t *testing.T) {
	var mem = store.NewMemory()
	var reg = NewRegistry(mem.Bundle())

	var result = reg.Process(context.Background(), testDevice(store.DeviceTonometer),
		Reading{"eye": "OD", "iop": "75"}, ProcessOptions{})
	require.False(t, result.Success)
	require.Equal(t, "VALIDATION_FAILED", result.Error.Code)
	require.Empty(t, mem.Measurements())
}

func TestFingerprintStability(t *testing.T) {
	var a = &TonometerAdapter{}
	var m1, err = a.Transform(Reading{"eye": "OS", "iop": "17", "date": "2026-03-01"})
	require.NoError(t, err)
	m2, err := a.Transform(Reading{"iop": "17", "date": "2026-03-01", "eye": "OS"})
	require.NoError(t, err)

	require.Equal(t, Fingerprint("d1", m1), Fingerprint("d1", m2))
	require.NotEqual(t, Fingerprint("d1", m1), Fingerprint("d2", m1))

	m3, err := a.Transform(Reading{"eye": "OS", "iop": "18", "date": "2026-03-01"})
	require.NoError(t, err)
	require.NotEqual(t, Fingerprint("d1", m1), Fingerprint("d1", m3))
}
