package extract

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/irisemr/devicebridge/adapter"
	"github.com/irisemr/devicebridge/ocr"
	"github.com/irisemr/devicebridge/store"
)

// fakeOCR scripts the OCR service responses per call family.
type fakeOCR struct {
	dicomResp   *ocr.Response
	dicomErr    error
	processResp *ocr.Response
	processErr  error

	dicomCalls   int
	processCalls int
}

func (f *fakeOCR) Process(ctx context.Context, req ocr.Request) (*ocr.Response, error) {
	f.processCalls++
	return f.processResp, f.processErr
}

func (f *fakeOCR) ExtractDICOM(ctx context.Context, filePath string) (*ocr.Response, error) {
	f.dicomCalls++
	return f.dicomResp, f.dicomErr
}

func touch(t *testing.T, name string) string {
	t.Helper()
	var p = filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o600))
	return p
}

func TestStructuredMetadataStrategy(t *testing.T) {
	var svc = &fakeOCR{dicomResp: &ocr.Response{
		ExtractedInfo: &ocr.ExtractedInfo{
			FirstName:   "Jean",
			LastName:    "Dupont",
			PatientID:   "A12345",
			DateOfBirth: "1980-01-15",
			Gender:      "male",
		},
	}}
	var p = NewProcessor(nil, svc)

	var result = p.ProcessFile(context.Background(),
		touch(t, "DUPONT_JEAN_A12345_19800115_M_OCT.dcm"), Options{})
	require.True(t, result.Success)
	require.Equal(t, MethodStructured, result.Method)
	require.Equal(t, 0.95, result.Confidence)
	require.Equal(t, "Dupont", result.PatientInfo.LastName)
	require.Equal(t, "male", result.PatientInfo.Gender)
	require.Equal(t, "1980-01-15", result.PatientInfo.DateOfBirth.Format("2006-01-02"))

	var counts = p.Counts()
	require.Equal(t, int64(1), counts.Structured)
	require.Zero(t, counts.Adapter)
	require.Zero(t, counts.Filename)
	require.Zero(t, counts.OCR)
	require.Equal(t, 1, svc.dicomCalls)
	require.Zero(t, svc.processCalls)
}

func TestFilenameOnlyExtraction(t *testing.T) {
	var p = NewProcessor(nil, nil)
	var result = p.ProcessFile(context.Background(),
		touch(t, "DUPONT_JEAN_A12345_19800115.jpg"), Options{DisableOCR: true})

	require.True(t, result.Success)
	require.Equal(t, MethodFilename, result.Method)
	require.Equal(t, 1.0, result.Confidence)
	require.Equal(t, "DUPONT", result.PatientInfo.LastName)
	require.Equal(t, "JEAN", result.PatientInfo.FirstName)
	require.Equal(t, "A12345", result.PatientInfo.PatientID)
	require.Equal(t, "1980-01-15", result.PatientInfo.DateOfBirth.Format("2006-01-02"))
	require.Equal(t, int64(1), p.Counts().Filename)
}

func TestAdapterStrategy(t *testing.T) {
	var mem = store.NewMemory()
	var reg = adapter.NewRegistry(mem.Bundle())
	var dir = t.TempDir()
	var file = filepath.Join(dir, "export.csv")
	require.NoError(t, os.WriteFile(file, []byte(
		"Patient_ID,Patient_Name,DOB,Eye,Cell_Density\nA99,\"MARTIN, Claire\",1975-06-02,OS,2600\n"), 0o600))

	var p = NewProcessor(reg, nil)
	var result = p.ProcessFile(context.Background(), file, Options{DeviceType: store.DeviceSpecular})

	require.True(t, result.Success)
	require.Equal(t, MethodAdapter, result.Method)
	require.GreaterOrEqual(t, result.Confidence, 0.70)
	require.Equal(t, "MARTIN", result.PatientInfo.LastName)
	require.Equal(t, "Claire", result.PatientInfo.FirstName)
	require.Equal(t, "A99", result.PatientInfo.PatientID)
	require.Equal(t, "OS", result.PatientInfo.Laterality)
	require.Equal(t, int64(1), p.Counts().Adapter)
}

func TestOCRFallbackMergesFilenamePartial(t *testing.T) {
	var svc = &fakeOCR{processResp: &ocr.Response{
		ExtractedInfo: &ocr.ExtractedInfo{FirstName: "Jean", LastName: "Dupont"},
		OCRConfidence: 0.8,
		OCRText:       "Dupont Jean",
	}}
	var p = NewProcessor(nil, svc)

	// The filename alone scores 0.25 (ID only), under the 0.60 accept
	// threshold, so the chain reaches OCR and merges the partial in.
	var result = p.ProcessFile(context.Background(), touch(t, "A12345_retinography.jpg"), Options{})
	require.True(t, result.Success)
	require.Equal(t, MethodOCR, result.Method)
	require.Equal(t, 0.8, result.Confidence)
	require.Equal(t, "Dupont", result.PatientInfo.LastName)
	require.Equal(t, "A12345", result.PatientInfo.PatientID, "filename partial fills the hole")
	require.Equal(t, map[string]any{"ocrText": "Dupont Jean"}, result.RawData)
}

func TestFilenamePartialWhenAllStrategiesFall(t *testing.T) {
	var svc = &fakeOCR{processErr: errors.New("service down")}
	var p = NewProcessor(nil, svc)

	var result = p.ProcessFile(context.Background(), touch(t, "A12345_scan.jpg"), Options{})
	require.True(t, result.Success)
	require.Equal(t, MethodFilenamePartial, result.Method)
	require.Equal(t, "A12345", result.PatientInfo.PatientID)
	require.Less(t, result.Confidence, 0.60)
	require.Equal(t, int64(1), p.Counts().Partial)
}

func TestExtractionFailure(t *testing.T) {
	var p = NewProcessor(nil, nil)
	var result = p.ProcessFile(context.Background(), touch(t, "export.bin"), Options{DisableOCR: true})
	require.False(t, result.Success)
	require.Equal(t, "Unable to extract patient information", result.Error)
	require.Equal(t, int64(1), p.Counts().Failed)
}

func TestDisableOCRSkipsService(t *testing.T) {
	var svc = &fakeOCR{processResp: &ocr.Response{
		ExtractedInfo: &ocr.ExtractedInfo{LastName: "Dupont"},
	}}
	var p = NewProcessor(nil, svc)

	var result = p.ProcessFile(context.Background(), touch(t, "A12345_scan.jpg"), Options{DisableOCR: true})
	require.Equal(t, MethodFilenamePartial, result.Method)
	require.Zero(t, svc.processCalls)
	require.Zero(t, result.PatientInfo.LastName)
}

func TestParseDateForms(t *testing.T) {
	for in, want := range map[string]string{
		"19800115":   "1980-01-15",
		"15/01/1980": "1980-01-15",
		"1980-01-15": "1980-01-15",
	} {
		var tm, ok = ParseDate(in)
		require.True(t, ok, "input %q", in)
		require.Equal(t, want, tm.Format("2006-01-02"))
	}

	var _, ok = ParseDate("00000000")
	require.False(t, ok, "implausible year must be rejected")
	_, ok = ParseDate("not a date")
	require.False(t, ok)
}

func TestExtractLaterality(t *testing.T) {
	for in, want := range map[string]string{
		"scan_OD_2024":     "OD",
		"left eye report":  "OS",
		"oeil gauche":      "OS",
		"both eyes":        "OU",
		"macula OU series": "OU",
		"nothing here":     "",
	} {
		require.Equal(t, want, ExtractLaterality(in), "input %q", in)
	}
}

func TestParseFilenameDevicePatterns(t *testing.T) {
	var info = ParseFilename("MARTIN^CLAIRE_20240110.dcm", store.DeviceOCT)
	require.NotNil(t, info)
	require.Equal(t, "MARTIN", info.LastName)
	require.Equal(t, "CLAIRE", info.FirstName)
	require.Equal(t, "2024-01-10", info.DateOfBirth.Format("2006-01-02"))

	info = ParseFilename("KN-4821_cells.csv", store.DeviceSpecular)
	require.NotNil(t, info)
	require.Equal(t, "KN-4821", info.PatientID)
}

func TestDetectDeviceType(t *testing.T) {
	for in, want := range map[string]string{
		"/exports/cirrus/scan.dcm":        store.DeviceOCT,
		"DUPONT_OCT_20240101.dcm":         store.DeviceOCT,
		"konan_export.csv":                store.DeviceSpecular,
		"icare_readings.txt":              store.DeviceTonometer,
		"visucam/img1.jpg":                store.DeviceFundus,
		"DUPONT_JEAN_A12345_19800115.jpg": "",
	} {
		require.Equal(t, want, DetectDeviceType(in), "input %q", in)
	}
}

func TestFillFromKeepsPrimary(t *testing.T) {
	var dob = time.Date(1980, 1, 15, 0, 0, 0, 0, time.UTC)
	var primary = &PatientInfo{LastName: "Dupont"}
	primary.fillFrom(&PatientInfo{LastName: "WRONG", FirstName: "Jean", DateOfBirth: &dob})
	require.Equal(t, "Dupont", primary.LastName)
	require.Equal(t, "Jean", primary.FirstName)
	require.Equal(t, &dob, primary.DateOfBirth)
}
