package clinical

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nsf/jsondiff"
	"github.com/stretchr/testify/require"

	"github.com/irisemr/devicebridge/store"
)

const (
	recID  = "64a1b2c3d4e5f60718293a4b"
	examID = "64a1b2c3d4e5f60718293a4c"
	rxID   = "64a1b2c3d4e5f60718293a4d"
)

func newTestUpdater(t *testing.T) (*Updater, *store.Memory) {
	t.Helper()
	var mem = store.NewMemory()
	mem.AddDocument(store.CollectionRecords, recID, map[string]any{
		"patientId":      "p-1",
		"chiefComplaint": "blurred vision",
		"plan": map[string]any{
			"medications": []any{map[string]any{"name": "latanoprost"}},
			"followUp":    "3 months",
		},
	})
	mem.AddDocument(store.CollectionExams, examID, map[string]any{
		"type": "refraction",
	})
	return NewUpdater(mem), mem
}

func fptr(v float64) *float64 { return &v }

func TestUpdateRefractionLinksAndPatches(t *testing.T) {
	var u, mem = newTestUpdater(t)

	var _, err = u.UpdateRefraction(context.Background(), recID, RefractionUpdate{
		ExamID: examID,
		Subjective: &RefractionBlock{
			OD: RefractionEye{Sphere: fptr(-2.25), Cylinder: fptr(-0.75), Axis: fptr(90), VA: "10/10"},
			OS: RefractionEye{Sphere: fptr(-2.0), VA: "9/10"},
		},
	}, "user-1")
	require.NoError(t, err)

	record, err := mem.GetDocument(context.Background(), store.CollectionRecords, recID)
	require.NoError(t, err)
	require.Contains(t, record["exams"], any(examID))

	exam, err := mem.GetDocument(context.Background(), store.CollectionExams, examID)
	require.NoError(t, err)
	require.Equal(t, "refraction", exam["type"], "sibling fields survive the patch")
	require.Equal(t, "user-1", exam["updatedBy"])

	var subj = exam["refraction"].(map[string]any)["subjective"].(map[string]any)
	require.Equal(t, -2.25, subj["od"].(map[string]any)["sphere"])
	require.Equal(t, "9/10", subj["os"].(map[string]any)["va"])
}

func TestUpdateRefractionValidation(t *testing.T) {
	var u, _ = newTestUpdater(t)
	var ctx = context.Background()

	var cases = []struct {
		name string
		rec  string
		in   RefractionUpdate
	}{
		{"malformed record ID", "not-hex", RefractionUpdate{ExamID: examID}},
		{"sphere out of range", recID, RefractionUpdate{ExamID: examID,
			Objective: &RefractionBlock{OD: RefractionEye{Sphere: fptr(30)}}}},
		{"axis out of range", recID, RefractionUpdate{ExamID: examID,
			Objective: &RefractionBlock{OS: RefractionEye{Axis: fptr(200)}}}},
		{"addition below minimum", recID, RefractionUpdate{ExamID: examID,
			Subjective: &RefractionBlock{OD: RefractionEye{Addition: fptr(0.125)}}}},
		{"bad acuity notation", recID, RefractionUpdate{ExamID: examID,
			Subjective: &RefractionBlock{OD: RefractionEye{VA: "fine"}}}},
		{"block without exam", recID, RefractionUpdate{
			Objective: &RefractionBlock{OD: RefractionEye{Sphere: fptr(-1)}}}},
		{"empty update", recID, RefractionUpdate{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var _, err = u.UpdateRefraction(ctx, tc.rec, tc.in, "user-1")
			require.Error(t, err)
		})
	}
}

func TestUpdateDiagnosisReplacesList(t *testing.T) {
	var u, mem = newTestUpdater(t)
	var ctx = context.Background()

	var _, err = u.UpdateDiagnosis(ctx, recID, []Diagnosis{
		{Code: "H40.11", Description: "Primary open-angle glaucoma", Eye: "OU"},
	}, "user-1")
	require.NoError(t, err)

	_, err = u.UpdateDiagnosis(ctx, recID, []Diagnosis{
		{Code: "H52.1", Description: "Myopia"},
	}, "user-1")
	require.NoError(t, err)

	doc, err := mem.GetDocument(ctx, store.CollectionRecords, recID)
	require.NoError(t, err)
	var list = doc["diagnoses"].([]any)
	require.Len(t, list, 1, "second write replaces, not appends")
	require.Equal(t, "H52.1", list[0].(map[string]any)["code"])

	_, err = u.UpdateDiagnosis(ctx, recID, []Diagnosis{{Code: "H40.11"}}, "user-1")
	require.Error(t, err, "entries without a description are rejected")
}

func TestUpdateTreatmentPreservesSiblings(t *testing.T) {
	var u, mem = newTestUpdater(t)
	var ctx = context.Background()

	var _, err = u.UpdateTreatment(ctx, recID, TreatmentUpdate{
		Lifestyle: []string{"UV protection outdoors"},
	}, "user-1")
	require.NoError(t, err)

	doc, err := mem.GetDocument(ctx, store.CollectionRecords, recID)
	require.NoError(t, err)

	// Only plan.lifestyle changed; the practitioner's medications and
	// follow-up stay intact.
	var actual, _ = json.Marshal(doc["plan"])
	var expected = []byte(`{
		"medications": [{"name": "latanoprost"}],
		"followUp": "3 months",
		"lifestyle": ["UV protection outdoors"]
	}`)
	var opts = jsondiff.DefaultConsoleOptions()
	diff, desc := jsondiff.Compare(expected, actual, &opts)
	require.Equal(t, jsondiff.FullMatch, diff, desc)
}

func TestUpdateIOP(t *testing.T) {
	var u, mem = newTestUpdater(t)
	var ctx = context.Background()

	var _, err = u.UpdateIOP(ctx, recID, IOPUpdate{
		OD: fptr(16), OS: fptr(18.5), Method: "goldmann",
	}, "user-1")
	require.NoError(t, err)

	doc, err := mem.GetDocument(ctx, store.CollectionRecords, recID)
	require.NoError(t, err)
	var iop = doc["examinations"].(map[string]any)["iop"].(map[string]any)
	require.Equal(t, 16.0, iop["od"])
	require.Equal(t, 18.5, iop["os"])
	require.Equal(t, "goldmann", iop["method"])

	_, err = u.UpdateIOP(ctx, recID, IOPUpdate{OD: fptr(75)}, "user-1")
	require.Error(t, err, "pressure above 60 mmHg is rejected")

	_, err = u.UpdateIOP(ctx, recID, IOPUpdate{}, "user-1")
	require.Error(t, err, "an empty update is rejected")
}

func TestUpdateVisualAcuityNotations(t *testing.T) {
	var u, _ = newTestUpdater(t)
	var ctx = context.Background()

	for _, va := range []string{"10/10", "0.8", "20/40", "P2", "P1.5", "CLD"} {
		var _, err = u.UpdateVisualAcuity(ctx, recID, VisualAcuityUpdate{DistanceOD: va}, "user-1")
		require.NoError(t, err, va)
	}
	var _, err = u.UpdateVisualAcuity(ctx, recID, VisualAcuityUpdate{NearOS: "excellent"}, "user-1")
	require.Error(t, err)
}

func TestUpdateKeratometry(t *testing.T) {
	var u, mem = newTestUpdater(t)
	var ctx = context.Background()

	var _, err = u.UpdateKeratometry(ctx, recID, KeratometryUpdate{
		OD: &KeratometryEye{K1: fptr(43.25), K2: fptr(44.0), Axis: fptr(175)},
	}, "user-1")
	require.NoError(t, err)

	doc, err := mem.GetDocument(ctx, store.CollectionRecords, recID)
	require.NoError(t, err)
	var od = doc["examinations"].(map[string]any)["keratometry"].(map[string]any)["od"].(map[string]any)
	require.Equal(t, 43.25, od["k1"])

	_, err = u.UpdateKeratometry(ctx, recID, KeratometryUpdate{
		OS: &KeratometryEye{K1: fptr(25)},
	}, "user-1")
	require.Error(t, err, "curvature below 30 D is rejected")
}

func TestLinkPrescriptionIsIdempotent(t *testing.T) {
	var u, mem = newTestUpdater(t)
	var ctx = context.Background()

	var _, err = u.LinkPrescription(ctx, recID, rxID, "user-1")
	require.NoError(t, err)
	_, err = u.LinkPrescription(ctx, recID, rxID, "user-1")
	require.NoError(t, err)

	doc, err := mem.GetDocument(ctx, store.CollectionRecords, recID)
	require.NoError(t, err)
	require.Len(t, doc["prescriptions"], 1)

	_, err = u.LinkPrescription(ctx, recID, "short", "user-1")
	require.Error(t, err, "reference IDs share the opaque-ID format")
}

func TestUpdateNotesAndComplaint(t *testing.T) {
	var u, mem = newTestUpdater(t)
	var ctx = context.Background()

	var _, err = u.UpdateNotes(ctx, recID, "OCT shows stable RNFL", "user-2")
	require.NoError(t, err)
	_, err = u.UpdateChiefComplaint(ctx, recID, "photophobia", "user-2")
	require.NoError(t, err)

	doc, err := mem.GetDocument(ctx, store.CollectionRecords, recID)
	require.NoError(t, err)
	require.Equal(t, "OCT shows stable RNFL", doc["notes"])
	require.Equal(t, "photophobia", doc["chiefComplaint"])
	require.Equal(t, "user-2", doc["updatedBy"])
}

func TestUpdateAnteriorSegment(t *testing.T) {
	var u, mem = newTestUpdater(t)
	var ctx = context.Background()

	var _, err = u.UpdateAnteriorSegment(ctx, recID, map[string]any{
		"cornea": "clear", "chamber": "deep and quiet",
	}, "user-1")
	require.NoError(t, err)

	doc, err := mem.GetDocument(ctx, store.CollectionRecords, recID)
	require.NoError(t, err)
	var seg = doc["examinations"].(map[string]any)["anteriorSegment"].(map[string]any)
	require.Equal(t, "clear", seg["cornea"])

	_, err = u.UpdateAnteriorSegment(ctx, recID, nil, "user-1")
	require.Error(t, err)
}
