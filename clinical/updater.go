// Package clinical applies granular, field-scoped updates to clinical
// record and exam documents. Writes go through the store's merge-patch
// contract: only the named subtrees change, sibling fields written by
// practitioners stay untouched, and full-document validation is
// deliberately not re-run.
package clinical

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/irisemr/devicebridge/shellsafe"
	"github.com/irisemr/devicebridge/store"
)

// Updater performs device-driven writes against clinical documents.
type Updater struct {
	docs store.ClinicalStore
}

// NewUpdater returns an Updater over |docs|.
func NewUpdater(docs store.ClinicalStore) *Updater {
	return &Updater{docs: docs}
}

// RefractionEye is one eye's refraction values. Nil fields are omitted
// from the patch.
type RefractionEye struct {
	Sphere   *float64 `json:"sphere,omitempty"`
	Cylinder *float64 `json:"cylinder,omitempty"`
	Axis     *float64 `json:"axis,omitempty"`
	Addition *float64 `json:"addition,omitempty"`
	VA       string   `json:"va,omitempty"`
}

func (e *RefractionEye) validate(prefix string) error {
	if err := checkRange(e.Sphere, SphereMin, SphereMax, prefix+".sphere"); err != nil {
		return err
	}
	if err := checkRange(e.Cylinder, CylinderMin, CylinderMax, prefix+".cylinder"); err != nil {
		return err
	}
	if err := checkRange(e.Axis, AxisMin, AxisMax, prefix+".axis"); err != nil {
		return err
	}
	if err := checkRange(e.Addition, AdditionMin, AdditionMax, prefix+".addition"); err != nil {
		return err
	}
	return ValidateVisualAcuity(e.VA, prefix+".va")
}

// RefractionBlock holds both eyes of one refraction measurement.
type RefractionBlock struct {
	OD RefractionEye `json:"od"`
	OS RefractionEye `json:"os"`
}

func (b *RefractionBlock) validate(prefix string) error {
	if err := b.OD.validate(prefix + ".od"); err != nil {
		return err
	}
	return b.OS.validate(prefix + ".os")
}

// RefractionUpdate links an exam to a record and/or patches the exam's
// refraction subtrees. Nil blocks are left alone.
type RefractionUpdate struct {
	ExamID            string           `json:"examId,omitempty"`
	Objective         *RefractionBlock `json:"objective,omitempty"`
	Subjective        *RefractionBlock `json:"subjective,omitempty"`
	FinalPrescription *RefractionBlock `json:"finalPrescription,omitempty"`
}

// UpdateRefraction links |in.ExamID| into the record's exam list and
// patches the exam's refraction subtrees. The updated exam document is
// returned when one was patched, the record document otherwise.
func (u *Updater) UpdateRefraction(ctx context.Context, recordID string, in RefractionUpdate, userID string) (map[string]any, error) {
	if err := ValidateObjectID(recordID, "recordId"); err != nil {
		return nil, err
	}
	var blocks = map[string]*RefractionBlock{
		"objective":         in.Objective,
		"subjective":        in.Subjective,
		"finalPrescription": in.FinalPrescription,
	}
	for name, b := range blocks {
		if b == nil {
			continue
		}
		if in.ExamID == "" {
			return nil, &shellsafe.ValidationError{Field: "examId", Reason: "is required to patch refraction values"}
		}
		if err := b.validate("refraction." + name); err != nil {
			return nil, err
		}
	}
	if in.ExamID == "" {
		return nil, &shellsafe.ValidationError{Field: "refraction", Reason: "has no fields to update"}
	}
	if err := ValidateObjectID(in.ExamID, "examId"); err != nil {
		return nil, err
	}

	var doc map[string]any
	var err error
	var touched []string

	if doc, err = u.docs.AddToSet(ctx, store.CollectionRecords, recordID, "exams", in.ExamID); err != nil {
		return nil, fmt.Errorf("linking exam %s to record %s: %w", in.ExamID, recordID, err)
	}
	touched = append(touched, "exams")

	var fields = make(map[string]any)
	for name, b := range blocks {
		if b != nil {
			fields["refraction."+name] = b
			touched = append(touched, "refraction."+name)
		}
	}
	if len(fields) > 0 {
		if doc, err = u.patch(ctx, store.CollectionExams, in.ExamID, fields, userID); err != nil {
			return nil, err
		}
	}
	u.logWrite(recordID, userID, touched)
	return doc, nil
}

// Diagnosis is one coded diagnosis entry.
type Diagnosis struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Eye         string `json:"eye,omitempty"`
	Severity    string `json:"severity,omitempty"`
}

// UpdateDiagnosis replaces the record's diagnosis list. Every entry
// must carry both a code and a description.
func (u *Updater) UpdateDiagnosis(ctx context.Context, recordID string, diagnoses []Diagnosis, userID string) (map[string]any, error) {
	if err := ValidateObjectID(recordID, "recordId"); err != nil {
		return nil, err
	}
	for i, d := range diagnoses {
		if d.Code == "" || d.Description == "" {
			return nil, &shellsafe.ValidationError{
				Field:  fmt.Sprintf("diagnoses[%d]", i),
				Reason: "requires both code and description",
			}
		}
	}
	var doc, err = u.patch(ctx, store.CollectionRecords, recordID,
		map[string]any{"diagnoses": diagnoses}, userID)
	if err != nil {
		return nil, err
	}
	u.logWrite(recordID, userID, []string{"diagnoses"})
	return doc, nil
}

// TreatmentUpdate patches the record's plan subtree. Nil fields are
// left alone; an empty non-nil slice clears its list.
type TreatmentUpdate struct {
	Medications      []map[string]any `json:"medications,omitempty"`
	Lifestyle        []string         `json:"lifestyle,omitempty"`
	FollowUp         string           `json:"followUp,omitempty"`
	Referrals        []string         `json:"referrals,omitempty"`
	PatientEducation []string         `json:"patientEducation,omitempty"`
}

// UpdateTreatment patches the non-nil parts of the treatment plan.
func (u *Updater) UpdateTreatment(ctx context.Context, recordID string, in TreatmentUpdate, userID string) (map[string]any, error) {
	if err := ValidateObjectID(recordID, "recordId"); err != nil {
		return nil, err
	}
	var fields = make(map[string]any)
	if in.Medications != nil {
		fields["plan.medications"] = in.Medications
	}
	if in.Lifestyle != nil {
		fields["plan.lifestyle"] = in.Lifestyle
	}
	if in.FollowUp != "" {
		fields["plan.followUp"] = in.FollowUp
	}
	if in.Referrals != nil {
		fields["plan.referrals"] = in.Referrals
	}
	if in.PatientEducation != nil {
		fields["plan.patientEducation"] = in.PatientEducation
	}
	if len(fields) == 0 {
		return nil, &shellsafe.ValidationError{Field: "treatment", Reason: "has no fields to update"}
	}
	var doc, err = u.patch(ctx, store.CollectionRecords, recordID, fields, userID)
	if err != nil {
		return nil, err
	}
	u.logWrite(recordID, userID, fieldNames(fields))
	return doc, nil
}

// IOPUpdate carries per-eye intraocular pressure in mmHg.
type IOPUpdate struct {
	OD         *float64   `json:"od,omitempty"`
	OS         *float64   `json:"os,omitempty"`
	Method     string     `json:"method,omitempty"`
	MeasuredAt *time.Time `json:"measuredAt,omitempty"`
}

// UpdateIOP patches intraocular pressure values.
func (u *Updater) UpdateIOP(ctx context.Context, recordID string, in IOPUpdate, userID string) (map[string]any, error) {
	if err := ValidateObjectID(recordID, "recordId"); err != nil {
		return nil, err
	}
	if err := checkRange(in.OD, IOPMin, IOPMax, "iop.od"); err != nil {
		return nil, err
	}
	if err := checkRange(in.OS, IOPMin, IOPMax, "iop.os"); err != nil {
		return nil, err
	}
	var fields = make(map[string]any)
	if in.OD != nil {
		fields["examinations.iop.od"] = *in.OD
	}
	if in.OS != nil {
		fields["examinations.iop.os"] = *in.OS
	}
	if in.Method != "" {
		fields["examinations.iop.method"] = in.Method
	}
	if in.MeasuredAt != nil {
		fields["examinations.iop.measuredAt"] = in.MeasuredAt.UTC()
	}
	if len(fields) == 0 {
		return nil, &shellsafe.ValidationError{Field: "iop", Reason: "has no fields to update"}
	}
	var doc, err = u.patch(ctx, store.CollectionRecords, recordID, fields, userID)
	if err != nil {
		return nil, err
	}
	u.logWrite(recordID, userID, fieldNames(fields))
	return doc, nil
}

// VisualAcuityUpdate carries per-eye distance and near acuity.
type VisualAcuityUpdate struct {
	DistanceOD string `json:"distanceOd,omitempty"`
	DistanceOS string `json:"distanceOs,omitempty"`
	NearOD     string `json:"nearOd,omitempty"`
	NearOS     string `json:"nearOs,omitempty"`
}

// UpdateVisualAcuity patches visual acuity values after notation
// validation.
func (u *Updater) UpdateVisualAcuity(ctx context.Context, recordID string, in VisualAcuityUpdate, userID string) (map[string]any, error) {
	if err := ValidateObjectID(recordID, "recordId"); err != nil {
		return nil, err
	}
	var values = map[string]string{
		"examinations.visualAcuity.distance.od": in.DistanceOD,
		"examinations.visualAcuity.distance.os": in.DistanceOS,
		"examinations.visualAcuity.near.od":     in.NearOD,
		"examinations.visualAcuity.near.os":     in.NearOS,
	}
	var fields = make(map[string]any)
	for path, va := range values {
		if va == "" {
			continue
		}
		if err := ValidateVisualAcuity(va, path); err != nil {
			return nil, err
		}
		fields[path] = va
	}
	if len(fields) == 0 {
		return nil, &shellsafe.ValidationError{Field: "visualAcuity", Reason: "has no fields to update"}
	}
	var doc, err = u.patch(ctx, store.CollectionRecords, recordID, fields, userID)
	if err != nil {
		return nil, err
	}
	u.logWrite(recordID, userID, fieldNames(fields))
	return doc, nil
}

// KeratometryEye is one eye's corneal curvature readings, in diopters.
type KeratometryEye struct {
	K1   *float64 `json:"k1,omitempty"`
	K2   *float64 `json:"k2,omitempty"`
	Axis *float64 `json:"axis,omitempty"`
}

func (k *KeratometryEye) validate(prefix string) error {
	if err := checkRange(k.K1, KMin, KMax, prefix+".k1"); err != nil {
		return err
	}
	if err := checkRange(k.K2, KMin, KMax, prefix+".k2"); err != nil {
		return err
	}
	return checkRange(k.Axis, AxisMin, AxisMax, prefix+".axis")
}

// KeratometryUpdate carries both eyes' keratometry.
type KeratometryUpdate struct {
	OD *KeratometryEye `json:"od,omitempty"`
	OS *KeratometryEye `json:"os,omitempty"`
}

// UpdateKeratometry patches corneal curvature values.
func (u *Updater) UpdateKeratometry(ctx context.Context, recordID string, in KeratometryUpdate, userID string) (map[string]any, error) {
	if err := ValidateObjectID(recordID, "recordId"); err != nil {
		return nil, err
	}
	var fields = make(map[string]any)
	if in.OD != nil {
		if err := in.OD.validate("keratometry.od"); err != nil {
			return nil, err
		}
		fields["examinations.keratometry.od"] = in.OD
	}
	if in.OS != nil {
		if err := in.OS.validate("keratometry.os"); err != nil {
			return nil, err
		}
		fields["examinations.keratometry.os"] = in.OS
	}
	if len(fields) == 0 {
		return nil, &shellsafe.ValidationError{Field: "keratometry", Reason: "has no fields to update"}
	}
	var doc, err = u.patch(ctx, store.CollectionRecords, recordID, fields, userID)
	if err != nil {
		return nil, err
	}
	u.logWrite(recordID, userID, fieldNames(fields))
	return doc, nil
}

// UpdateAnteriorSegment replaces the anterior segment findings subtree.
func (u *Updater) UpdateAnteriorSegment(ctx context.Context, recordID string, findings map[string]any, userID string) (map[string]any, error) {
	return u.updateSubtree(ctx, recordID, "examinations.anteriorSegment", findings, userID)
}

// UpdatePosteriorSegment replaces the posterior segment findings
// subtree.
func (u *Updater) UpdatePosteriorSegment(ctx context.Context, recordID string, findings map[string]any, userID string) (map[string]any, error) {
	return u.updateSubtree(ctx, recordID, "examinations.posteriorSegment", findings, userID)
}

// UpdatePathologyFindings replaces the device-derived pathology
// findings list.
func (u *Updater) UpdatePathologyFindings(ctx context.Context, recordID string, findings []string, userID string) (map[string]any, error) {
	if err := ValidateObjectID(recordID, "recordId"); err != nil {
		return nil, err
	}
	var doc, err = u.patch(ctx, store.CollectionRecords, recordID,
		map[string]any{"pathologyFindings": findings}, userID)
	if err != nil {
		return nil, err
	}
	u.logWrite(recordID, userID, []string{"pathologyFindings"})
	return doc, nil
}

// UpdateNotes replaces the free-text notes field.
func (u *Updater) UpdateNotes(ctx context.Context, recordID, notes, userID string) (map[string]any, error) {
	if err := ValidateObjectID(recordID, "recordId"); err != nil {
		return nil, err
	}
	var doc, err = u.patch(ctx, store.CollectionRecords, recordID,
		map[string]any{"notes": notes}, userID)
	if err != nil {
		return nil, err
	}
	u.logWrite(recordID, userID, []string{"notes"})
	return doc, nil
}

// UpdateChiefComplaint replaces the chief complaint field.
func (u *Updater) UpdateChiefComplaint(ctx context.Context, recordID, complaint, userID string) (map[string]any, error) {
	if err := ValidateObjectID(recordID, "recordId"); err != nil {
		return nil, err
	}
	var doc, err = u.patch(ctx, store.CollectionRecords, recordID,
		map[string]any{"chiefComplaint": complaint}, userID)
	if err != nil {
		return nil, err
	}
	u.logWrite(recordID, userID, []string{"chiefComplaint"})
	return doc, nil
}

// LinkPrescription appends a prescription reference to the record. The
// link is idempotent.
func (u *Updater) LinkPrescription(ctx context.Context, recordID, prescriptionID, userID string) (map[string]any, error) {
	return u.link(ctx, recordID, "prescriptions", prescriptionID, userID)
}

// LinkIVT appends an intravitreal injection reference to the record.
// The link is idempotent.
func (u *Updater) LinkIVT(ctx context.Context, recordID, injectionID, userID string) (map[string]any, error) {
	return u.link(ctx, recordID, "ivtInjections", injectionID, userID)
}

func (u *Updater) link(ctx context.Context, recordID, field, refID, userID string) (map[string]any, error) {
	if err := ValidateObjectID(recordID, "recordId"); err != nil {
		return nil, err
	}
	if err := ValidateObjectID(refID, field); err != nil {
		return nil, err
	}
	var doc, err = u.docs.AddToSet(ctx, store.CollectionRecords, recordID, field, refID)
	if err != nil {
		return nil, fmt.Errorf("linking %s %s to record %s: %w", field, refID, recordID, err)
	}
	if doc, err = u.patch(ctx, store.CollectionRecords, recordID, map[string]any{}, userID); err != nil {
		return nil, err
	}
	u.logWrite(recordID, userID, []string{field})
	return doc, nil
}

func (u *Updater) updateSubtree(ctx context.Context, recordID, path string, findings map[string]any, userID string) (map[string]any, error) {
	if err := ValidateObjectID(recordID, "recordId"); err != nil {
		return nil, err
	}
	if len(findings) == 0 {
		return nil, &shellsafe.ValidationError{Field: path, Reason: "has no fields to update"}
	}
	var doc, err = u.patch(ctx, store.CollectionRecords, recordID,
		map[string]any{path: findings}, userID)
	if err != nil {
		return nil, err
	}
	u.logWrite(recordID, userID, []string{path})
	return doc, nil
}

// patch applies |fields| plus the audit pair to one document.
func (u *Updater) patch(ctx context.Context, collection, id string, fields map[string]any, userID string) (map[string]any, error) {
	var withAudit = make(map[string]any, len(fields)+2)
	for k, v := range fields {
		withAudit[k] = v
	}
	withAudit["updatedBy"] = userID
	withAudit["updatedAt"] = time.Now().UTC()

	var doc, err = u.docs.ApplyFieldUpdate(ctx, collection, id, withAudit)
	if err != nil {
		return nil, fmt.Errorf("updating %s/%s: %w", collection, id, err)
	}
	return doc, nil
}

func (u *Updater) logWrite(recordID, userID string, touched []string) {
	log.WithFields(log.Fields{
		"record": recordID,
		"user":   userID,
		"fields": touched,
	}).Info("clinical record updated")
}

func fieldNames(fields map[string]any) []string {
	var out = make([]string, 0, len(fields))
	for k := range fields {
		out = append(out, k)
	}
	return out
}
