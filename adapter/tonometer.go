package adapter

import (
	"fmt"
	"strings"

	"github.com/irisemr/devicebridge/store"
)

// Intraocular pressure bounds and the hypertension cutoff, in mmHg.
const (
	iopMin          = 0
	iopMax          = 60
	iopHypertension = 21
)

var tonometerKeys = map[string]string{
	"iop":           "iop",
	"pressure":      "iop",
	"tension":       "iop",
	"iop corrected": "iopCorrected",
	"corrected":     "iopCorrected",
	"cct":           "cct",
	"pachy":         "cct",
	"method":        "method",
	"mode":          "method",
	"eye":           "eye",
	"laterality":    "eye",
	"side":          "eye",
	"date":          "date",
	"exam date":     "date",
	"patient id":    "patient id",
	"id":            "patient id",
	"patient name":  "patient name",
	"name":          "patient name",
	"dob":           "date of birth",
	"date of birth": "date of birth",
	"gender":        "gender",
	"sex":           "gender",
}

// TonometerAdapter handles tonometer exports: IOP per eye, optionally
// pachymetry-corrected.
type TonometerAdapter struct{}

func (a *TonometerAdapter) Type() string { return store.DeviceTonometer }

func (a *TonometerAdapter) ParseFile(path string) ([]Reading, error) {
	return parseByExtension(path, tonometerKeys)
}

func (a *TonometerAdapter) Validate(r Reading) Validation {
	var v = Validation{IsValid: true}
	requireEye(&v, r)
	requireField(&v, r, "iop")
	checkRange(&v, r, "iop", iopMin, iopMax)
	checkRange(&v, r, "iopCorrected", iopMin, iopMax)
	checkRange(&v, r, "cct", 300, 900)
	return v
}

func (a *TonometerAdapter) Transform(r Reading) (*store.Measurement, error) {
	var iop, ok = r.Num("iop")
	if !ok {
		return nil, fmt.Errorf("reading has no numeric IOP")
	}

	var data = map[string]any{"iop": iop}
	var effective = iop
	if corrected, ok := r.Num("iopCorrected"); ok {
		data["iopCorrected"] = corrected
		effective = corrected
	}
	if cct, ok := r.Num("cct"); ok {
		data["cct"] = cct
	}
	if method := strings.TrimSpace(r.Str("method")); method != "" {
		data["method"] = method
	}

	var factors = []store.QualityFactor{
		gradedFactor("intraocularPressure", effective, iopHypertension, false),
	}
	var findings []string
	var interpretation string
	switch {
	case effective > iopHypertension:
		interpretation = fmt.Sprintf("Elevated IOP: %.1f mmHg.", effective)
		findings = append(findings, "ocular hypertension")
	case effective < 8:
		interpretation = fmt.Sprintf("Low IOP: %.1f mmHg.", effective)
		findings = append(findings, "hypotony")
	default:
		interpretation = fmt.Sprintf("IOP within normal limits: %.1f mmHg.", effective)
	}

	var m = &store.Measurement{
		MeasurementType: "tonometry",
		Eye:             normalizeEye(r.Str("eye")),
		Data:            data,
		Quality:         qualityFrom(factors, interpretation, findings),
		RawData:         rawEnvelope(r),
	}
	if t, ok := r.Time("date"); ok {
		m.MeasurementDate = t
	}
	return m, nil
}

func (a *TonometerAdapter) ExtractDemographics(r Reading) *Demographics {
	return demographicsFromReading(r)
}
