package adapter

import (
	"fmt"
	"strings"

	"github.com/irisemr/devicebridge/store"
)

// OCT scan acceptability thresholds.
const (
	octSignalMin      = 6  // on the vendor 0-10 scale
	octThicknessThin  = 250 // µm, central retinal thickness
	octThicknessThick = 350
)

var octKeys = map[string]string{
	"central thickness":  "centralThickness",
	"cst":                "centralThickness",
	"ct":                 "centralThickness",
	"thickness":          "centralThickness",
	"avg thickness":      "avgThickness",
	"average thickness":  "avgThickness",
	"volume":             "volume",
	"signal":             "signalStrength",
	"signal strength":    "signalStrength",
	"ssi":                "signalStrength",
	"scan type":          "scanType",
	"scan":               "scanType",
	"protocol":           "scanType",
	"eye":                "eye",
	"laterality":         "eye",
	"side":               "eye",
	"date":               "date",
	"exam date":          "date",
	"patient id":         "patient id",
	"id":                 "patient id",
	"patient name":       "patient name",
	"name":               "patient name",
	"dob":                "date of birth",
	"date of birth":      "date of birth",
	"gender":             "gender",
	"sex":                "gender",
}

// OCTAdapter handles OCT numeric summary exports: macular thickness
// map values and scan quality. Raw volume data stays on the device.
type OCTAdapter struct{}

func (a *OCTAdapter) Type() string { return store.DeviceOCT }

func (a *OCTAdapter) ParseFile(path string) ([]Reading, error) {
	return parseByExtension(path, octKeys)
}

func (a *OCTAdapter) Validate(r Reading) Validation {
	var v = Validation{IsValid: true}
	requireEye(&v, r)
	requireField(&v, r, "centralThickness")
	checkRange(&v, r, "centralThickness", 100, 1200)
	checkRange(&v, r, "avgThickness", 100, 1200)
	checkRange(&v, r, "signalStrength", 0, 10)
	return v
}

func (a *OCTAdapter) Transform(r Reading) (*store.Measurement, error) {
	var thickness, ok = r.Num("centralThickness")
	if !ok {
		return nil, fmt.Errorf("reading has no numeric central thickness")
	}

	var data = map[string]any{"centralThickness": thickness}
	for _, key := range []string{"avgThickness", "volume"} {
		if v, ok := r.Num(key); ok {
			data[key] = v
		}
	}
	if scanType := strings.TrimSpace(r.Str("scanType")); scanType != "" {
		data["scanType"] = scanType
	}

	var factors []store.QualityFactor
	if signal, ok := r.Num("signalStrength"); ok {
		data["signalStrength"] = signal
		factors = append(factors, gradedFactor("signalStrength", signal, octSignalMin, true))
	}

	var findings []string
	var interpretation string
	switch {
	case thickness > octThicknessThick:
		interpretation = fmt.Sprintf("Increased central retinal thickness: %.0f µm.", thickness)
		findings = append(findings, "macular thickening")
	case thickness < octThicknessThin:
		interpretation = fmt.Sprintf("Decreased central retinal thickness: %.0f µm.", thickness)
		findings = append(findings, "retinal thinning")
	default:
		interpretation = fmt.Sprintf("Central retinal thickness within normal limits: %.0f µm.", thickness)
	}

	var m = &store.Measurement{
		MeasurementType: "oct_scan",
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

func (a *OCTAdapter) ExtractDemographics(r Reading) *Demographics {
	return demographicsFromReading(r)
}
