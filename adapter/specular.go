package adapter

import (
	"fmt"
	"strings"

	"github.com/irisemr/devicebridge/store"
)

// Clinical thresholds for corneal endothelium grading. ECD in
// cells/mm², CV and HEX in percent, CCT in µm.
const (
	specECDNormal     = 2000
	specECDLow        = 1500
	specCVThreshold   = 40
	specHexThreshold  = 50
	specCellCountMin  = 75
	specCCTThinLimit  = 480
	specCCTThickLimit = 620
)

// specularKeys maps vendor vocabulary (Topcon, Konan, Tomey exports)
// onto canonical reading keys.
var specularKeys = map[string]string{
	"ecd":              "ecd",
	"cd":               "ecd",
	"cell density":     "ecd",
	"density":          "ecd",
	"cv":               "cv",
	"coeff variation":  "cv",
	"hex":              "hexagonality",
	"hexagonality":     "hexagonality",
	"6a":               "hexagonality",
	"avg":              "avgCellArea",
	"avg cell area":    "avgCellArea",
	"average area":     "avgCellArea",
	"cct":              "cct",
	"pachy":            "cct",
	"pachymetry":       "cct",
	"thickness":        "cct",
	"num":              "cellCount",
	"cells":            "cellCount",
	"cell count":       "cellCount",
	"eye":              "eye",
	"laterality":       "eye",
	"side":             "eye",
	"date":             "date",
	"exam date":        "date",
	"patient id":       "patient id",
	"id":               "patient id",
	"patient name":     "patient name",
	"name":             "patient name",
	"date of birth":    "date of birth",
	"birth date":       "date of birth",
	"dob":              "date of birth",
	"sex":              "gender",
	"gender":           "gender",
}

// SpecularAdapter handles specular microscope exports: endothelial
// cell analysis with ECD, CV, hexagonality, and pachymetry.
type SpecularAdapter struct{}

func (a *SpecularAdapter) Type() string { return store.DeviceSpecular }

func (a *SpecularAdapter) ParseFile(path string) ([]Reading, error) {
	return parseByExtension(path, specularKeys)
}

func (a *SpecularAdapter) Validate(r Reading) Validation {
	var v = Validation{IsValid: true}
	requireEye(&v, r)
	requireField(&v, r, "ecd")
	checkRange(&v, r, "ecd", 200, 5000)
	checkRange(&v, r, "cv", 0, 100)
	checkRange(&v, r, "hexagonality", 0, 100)
	checkRange(&v, r, "cct", 300, 900)
	checkRange(&v, r, "cellCount", 1, 1000)
	return v
}

func (a *SpecularAdapter) Transform(r Reading) (*store.Measurement, error) {
	var ecd, ok = r.Num("ecd")
	if !ok {
		return nil, fmt.Errorf("reading has no numeric ECD")
	}

	var data = map[string]any{"ecd": ecd}
	var factors = []store.QualityFactor{
		gradedFactor("endothelialCellDensity", ecd, specECDNormal, true),
	}
	var findings []string

	if cv, ok := r.Num("cv"); ok {
		data["cv"] = cv
		factors = append(factors, gradedFactor("coefficientOfVariation", cv, specCVThreshold, false))
		if cv > specCVThreshold {
			findings = append(findings, fmt.Sprintf("polymegethism: CV %.0f%% exceeds %d%%", cv, specCVThreshold))
		}
	}
	if hex, ok := r.Num("hexagonality"); ok {
		data["hexagonality"] = hex
		factors = append(factors, gradedFactor("hexagonality", hex, specHexThreshold, true))
		if hex < specHexThreshold {
			findings = append(findings, fmt.Sprintf("pleomorphism: hexagonality %.0f%% below %d%%", hex, specHexThreshold))
		}
	}
	if area, ok := r.Num("avgCellArea"); ok {
		data["avgCellArea"] = area
	}
	if cct, ok := r.Num("cct"); ok {
		data["cct"] = cct
		if cct < specCCTThinLimit {
			findings = append(findings, fmt.Sprintf("thin cornea: CCT %.0f µm", cct))
		} else if cct > specCCTThickLimit {
			findings = append(findings, fmt.Sprintf("thick cornea: CCT %.0f µm", cct))
		}
	}
	if n, ok := r.Num("cellCount"); ok {
		data["cellCount"] = n
		factors = append(factors, gradedFactor("analyzedCellCount", n, specCellCountMin, true))
	}

	var interpretation string
	switch {
	case ecd >= specECDNormal:
		interpretation = fmt.Sprintf("Normal endothelium: ECD %.0f cells/mm².", ecd)
	case ecd >= specECDLow:
		interpretation = fmt.Sprintf("Borderline endothelial cell density: ECD %.0f cells/mm².", ecd)
		findings = append(findings, "reduced cell density")
	default:
		interpretation = fmt.Sprintf("Low endothelial cell density: ECD %.0f cells/mm². Correlate before intraocular surgery.", ecd)
		findings = append(findings, "endothelial insufficiency risk")
	}

	var m = &store.Measurement{
		MeasurementType: "specular_microscopy",
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

// ExtractDemographics pulls patient identity out of exports that embed
// it. Confidence reflects how much identity the export carried.
func (a *SpecularAdapter) ExtractDemographics(r Reading) *Demographics {
	return demographicsFromReading(r)
}

// demographicsFromReading is shared by adapters whose formats embed the
// same identity fields.
func demographicsFromReading(r Reading) *Demographics {
	var d = &Demographics{
		PatientID:   strings.TrimSpace(r.Str("patient id")),
		DateOfBirth: strings.TrimSpace(r.Str("date of birth")),
		Gender:      strings.TrimSpace(r.Str("gender")),
		Laterality:  normalizeEye(r.Str("eye")),
	}
	if name := strings.TrimSpace(r.Str("patient name")); name != "" {
		// Vendor exports write "LAST, First" or "LAST First".
		if last, first, ok := strings.Cut(name, ","); ok {
			d.LastName = strings.TrimSpace(last)
			d.FirstName = strings.TrimSpace(first)
		} else if fields := strings.Fields(name); len(fields) > 1 {
			d.LastName = fields[0]
			d.FirstName = strings.Join(fields[1:], " ")
		} else {
			d.LastName = name
		}
	}

	if d.PatientID != "" {
		d.Confidence += 0.4
	}
	if d.LastName != "" {
		d.Confidence += 0.3
	}
	if d.FirstName != "" {
		d.Confidence += 0.1
	}
	if d.DateOfBirth != "" {
		d.Confidence += 0.2
	}
	if d.Confidence == 0 {
		return nil
	}
	return d
}
