package adapter

import (
	"fmt"

	"github.com/irisemr/devicebridge/store"
)

// Refraction clinical ranges, in diopters and degrees.
const (
	sphereMin   = -25
	sphereMax   = 25
	cylinderMin = -10
	cylinderMax = 10
	axisMin     = 0
	axisMax     = 180
	additionMin = 0.25
	additionMax = 4.0
)

var refractorKeys = map[string]string{
	"sph":            "sphere",
	"sphere":         "sphere",
	"s":              "sphere",
	"cyl":            "cylinder",
	"cylinder":       "cylinder",
	"c":              "cylinder",
	"ax":             "axis",
	"axis":           "axis",
	"a":              "axis",
	"add":            "addition",
	"addition":       "addition",
	"k1":             "k1",
	"r1":             "k1",
	"k2":             "k2",
	"r2":             "k2",
	"k axis":         "kAxis",
	"kaxis":          "kAxis",
	"pd":             "pupilDistance",
	"pupil distance": "pupilDistance",
	"reliability":    "reliability",
	"conf":           "reliability",
	"eye":            "eye",
	"laterality":     "eye",
	"side":           "eye",
	"date":           "date",
	"exam date":      "date",
	"patient id":     "patient id",
	"id":             "patient id",
	"patient name":   "patient name",
	"name":           "patient name",
	"dob":            "date of birth",
	"date of birth":  "date of birth",
	"gender":         "gender",
	"sex":            "gender",
}

// RefractorAdapter handles autorefractor/keratometer exports: objective
// refraction plus corneal curvature.
type RefractorAdapter struct{}

func (a *RefractorAdapter) Type() string { return store.DeviceRefractor }

func (a *RefractorAdapter) ParseFile(path string) ([]Reading, error) {
	return parseByExtension(path, refractorKeys)
}

func (a *RefractorAdapter) Validate(r Reading) Validation {
	var v = Validation{IsValid: true}
	requireEye(&v, r)
	requireField(&v, r, "sphere")
	checkRange(&v, r, "sphere", sphereMin, sphereMax)
	checkRange(&v, r, "cylinder", cylinderMin, cylinderMax)
	checkRange(&v, r, "axis", axisMin, axisMax)
	checkRange(&v, r, "addition", additionMin, additionMax)
	checkRange(&v, r, "k1", 30, 60)
	checkRange(&v, r, "k2", 30, 60)
	checkRange(&v, r, "kAxis", axisMin, axisMax)
	return v
}

func (a *RefractorAdapter) Transform(r Reading) (*store.Measurement, error) {
	var sphere, ok = r.Num("sphere")
	if !ok {
		return nil, fmt.Errorf("reading has no numeric sphere")
	}

	var data = map[string]any{"sphere": sphere}
	for _, key := range []string{"cylinder", "axis", "addition", "k1", "k2", "kAxis", "pupilDistance"} {
		if v, ok := r.Num(key); ok {
			data[key] = v
		}
	}

	var factors []store.QualityFactor
	var findings []string
	if rel, ok := r.Num("reliability"); ok {
		// Vendors report reliability 0-9 or 0-100; normalize to percent.
		if rel <= 9 {
			rel *= 100.0 / 9
		}
		data["reliability"] = rel
		factors = append(factors, gradedFactor("reliability", rel, 60, true))
	}

	var cylinder, _ = r.Num("cylinder")
	var spherical = sphere + cylinder/2
	var interpretation string
	switch {
	case spherical <= -0.5:
		interpretation = fmt.Sprintf("Myopia: spherical equivalent %.2f D.", spherical)
	case spherical >= 0.5:
		interpretation = fmt.Sprintf("Hyperopia: spherical equivalent %.2f D.", spherical)
	default:
		interpretation = fmt.Sprintf("Emmetropia: spherical equivalent %.2f D.", spherical)
	}
	if cylinder <= -1.5 || cylinder >= 1.5 {
		findings = append(findings, fmt.Sprintf("significant astigmatism: %.2f D", cylinder))
	}
	if k1, ok := r.Num("k1"); ok {
		if k2, ok := r.Num("k2"); ok && k2-k1 >= 2 {
			findings = append(findings, fmt.Sprintf("high corneal astigmatism: ΔK %.2f D", k2-k1))
		}
	}

	var m = &store.Measurement{
		MeasurementType: "auto_refraction",
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

func (a *RefractorAdapter) ExtractDemographics(r Reading) *Demographics {
	return demographicsFromReading(r)
}
