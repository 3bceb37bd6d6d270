package adapter

import (
	"strings"

	"github.com/irisemr/devicebridge/store"
)

// Validation helpers shared by the adapters.

// requireField fails |v| when |key| is absent or blank.
func requireField(v *Validation, r Reading, key string) {
	if strings.TrimSpace(r.Str(key)) == "" {
		v.fail("missing required field %q", key)
	}
}

// requireEye fails |v| unless the reading carries a recognized
// laterality designator.
func requireEye(v *Validation, r Reading) {
	switch normalizeEye(r.Str("eye")) {
	case store.EyeRight, store.EyeLeft, store.EyeBoth:
	default:
		v.fail("field %q must be one of OD, OS, OU", "eye")
	}
}

// checkRange fails |v| when |key| is present but outside [min, max].
// Absent optional fields pass.
func checkRange(v *Validation, r Reading, key string, min, max float64) {
	if _, present := r[key]; !present {
		return
	}
	var val, ok = r.Num(key)
	if !ok {
		v.fail("field %q is not numeric", key)
		return
	}
	if val < min || val > max {
		v.fail("field %q value %g outside range [%g, %g]", key, val, min, max)
	}
}

// normalizeEye maps vendor laterality spellings onto OD/OS/OU.
func normalizeEye(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OD", "R", "RIGHT", "DROIT", "D":
		return store.EyeRight
	case "OS", "OG", "L", "LEFT", "GAUCHE", "G":
		return store.EyeLeft
	case "OU", "B", "BOTH", "BINOCULAR":
		return store.EyeBoth
	}
	return ""
}

// gradedFactor scores one quality component. Direction matters: cell
// density should exceed its threshold, variation should stay under it.
func gradedFactor(name string, value, threshold float64, higherIsBetter bool) store.QualityFactor {
	var acceptable = value >= threshold
	if !higherIsBetter {
		acceptable = value <= threshold
	}
	return store.QualityFactor{Name: name, Value: value, Threshold: threshold, Acceptable: acceptable}
}

// qualityFrom assembles the measurement quality block. The overall
// score is the acceptable fraction of factors on a 0-100 scale.
func qualityFrom(factors []store.QualityFactor, interpretation string, findings []string) *store.Quality {
	var q = &store.Quality{
		Factors:        factors,
		Interpretation: interpretation,
		Findings:       findings,
	}
	if len(factors) == 0 {
		return q
	}
	var acceptable int
	for _, f := range factors {
		if f.Acceptable {
			acceptable++
		}
	}
	q.Score = 100 * float64(acceptable) / float64(len(factors))
	return q
}
