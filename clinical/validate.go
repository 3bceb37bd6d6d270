package clinical

import (
	"fmt"
	"regexp"

	"github.com/irisemr/devicebridge/shellsafe"
)

// Clinical value ranges. Diopters for refraction, degrees for axes,
// mmHg for pressure.
const (
	SphereMin   = -25
	SphereMax   = 25
	CylinderMin = -10
	CylinderMax = 10
	AxisMin     = 0
	AxisMax     = 180
	AdditionMin = 0.25
	AdditionMax = 4.0
	IOPMin      = 0
	IOPMax      = 60
	KMin        = 30
	KMax        = 60
)

var (
	objectIDRe = regexp.MustCompile(`^[a-f0-9]{24}$`)

	// Visual acuity notations: Monoyer tenths ("8/10"), decimal
	// ("0.8"), Parinaud near-vision ("P2", "P1.5"), or a generic n/m
	// fraction ("20/40"). Count-fingers and light-perception shorthand
	// pass as-is.
	vaFractionRe = regexp.MustCompile(`^\d{1,3}(\.\d+)?/\d{1,3}(\.\d+)?$`)
	vaDecimalRe  = regexp.MustCompile(`^[0-2](\.\d{1,2})?$`)
	vaParinaudRe = regexp.MustCompile(`^P\d{1,2}(\.\d)?$`)
	vaSpecialRe  = regexp.MustCompile(`^(CLD|VBLM|PL|PL\+|PL-|NLP)$`)
)

// ValidateObjectID checks the opaque document ID format (24 lowercase
// hex characters) before it reaches a query.
func ValidateObjectID(id, field string) error {
	if !objectIDRe.MatchString(id) {
		return &shellsafe.ValidationError{Field: field, Reason: "is not a valid document ID"}
	}
	return nil
}

// ValidateVisualAcuity accepts Monoyer, Parinaud, decimal, and n/m
// fraction notations.
func ValidateVisualAcuity(va, field string) error {
	if va == "" {
		return nil
	}
	if vaFractionRe.MatchString(va) || vaDecimalRe.MatchString(va) ||
		vaParinaudRe.MatchString(va) || vaSpecialRe.MatchString(va) {
		return nil
	}
	return &shellsafe.ValidationError{Field: field, Reason: fmt.Sprintf("%q is not a recognized visual acuity notation", va)}
}

// checkRange validates an optional numeric field.
func checkRange(v *float64, min, max float64, field string) error {
	if v == nil {
		return nil
	}
	if *v < min || *v > max {
		return &shellsafe.ValidationError{
			Field:  field,
			Reason: fmt.Sprintf("value %g outside range [%g, %g]", *v, min, max),
		}
	}
	return nil
}
