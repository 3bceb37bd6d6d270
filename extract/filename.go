package extract

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/irisemr/devicebridge/store"
)

// Filename parsing. Device export names follow loose site conventions,
// most commonly LAST_FIRST_ID_YYYYMMDD with optional gender, laterality,
// and device tokens appended. Scoring is additive per recovered field:
// 0.30 last name, 0.20 first name, 0.25 patient ID, 0.25 date of birth,
// capped at 1.0.
const (
	scoreLastName  = 0.30
	scoreFirstName = 0.20
	scorePatientID = 0.25
	scoreDOB       = 0.25
)

var (
	dobToken     = regexp.MustCompile(`^\d{8}$`)
	idToken      = regexp.MustCompile(`^(?:[A-Za-z]{1,3}[-]?\d{3,}|\d{4,})$`)
	nameToken    = regexp.MustCompile(`^[A-Za-zÀ-ÿ][A-Za-zÀ-ÿ'-]*$`)
	genderToken = regexp.MustCompile(`^[MFmf]$`)
	// \b does not fire between `_` and a letter, so delimiters are
	// matched explicitly: underscore-joined names are the common case.
	lateralityRe = regexp.MustCompile(`(?i)(?:^|[^a-zà-ÿ])(OD|OS|OU|right|left|both|droite|droit|gauche)(?:[^a-zà-ÿ]|$)`)
)

// Fixed export forms some devices emit that the generic tokenizer
// misreads. A hit pre-fills fields; the token pass fills the rest.
var devicePatterns = map[string]*regexp.Regexp{
	store.DeviceOCT:      regexp.MustCompile(`^(?P<last>[A-Za-zÀ-ÿ'-]+)\^(?P<first>[A-Za-zÀ-ÿ'-]+)`),
	store.DeviceSpecular: regexp.MustCompile(`^(?P<id>[A-Za-z]{1,3}-?\d{3,})[-_]`),
}

// deviceNoise is dropped from filenames before token classification:
// device and format words that would otherwise be read as names.
var deviceNoise = map[string]bool{
	"oct": true, "scan": true, "img": true, "image": true, "export": true,
	"report": true, "topo": true, "fundus": true, "retino": true,
	"spec": true, "specular": true, "pachy": true, "iop": true,
	"ar": true, "kr": true, "copy": true,
}

// ParseFilename recovers identity fields from a device export name.
// Returns nil when the name carries nothing recognizable.
func ParseFilename(name, deviceType string) *PatientInfo {
	var stem = strings.TrimSuffix(name, filepath.Ext(name))
	var tokens = strings.FieldsFunc(stem, func(r rune) bool {
		return r == '_' || r == ' ' || r == '.'
	})

	var info = &PatientInfo{}
	if re := devicePatterns[deviceType]; re != nil {
		if m := re.FindStringSubmatch(stem); m != nil {
			for i, group := range re.SubexpNames() {
				switch group {
				case "last":
					info.LastName = m[i]
				case "first":
					info.FirstName = m[i]
				case "id":
					info.PatientID = m[i]
				}
			}
		}
	}

	var names []string
	for _, tok := range tokens {
		switch {
		case dobToken.MatchString(tok):
			if t, ok := ParseDate(tok); ok && info.DateOfBirth == nil {
				info.DateOfBirth = &t
			}
		case isLateralityToken(tok):
			if info.Laterality == "" {
				info.Laterality = ExtractLaterality(tok)
			}
		case genderToken.MatchString(tok):
			if info.Gender == "" {
				info.Gender = normalizeGender(tok)
			}
		case idToken.MatchString(tok):
			if info.PatientID == "" {
				info.PatientID = tok
			}
		case nameToken.MatchString(tok) && !deviceNoise[strings.ToLower(tok)]:
			names = append(names, tok)
		}
	}
	// Site convention puts the family name first.
	if len(names) > 0 && info.LastName == "" {
		info.LastName = names[0]
	}
	if len(names) > 1 && info.FirstName == "" {
		info.FirstName = names[1]
	}
	if info.Laterality == "" {
		info.Laterality = ExtractLaterality(stem)
	}

	if info.empty() {
		return nil
	}
	if info.LastName != "" {
		info.Confidence += scoreLastName
	}
	if info.FirstName != "" {
		info.Confidence += scoreFirstName
	}
	if info.PatientID != "" {
		info.Confidence += scorePatientID
	}
	if info.DateOfBirth != nil {
		info.Confidence += scoreDOB
	}
	if info.Confidence > 1 {
		info.Confidence = 1
	}
	return info
}

func isLateralityToken(tok string) bool {
	switch strings.ToUpper(tok) {
	case "OD", "OS", "OU":
		return true
	}
	return false
}

// ExtractLaterality scans |s| for an eye designation: OD/OS/OU tokens
// or French/English eye words. Returns "" when none is found.
func ExtractLaterality(s string) string {
	var m = lateralityRe.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	switch strings.ToLower(m[1]) {
	case "od", "right", "droit", "droite":
		return "OD"
	case "os", "left", "gauche":
		return "OS"
	case "ou", "both":
		return "OU"
	}
	return ""
}
