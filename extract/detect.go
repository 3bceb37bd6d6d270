package extract

import (
	"regexp"
	"strings"

	"github.com/irisemr/devicebridge/store"
)

// Device-type detection from paths. Manufacturer names and model lines
// are strong signals; generic modality words are weaker and checked
// after.
type detectRule struct {
	deviceType string
	tokens     []string
	pattern    *regexp.Regexp
}

var detectRules = []detectRule{
	{
		deviceType: store.DeviceOCT,
		tokens:     []string{"cirrus", "spectralis", "triton", "optovue", "heidelberg"},
		// Underscore counts as a word character, so \b misses
		// "_OCT_"-style tokens; the class form does not.
		pattern:    regexp.MustCompile(`(?i)(^|[_\W])oct([_\W]|$)`),
	},
	{
		deviceType: store.DeviceSpecular,
		tokens:     []string{"cellchek", "konan", "tomey", "specular"},
		pattern:    regexp.MustCompile(`(?i)(^|[_\W])(em-?\d|sp-?\d)`),
	},
	{
		deviceType: store.DeviceTonometer,
		tokens:     []string{"icare", "reichert", "tonoref", "tono"},
		pattern:    regexp.MustCompile(`(?i)(^|[_\W])(iop|nt-?\d)`),
	},
	{
		deviceType: store.DeviceRefractor,
		tokens:     []string{"autoref", "nidek", "huvitz"},
		pattern:    regexp.MustCompile(`(?i)(^|[_\W])(ar|kr|hrk)-?\d`),
	},
	{
		deviceType: store.DeviceFundus,
		tokens:     []string{"visucam", "retino", "fundus", "nonmyd"},
		pattern:    regexp.MustCompile(`(?i)(^|[_\W])cr-?\d`),
	},
}

// DetectDeviceType infers the source device category from a file path
// or name. Returns "" when nothing matches.
func DetectDeviceType(path string) string {
	var lower = strings.ToLower(path)
	for _, rule := range detectRules {
		for _, tok := range rule.tokens {
			if strings.Contains(lower, tok) {
				return rule.deviceType
			}
		}
	}
	for _, rule := range detectRules {
		if rule.pattern != nil && rule.pattern.MatchString(path) {
			return rule.deviceType
		}
	}
	return ""
}
