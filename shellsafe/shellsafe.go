// Package shellsafe validates and sanitizes externally sourced strings
// before they're used to build filesystem paths or subprocess arguments.
// Device hosts, share names, and mount paths all arrive from operator
// configuration or webhook payloads and must never reach a shell or a
// path join unchecked.
package shellsafe

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

// ValidationError identifies the offending field. Callers surface these
// as 400-class responses.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Characters that change meaning under a POSIX shell, plus quotes and
// escapes. Newlines are included so log lines can't be forged either.
const shellMeta = ";&|$`<>(){}\n\r\t'\"\\*?!"

var (
	hostLabelRe = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]*[A-Za-z0-9])?$`)
	shareRe     = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._ -]{0,78}[A-Za-z0-9]$|^[A-Za-z0-9]$`)
	pathSegRe   = regexp.MustCompile(`^[A-Za-z0-9._ -]+$`)
)

// ValidateHost accepts an IPv4/IPv6 address or an RFC 1123 hostname of
// at most 253 bytes. Anything containing shell metacharacters or
// whitespace is rejected.
func ValidateHost(s string) error {
	if s == "" {
		return &ValidationError{Field: "host", Reason: "must not be empty"}
	} else if len(s) > 253 {
		return &ValidationError{Field: "host", Reason: "exceeds 253 characters"}
	} else if strings.ContainsAny(s, shellMeta+" ") {
		return &ValidationError{Field: "host", Reason: "contains unsafe characters"}
	}
	if ip := net.ParseIP(s); ip != nil {
		return nil
	}
	for _, label := range strings.Split(s, ".") {
		if !hostLabelRe.MatchString(label) {
			return &ValidationError{Field: "host", Reason: fmt.Sprintf("label %q is not a valid hostname component", label)}
		}
	}
	return nil
}

// ValidateShareName accepts SMB share names: 1-80 characters drawn from
// letters, digits, and `._ -`, with no path separators and no `..`.
// `$` is shell metacharacter territory, so administrative shares like
// C$ are rejected with the rest of it.
func ValidateShareName(s string) error {
	if s == "" {
		return &ValidationError{Field: "share", Reason: "must not be empty"}
	} else if strings.ContainsAny(s, `/\`) {
		return &ValidationError{Field: "share", Reason: "must not contain path separators"}
	} else if strings.Contains(s, "..") {
		return &ValidationError{Field: "share", Reason: "must not contain '..'"}
	} else if strings.ContainsAny(s, shellMeta) {
		return &ValidationError{Field: "share", Reason: "contains unsafe characters"}
	} else if !shareRe.MatchString(s) {
		return &ValidationError{Field: "share", Reason: "must be 1-80 characters of letters, digits, or ._-"}
	}
	return nil
}

// ValidateMountPath accepts absolute POSIX paths with no traversal
// segments. Used for locally mounted shares handed to the watcher.
func ValidateMountPath(s string) error {
	if s == "" {
		return &ValidationError{Field: "mountPath", Reason: "must not be empty"}
	} else if len(s) > 4096 {
		return &ValidationError{Field: "mountPath", Reason: "exceeds 4096 bytes"}
	} else if !strings.HasPrefix(s, "/") {
		return &ValidationError{Field: "mountPath", Reason: "must be absolute"}
	} else if strings.ContainsAny(s, shellMeta) {
		return &ValidationError{Field: "mountPath", Reason: "contains unsafe characters"}
	}
	for _, seg := range strings.Split(strings.Trim(s, "/"), "/") {
		if seg == ".." {
			return &ValidationError{Field: "mountPath", Reason: "must not contain '..' segments"}
		} else if seg != "" && !pathSegRe.MatchString(seg) {
			return &ValidationError{Field: "mountPath", Reason: fmt.Sprintf("segment %q contains unsafe characters", seg)}
		}
	}
	return nil
}

// ValidateShellSafe rejects strings carrying shell metacharacters or
// traversal segments. |field| names the input in the returned error.
func ValidateShellSafe(s, field string) error {
	if strings.ContainsAny(s, shellMeta) {
		return &ValidationError{Field: field, Reason: "contains shell metacharacters"}
	} else if strings.Contains(s, "..") {
		return &ValidationError{Field: field, Reason: "must not contain '..'"}
	}
	return nil
}

// SanitizeForFilesystem reduces |s| to a bounded ASCII token safe to use
// as a local file name: letters, digits, and ._- pass through, spaces
// become underscores, and everything else is dropped. Output is capped
// at 128 bytes and never empty.
func SanitizeForFilesystem(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteByte(byte(r))
		case r == ' ':
			b.WriteByte('_')
		}
	}
	var out = b.String()
	if len(out) > 128 {
		out = out[:128]
	}
	if out == "" || out == "." || out == ".." {
		return "unnamed"
	}
	return out
}
