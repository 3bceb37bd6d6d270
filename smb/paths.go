// Package smb is the device-access layer: pooled SMB2/3 connections
// with health tracking and reconnect, a TTL'd local file cache, bounded
// recursive scans, and change-detection polling. Callers use POSIX
// paths throughout; the wire form is internal.
package smb

import (
	"path"
	"strings"
)

// NormalizePOSIX cleans a caller-supplied path into the canonical
// relative POSIX form used as cache keys and in results.
func NormalizePOSIX(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}

// ToWire converts a POSIX path to the backslash form SMB wants.
// Leading separators are stripped; shares are always addressed
// relative to their root.
func ToWire(p string) string {
	return strings.ReplaceAll(NormalizePOSIX(p), "/", `\`)
}

// JoinPOSIX joins path segments into a normalized relative POSIX path.
func JoinPOSIX(parts ...string) string {
	return NormalizePOSIX(path.Join(parts...))
}

// baseName returns the final POSIX segment.
func baseName(p string) string {
	return path.Base("/" + NormalizePOSIX(p))
}
