package smb

import (
	"context"
	"fmt"
	"os"
	"path"
	"regexp"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Scan bounds. Deep archive shares hold decades of exports; every walk
// is capped.
const (
	DefaultScanDepth = 10
	DefaultScanFiles = 5000
)

// Entry is one file or directory observed on a share. Paths are POSIX,
// relative to the share root.
type Entry struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	IsDir     bool      `json:"isDir"`
	Size      int64     `json:"size"`
	Modified  time.Time `json:"modified"`
	Extension string    `json:"extension,omitempty"`
	IsImage   bool      `json:"isImage,omitempty"`
	IsPDF     bool      `json:"isPdf,omitempty"`
	IsXML     bool      `json:"isXml,omitempty"`
	IsDICOM   bool      `json:"isDicom,omitempty"`
}

var imageExts = map[string]bool{
	"jpg": true, "jpeg": true, "png": true, "gif": true,
	"bmp": true, "tif": true, "tiff": true,
}

var dicomExts = map[string]bool{"dcm": true, "dicom": true}

func newEntry(posixPath string, fi os.FileInfo, isDir bool) Entry {
	var e = Entry{
		Name:     fi.Name(),
		Path:     posixPath,
		IsDir:    isDir,
		Size:     fi.Size(),
		Modified: fi.ModTime(),
	}
	if !isDir {
		e.Extension = strings.TrimPrefix(strings.ToLower(path.Ext(fi.Name())), ".")
		e.IsImage = imageExts[e.Extension]
		e.IsPDF = e.Extension == "pdf"
		e.IsXML = e.Extension == "xml"
		e.IsDICOM = dicomExts[e.Extension]
	}
	return e
}

// ScanOptions bound and filter a recursive walk.
type ScanOptions struct {
	MaxDepth      int
	MaxFiles      int
	FilePattern   *regexp.Regexp
	Extensions    []string
	ModifiedAfter time.Time
}

func (o ScanOptions) withDefaults() ScanOptions {
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultScanDepth
	}
	if o.MaxFiles <= 0 {
		o.MaxFiles = DefaultScanFiles
	}
	return o
}

// ScanResult is the outcome of one bounded walk.
type ScanResult struct {
	Files        []Entry `json:"files"`
	Directories  []Entry `json:"directories"`
	ScannedPaths int     `json:"scannedPaths"`
	Truncated    bool    `json:"truncated"`
}

// Scan walks |conn| depth-first from |base|, collecting files that pass
// the filters. Children of |base| are at depth 1. Either bound being
// hit sets Truncated. Errors inside a subtree are logged and skipped so
// one unreadable directory doesn't void the whole scan; only a failure
// to read |base| itself is returned.
func Scan(ctx context.Context, conn Conn, base string, opts ScanOptions) (*ScanResult, error) {
	opts = opts.withDefaults()
	base = NormalizePOSIX(base)

	var allow map[string]bool
	if len(opts.Extensions) > 0 {
		allow = make(map[string]bool, len(opts.Extensions))
		for _, ext := range opts.Extensions {
			allow[strings.TrimPrefix(strings.ToLower(ext), ".")] = true
		}
	}

	var out = &ScanResult{}
	var accept = func(e Entry) bool {
		if opts.FilePattern != nil && !opts.FilePattern.MatchString(e.Name) {
			return false
		}
		if allow != nil && !allow[e.Extension] {
			return false
		}
		if !opts.ModifiedAfter.IsZero() && !e.Modified.After(opts.ModifiedAfter) {
			return false
		}
		return true
	}

	// walk lists |dir| whose children sit at |childDepth|. It returns
	// false when the file cap was hit and the walk must stop.
	var walk func(dir string, childDepth int) bool
	walk = func(dir string, childDepth int) bool {
		if ctx.Err() != nil {
			return false
		}
		var entries, err = conn.ReadDir(ToWire(dir))
		if err != nil {
			log.WithField("path", dir).WithError(err).Warn("scan: skipping unreadable directory")
			scanSkippedDirs.Inc()
			return true
		}
		out.ScannedPaths++

		for _, fi := range entries {
			var name = fi.Name()
			if name == "." || name == ".." {
				continue
			}
			var child = JoinPOSIX(dir, name)
			if fi.IsDir() {
				out.Directories = append(out.Directories, newEntry(child, fi, true))
				if childDepth+1 > opts.MaxDepth {
					out.Truncated = true
					continue
				}
				if !walk(child, childDepth+1) {
					return false
				}
				continue
			}
			var e = newEntry(child, fi, false)
			if !accept(e) {
				continue
			}
			if len(out.Files) >= opts.MaxFiles {
				out.Truncated = true
				return false
			}
			out.Files = append(out.Files, e)
		}
		return true
	}

	// The base directory must be readable or the scan is meaningless.
	if _, err := conn.ReadDir(ToWire(base)); err != nil {
		return nil, fmt.Errorf("reading scan base %q: %w", base, err)
	}
	walk(base, 1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
