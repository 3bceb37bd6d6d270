package smb

import (
	"context"
	"fmt"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/irisemr/devicebridge/store"
)

// fakeFS is an in-memory share tree keyed by normalized POSIX paths.
// The root directory is the empty key.
type fakeFS struct {
	mu          sync.Mutex
	dirs        map[string]bool
	files       map[string]*fakeFile
	failReadDir map[string]error
	// lyingDirs are reported with IsDir()==false in listings, the way
	// some servers report junction points. A ReadDir probe still works.
	lyingDirs map[string]bool
}

type fakeFile struct {
	data    []byte
	modTime time.Time
}

func newFakeFS() *fakeFS {
	return &fakeFS{
		dirs:        map[string]bool{"": true},
		files:       make(map[string]*fakeFile),
		failReadDir: make(map[string]error),
		lyingDirs:   make(map[string]bool),
	}
}

func (fs *fakeFS) addDir(p string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	p = NormalizePOSIX(p)
	for p != "" {
		fs.dirs[p] = true
		p = parentOf(p)
	}
}

func (fs *fakeFS) addFile(p string, data []byte, modTime time.Time) {
	fs.addDir(path.Dir(NormalizePOSIX(p)))
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.files[NormalizePOSIX(p)] = &fakeFile{data: data, modTime: modTime}
}

func (fs *fakeFS) removeFile(p string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.files, NormalizePOSIX(p))
}

func parentOf(p string) string {
	var dir = path.Dir(p)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}

type fakeFileInfo struct {
	name    string
	size    int64
	modTime time.Time
	isDir   bool
}

func (fi fakeFileInfo) Name() string       { return fi.name }
func (fi fakeFileInfo) Size() int64        { return fi.size }
func (fi fakeFileInfo) Mode() os.FileMode  { return 0o644 }
func (fi fakeFileInfo) ModTime() time.Time { return fi.modTime }
func (fi fakeFileInfo) IsDir() bool        { return fi.isDir }
func (fi fakeFileInfo) Sys() any           { return nil }

// fakeConn implements Conn over a fakeFS. Wire paths are normalized
// back to POSIX keys.
type fakeConn struct {
	fs     *fakeFS
	closed bool
}

func (c *fakeConn) ReadDir(wire string) ([]os.FileInfo, error) {
	var dir = NormalizePOSIX(wire)
	if dir == "." {
		dir = ""
	}
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()

	if err, ok := c.fs.failReadDir[dir]; ok {
		return nil, err
	}
	if !c.fs.dirs[dir] {
		return nil, fmt.Errorf("%q: %w", dir, os.ErrNotExist)
	}

	var out []os.FileInfo
	for d := range c.fs.dirs {
		if d != "" && parentOf(d) == dir {
			out = append(out, fakeFileInfo{name: path.Base(d), isDir: !c.fs.lyingDirs[d]})
		}
	}
	for f, file := range c.fs.files {
		if parentOf(f) == dir {
			out = append(out, fakeFileInfo{
				name:    path.Base(f),
				size:    int64(len(file.data)),
				modTime: file.modTime,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

func (c *fakeConn) ReadFile(wire string) ([]byte, error) {
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	if f, ok := c.fs.files[NormalizePOSIX(wire)]; ok {
		return append([]byte(nil), f.data...), nil
	}
	return nil, fmt.Errorf("%q: %w", wire, os.ErrNotExist)
}

func (c *fakeConn) WriteFile(wire string, data []byte) error {
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	c.fs.files[NormalizePOSIX(wire)] = &fakeFile{data: append([]byte(nil), data...), modTime: time.Now()}
	return nil
}

func (c *fakeConn) MkdirAll(wire string) error {
	c.fs.addDir(NormalizePOSIX(wire))
	return nil
}

func (c *fakeConn) Remove(wire string) error {
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	var p = NormalizePOSIX(wire)
	if _, ok := c.fs.files[p]; ok {
		delete(c.fs.files, p)
		return nil
	}
	if c.fs.dirs[p] {
		delete(c.fs.dirs, p)
		return nil
	}
	return fmt.Errorf("%q: %w", p, os.ErrNotExist)
}

func (c *fakeConn) Stat(wire string) (os.FileInfo, error) {
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	var p = NormalizePOSIX(wire)
	if f, ok := c.fs.files[p]; ok {
		return fakeFileInfo{name: path.Base(p), size: int64(len(f.data)), modTime: f.modTime}, nil
	}
	if c.fs.dirs[p] {
		return fakeFileInfo{name: path.Base(p), isDir: true}, nil
	}
	return nil, fmt.Errorf("%q: %w", p, os.ErrNotExist)
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

// fakeDialer serves fakeConns, optionally failing the first N dials.
type fakeDialer struct {
	mu       sync.Mutex
	fs       *fakeFS
	failures int
	dials    int
}

func (d *fakeDialer) Dial(_ context.Context, cfg ConnConfig) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failures > 0 {
		d.failures--
		return nil, fmt.Errorf("connect %s: connection refused", cfg.Host)
	}
	return &fakeConn{fs: d.fs}, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func testDevice(id string) *store.Device {
	return &store.Device{
		ID:     id,
		Name:   id,
		Type:   store.DeviceOCT,
		Active: true,
		Connection: store.Connection{
			Protocol: store.ProtocolSMB,
			Host:     "192.168.10.20",
			Share:    "DATA",
			Username: "guest",
		},
	}
}
