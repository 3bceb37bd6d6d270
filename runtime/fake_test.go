package runtime

import (
	"context"
	"fmt"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/irisemr/devicebridge/smb"
	"github.com/irisemr/devicebridge/store"
)

// memFS is an in-memory share tree for pool-backed tests, keyed by
// normalized POSIX paths. The root directory is the empty key.
type memFS struct {
	mu    sync.Mutex
	dirs  map[string]bool
	files map[string]memFile
}

type memFile struct {
	data    []byte
	modTime time.Time
}

func newMemFS() *memFS {
	return &memFS{dirs: map[string]bool{"": true}, files: make(map[string]memFile)}
}

func (fs *memFS) addFile(p string, data []byte, modTime time.Time) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	p = smb.NormalizePOSIX(p)
	for dir := parentDir(p); dir != ""; dir = parentDir(dir) {
		fs.dirs[dir] = true
	}
	fs.files[p] = memFile{data: data, modTime: modTime}
}

func parentDir(p string) string {
	var dir = path.Dir(p)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}

type memFileInfo struct {
	name    string
	size    int64
	modTime time.Time
	isDir   bool
}

func (fi memFileInfo) Name() string       { return fi.name }
func (fi memFileInfo) Size() int64        { return fi.size }
func (fi memFileInfo) Mode() os.FileMode  { return 0o644 }
func (fi memFileInfo) ModTime() time.Time { return fi.modTime }
func (fi memFileInfo) IsDir() bool        { return fi.isDir }
func (fi memFileInfo) Sys() any           { return nil }

type memConn struct {
	fs *memFS
}

func (c *memConn) ReadDir(wire string) ([]os.FileInfo, error) {
	var dir = smb.NormalizePOSIX(wire)
	if dir == "." {
		dir = ""
	}
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	if !c.fs.dirs[dir] {
		return nil, fmt.Errorf("%q: %w", dir, os.ErrNotExist)
	}
	var out []os.FileInfo
	for d := range c.fs.dirs {
		if d != "" && parentDir(d) == dir {
			out = append(out, memFileInfo{name: path.Base(d), isDir: true})
		}
	}
	for f, file := range c.fs.files {
		if parentDir(f) == dir {
			out = append(out, memFileInfo{name: path.Base(f), size: int64(len(file.data)), modTime: file.modTime})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

func (c *memConn) ReadFile(wire string) ([]byte, error) {
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	if f, ok := c.fs.files[smb.NormalizePOSIX(wire)]; ok {
		return append([]byte(nil), f.data...), nil
	}
	return nil, fmt.Errorf("%q: %w", wire, os.ErrNotExist)
}

func (c *memConn) WriteFile(wire string, data []byte) error {
	c.fs.addFile(smb.NormalizePOSIX(wire), data, time.Now())
	return nil
}

func (c *memConn) MkdirAll(wire string) error {
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	c.fs.dirs[smb.NormalizePOSIX(wire)] = true
	return nil
}

func (c *memConn) Remove(wire string) error {
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	delete(c.fs.files, smb.NormalizePOSIX(wire))
	return nil
}

func (c *memConn) Stat(wire string) (os.FileInfo, error) {
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	var p = smb.NormalizePOSIX(wire)
	if f, ok := c.fs.files[p]; ok {
		return memFileInfo{name: path.Base(p), size: int64(len(f.data)), modTime: f.modTime}, nil
	}
	if c.fs.dirs[p] {
		return memFileInfo{name: path.Base(p), isDir: true}, nil
	}
	return nil, fmt.Errorf("%q: %w", p, os.ErrNotExist)
}

func (c *memConn) Close() error { return nil }

// memDialer serves memConns, optionally refusing every dial.
type memDialer struct {
	fs     *memFS
	refuse bool
}

func (d *memDialer) Dial(_ context.Context, cfg smb.ConnConfig) (smb.Conn, error) {
	if d.refuse {
		return nil, fmt.Errorf("connect %s: connection refused", cfg.Host)
	}
	return &memConn{fs: d.fs}, nil
}

func smbDevice(id string) *store.Device {
	return &store.Device{
		ID:     id,
		Name:   id,
		Type:   store.DeviceOCT,
		Active: true,
		Connection: store.Connection{
			Protocol: store.ProtocolSMB,
			Host:     "192.168.10.30",
			Share:    "EXPORT",
			Username: "guest",
		},
	}
}
