package smb

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/irisemr/devicebridge/events"
	"github.com/irisemr/devicebridge/shellsafe"
	"github.com/irisemr/devicebridge/store"
)

// ReconnectConfig bounds the exponential-backoff reconnect loop.
type ReconnectConfig struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Disabled          bool
}

// DefaultReconnect is the production reconnect policy.
var DefaultReconnect = ReconnectConfig{
	MaxAttempts:       5,
	BaseDelay:         time.Second,
	MaxDelay:          60 * time.Second,
	BackoffMultiplier: 2,
}

// delayFor returns the backoff before reconnect attempt |n| (1-based).
func (rc ReconnectConfig) delayFor(n int) time.Duration {
	var d = time.Duration(float64(rc.BaseDelay) * math.Pow(rc.BackoffMultiplier, float64(n-1)))
	if d > rc.MaxDelay {
		d = rc.MaxDelay
	}
	return d
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	Reconnect     ReconnectConfig
	CacheCapacity int
	CacheTTL      time.Duration
	// TempDir receives downloaded files; empty means os.TempDir.
	TempDir string
}

// handle is the at-most-one connection record per device.
type handle struct {
	conn                Conn
	cfg                 ConnConfig
	connectedAt         time.Time
	healthy             bool
	lastCheck           time.Time
	lastError           string
	consecutiveFailures int
	reconnectAttempts   int
}

// Pool owns SMB connections keyed by device ID, the shared read cache,
// and the reconnect policy. All file access by the rest of the system
// goes through it.
type Pool struct {
	dialer Dialer
	bus    *events.Bus
	cache  *Cache
	cfg    PoolConfig

	mu      sync.Mutex
	handles map[string]*handle

	// sleep is swapped by tests to skip real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPool returns a Pool using |dialer| and broadcasting on |bus|.
func NewPool(dialer Dialer, bus *events.Bus, cfg PoolConfig) *Pool {
	if cfg.Reconnect.MaxAttempts == 0 {
		cfg.Reconnect = DefaultReconnect
	}
	return &Pool{
		dialer:  dialer,
		bus:     bus,
		cache:   NewCache(cfg.CacheCapacity, cfg.CacheTTL),
		cfg:     cfg,
		handles: make(map[string]*handle),
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	var t = time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cache exposes the pool's file cache for stats and shutdown.
func (p *Pool) Cache() *Cache { return p.cache }

func configFor(device *store.Device) ConnConfig {
	return ConnConfig{
		Host:     device.Connection.Host,
		Share:    device.Connection.Share,
		Domain:   device.Connection.Domain,
		Username: device.Connection.Username,
		Password: device.Connection.Password,
	}
}

// acquire returns a healthy connection for |device|, dialing (and, when
// allowed, reconnecting with backoff) as needed.
func (p *Pool) acquire(ctx context.Context, device *store.Device, skipRetry bool) (Conn, error) {
	p.mu.Lock()
	if h, ok := p.handles[device.ID]; ok && h.healthy {
		h.lastCheck = time.Now()
		var conn = h.conn
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	return p.connect(ctx, device, skipRetry)
}

// connect dials a fresh connection, replacing any stale handle. On
// failure it runs the reconnect loop unless retries are skipped or
// disabled.
func (p *Pool) connect(ctx context.Context, device *store.Device, skipRetry bool) (Conn, error) {
	var cfg = configFor(device)

	var conn, err = p.dialOnce(ctx, device, cfg)
	if err == nil {
		return conn, nil
	}
	if skipRetry || p.cfg.Reconnect.Disabled {
		return nil, err
	}
	return p.reconnect(ctx, device, cfg, err)
}

// dialOnce performs a single dial attempt and updates handle health.
func (p *Pool) dialOnce(ctx context.Context, device *store.Device, cfg ConnConfig) (Conn, error) {
	var conn, err = p.dialer.Dial(ctx, cfg)

	p.mu.Lock()
	defer p.mu.Unlock()
	var h = p.handles[device.ID]
	if h == nil {
		h = &handle{cfg: cfg}
		p.handles[device.ID] = h
	}
	h.lastCheck = time.Now()

	if err != nil {
		h.healthy = false
		h.lastError = err.Error()
		h.consecutiveFailures++
		connectsTotal.WithLabelValues("error").Inc()
		p.bus.PublishError("smb-pool", fmt.Errorf("device %s: %w", device.ID, err))
		return nil, err
	}

	if h.conn != nil {
		// Replace the dead connection; close errors are best-effort.
		if closeErr := h.conn.Close(); closeErr != nil {
			log.WithField("device", device.ID).WithError(closeErr).Debug("closing stale connection")
		}
	}
	h.conn = conn
	h.cfg = cfg
	h.connectedAt = time.Now()
	h.healthy = true
	h.lastError = ""
	h.consecutiveFailures = 0
	h.reconnectAttempts = 0
	connectsTotal.WithLabelValues("ok").Inc()
	return conn, nil
}

// reconnect retries the dial with exponential backoff. The failed
// initial dial counts as attempt 1, so the first retry is attempt 2.
// The loop form bounds work regardless of the attempt budget.
func (p *Pool) reconnect(ctx context.Context, device *store.Device, cfg ConnConfig, dialErr error) (Conn, error) {
	var rc = p.cfg.Reconnect
	for n := 1; n <= rc.MaxAttempts; n++ {
		var delay = rc.delayFor(n)
		p.setReconnectAttempts(device.ID, n)
		reconnectsTotal.Inc()
		p.bus.Publish(events.Reconnecting, events.DeviceEvent{
			DeviceID: device.ID,
			Attempt:  n + 1,
			DelayMs:  delay.Milliseconds(),
			Error:    dialErr.Error(),
		})
		log.WithFields(log.Fields{
			"device":  device.ID,
			"attempt": n + 1,
			"delay":   delay,
		}).Info("reconnecting to device share")

		if err := p.sleep(ctx, delay); err != nil {
			return nil, err
		}
		var conn, err = p.dialOnce(ctx, device, cfg)
		if err == nil {
			p.bus.Publish(events.Reconnected, events.DeviceEvent{DeviceID: device.ID, Attempt: n + 1})
			return conn, nil
		}
		dialErr = err
	}

	p.bus.Publish(events.ReconnectFailed, events.DeviceEvent{
		DeviceID: device.ID,
		Attempt:  rc.MaxAttempts + 1,
		Error:    dialErr.Error(),
	})
	return nil, fmt.Errorf("device %s unreachable after %d attempts: %w", device.ID, rc.MaxAttempts+1, dialErr)
}

func (p *Pool) setReconnectAttempts(deviceID string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.handles[deviceID]; ok {
		h.reconnectAttempts = n
	}
}

// markUnhealthy records an operation failure so the next acquire
// redials.
func (p *Pool) markUnhealthy(deviceID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.handles[deviceID]; ok {
		h.healthy = false
		h.lastError = err.Error()
		h.consecutiveFailures++
	}
	p.bus.PublishError("smb-pool", fmt.Errorf("device %s: %w", deviceID, err))
}

// TestConnection dials (without retries) and probes the share root.
func (p *Pool) TestConnection(ctx context.Context, device *store.Device) error {
	var conn, err = p.acquire(ctx, device, true)
	if err != nil {
		return err
	}
	if _, err = conn.ReadDir(ToWire(device.Connection.BasePath)); err != nil {
		p.markUnhealthy(device.ID, err)
		return fmt.Errorf("probing share root: %w", err)
	}
	return nil
}

// ListDirectory lists one level of |subpath|. Directories sort by name,
// files newest-first. Entries whose type the server misreports are
// reclassified by probing them as directories.
func (p *Pool) ListDirectory(ctx context.Context, device *store.Device, subpath string) ([]Entry, error) {
	if err := shellsafe.ValidateShellSafe(subpath, "subpath"); err != nil {
		return nil, err
	}
	var conn, err = p.acquire(ctx, device, false)
	if err != nil {
		return nil, err
	}

	var dir = JoinPOSIX(device.Connection.BasePath, subpath)
	infos, err := conn.ReadDir(ToWire(dir))
	if err != nil {
		p.markUnhealthy(device.ID, err)
		return nil, fmt.Errorf("listing %q: %w", dir, err)
	}

	var out []Entry
	for _, fi := range infos {
		if fi.Name() == "." || fi.Name() == ".." {
			continue
		}
		var child = JoinPOSIX(dir, fi.Name())
		var isDir = fi.IsDir()
		if !isDir {
			// Some servers report junctions and DFS links as plain
			// files; a successful directory read settles it.
			if _, probeErr := conn.ReadDir(ToWire(child)); probeErr == nil {
				isDir = true
			}
		}
		out = append(out, newEntry(child, fi, isDir))
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsDir != out[j].IsDir {
			return out[i].IsDir
		}
		if out[i].IsDir {
			return out[i].Name < out[j].Name
		}
		return out[i].Modified.After(out[j].Modified)
	})
	return out, nil
}

// LocalFile is a downloaded (or cached) remote file.
type LocalFile struct {
	LocalPath  string `json:"localPath"`
	RemotePath string `json:"remotePath"`
	Size       int64  `json:"size"`
	FromCache  bool   `json:"fromCache"`
}

// ReadFile fetches |filePath| through the cache. The returned local
// path stays valid for at least the cache TTL.
func (p *Pool) ReadFile(ctx context.Context, device *store.Device, filePath string) (*LocalFile, error) {
	if err := shellsafe.ValidateShellSafe(filePath, "filePath"); err != nil {
		return nil, err
	}
	var norm = JoinPOSIX(device.Connection.BasePath, filePath)

	if local, ok := p.cache.Get(device.ID, norm); ok {
		var size int64
		if fi, err := os.Stat(local); err == nil {
			size = fi.Size()
		}
		return &LocalFile{LocalPath: local, RemotePath: norm, Size: size, FromCache: true}, nil
	}

	var conn, err = p.acquire(ctx, device, false)
	if err != nil {
		return nil, err
	}
	data, err := conn.ReadFile(ToWire(norm))
	if err != nil {
		p.markUnhealthy(device.ID, err)
		return nil, fmt.Errorf("reading %q: %w", norm, err)
	}

	var tempDir = p.cfg.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	var local = filepath.Join(tempDir, fmt.Sprintf("smb2_%d_%s",
		time.Now().UnixMilli(), shellsafe.SanitizeForFilesystem(baseName(norm))))
	if err = os.WriteFile(local, data, 0o600); err != nil {
		return nil, fmt.Errorf("writing temp file: %w", err)
	}
	p.cache.Put(device.ID, norm, local)
	bytesRead.Add(float64(len(data)))

	return &LocalFile{LocalPath: local, RemotePath: norm, Size: int64(len(data)), FromCache: false}, nil
}

// WriteFile uploads |data| to |filePath| on the device share.
func (p *Pool) WriteFile(ctx context.Context, device *store.Device, filePath string, data []byte) error {
	if err := shellsafe.ValidateShellSafe(filePath, "filePath"); err != nil {
		return err
	}
	var conn, err = p.acquire(ctx, device, false)
	if err != nil {
		return err
	}
	var norm = JoinPOSIX(device.Connection.BasePath, filePath)
	if err = conn.WriteFile(ToWire(norm), data); err != nil {
		p.markUnhealthy(device.ID, err)
		return fmt.Errorf("writing %q: %w", norm, err)
	}
	// The remote content changed; a cached copy is now stale.
	p.cache.Remove(device.ID, norm)
	return nil
}

// FileExists stats |filePath| on the share.
func (p *Pool) FileExists(ctx context.Context, device *store.Device, filePath string) (bool, error) {
	if err := shellsafe.ValidateShellSafe(filePath, "filePath"); err != nil {
		return false, err
	}
	var conn, err = p.acquire(ctx, device, false)
	if err != nil {
		return false, err
	}
	if _, err = conn.Stat(ToWire(JoinPOSIX(device.Connection.BasePath, filePath))); err != nil {
		// Stat errors arrive wrapped; match the sentinel, not the
		// concrete type.
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		p.markUnhealthy(device.ID, err)
		return false, err
	}
	return true, nil
}

// Mkdir creates |dirPath| (and parents) on the share.
func (p *Pool) Mkdir(ctx context.Context, device *store.Device, dirPath string) error {
	if err := shellsafe.ValidateShellSafe(dirPath, "dirPath"); err != nil {
		return err
	}
	var conn, err = p.acquire(ctx, device, false)
	if err != nil {
		return err
	}
	if err = conn.MkdirAll(ToWire(JoinPOSIX(device.Connection.BasePath, dirPath))); err != nil {
		p.markUnhealthy(device.ID, err)
		return fmt.Errorf("creating %q: %w", dirPath, err)
	}
	return nil
}

// Unlink removes |filePath| from the share and drops any cached copy.
func (p *Pool) Unlink(ctx context.Context, device *store.Device, filePath string) error {
	if err := shellsafe.ValidateShellSafe(filePath, "filePath"); err != nil {
		return err
	}
	var conn, err = p.acquire(ctx, device, false)
	if err != nil {
		return err
	}
	var norm = JoinPOSIX(device.Connection.BasePath, filePath)
	if err = conn.Remove(ToWire(norm)); err != nil {
		p.markUnhealthy(device.ID, err)
		return fmt.Errorf("removing %q: %w", norm, err)
	}
	p.cache.Remove(device.ID, norm)
	return nil
}

// ScanDirectory runs a bounded recursive scan rooted at |base| under
// the device's base path.
func (p *Pool) ScanDirectory(ctx context.Context, device *store.Device, base string, opts ScanOptions) (*ScanResult, error) {
	if err := shellsafe.ValidateShellSafe(base, "basePath"); err != nil {
		return nil, err
	}
	var conn, err = p.acquire(ctx, device, false)
	if err != nil {
		return nil, err
	}
	result, err := Scan(ctx, conn, JoinPOSIX(device.Connection.BasePath, base), opts)
	if err != nil {
		p.markUnhealthy(device.ID, err)
		return nil, err
	}
	scannedFiles.Add(float64(len(result.Files)))
	return result, nil
}

// FindNewFiles scans for files modified after |since|, newest last.
// The returned result also carries the directories seen on the walk.
func (p *Pool) FindNewFiles(ctx context.Context, device *store.Device, base string, since time.Time) (*ScanResult, error) {
	var result, err = p.ScanDirectory(ctx, device, base, ScanOptions{
		MaxDepth:      5,
		MaxFiles:      1000,
		ModifiedAfter: since,
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(result.Files, func(i, j int) bool {
		return result.Files[i].Modified.Before(result.Files[j].Modified)
	})
	return result, nil
}

// CloseConnection closes and forgets the device's handle.
func (p *Pool) CloseConnection(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.handles[deviceID]; ok {
		delete(p.handles, deviceID)
		if h.conn != nil {
			if err := h.conn.Close(); err != nil {
				log.WithField("device", deviceID).WithError(err).Debug("closing connection")
			}
		}
	}
}

// ForceReconnect drops the current handle and dials fresh.
func (p *Pool) ForceReconnect(ctx context.Context, device *store.Device) error {
	p.CloseConnection(device.ID)
	var _, err = p.connect(ctx, device, false)
	return err
}

// CloseAll closes every handle and clears the file cache.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	var conns = make(map[string]Conn, len(p.handles))
	for id, h := range p.handles {
		if h.conn != nil {
			conns[id] = h.conn
		}
	}
	p.handles = make(map[string]*handle)
	p.mu.Unlock()

	for id, conn := range conns {
		if err := conn.Close(); err != nil {
			log.WithField("device", id).WithError(err).Debug("closing connection")
		}
	}
	p.cache.Clear()
}

// HandleStats is the health snapshot of one device connection.
type HandleStats struct {
	Healthy             bool      `json:"healthy"`
	ConnectedAt         time.Time `json:"connectedAt,omitempty"`
	LastCheck           time.Time `json:"lastCheck,omitempty"`
	LastError           string    `json:"lastError,omitempty"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	ReconnectAttempts   int       `json:"reconnectAttempts"`
}

// PoolStats is the operator-facing pool snapshot.
type PoolStats struct {
	Devices      map[string]HandleStats `json:"devices"`
	CacheEntries int                    `json:"cacheEntries"`
	RecentErrors []events.ErrorRecord   `json:"recentErrors,omitempty"`
}

// Stats snapshots connection health, cache occupancy, and the recent
// error ring.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	var devices = make(map[string]HandleStats, len(p.handles))
	for id, h := range p.handles {
		devices[id] = HandleStats{
			Healthy:             h.healthy,
			ConnectedAt:         h.connectedAt,
			LastCheck:           h.lastCheck,
			LastError:           h.lastError,
			ConsecutiveFailures: h.consecutiveFailures,
			ReconnectAttempts:   h.reconnectAttempts,
		}
	}
	p.mu.Unlock()

	return PoolStats{
		Devices:      devices,
		CacheEntries: p.cache.Len(),
		RecentErrors: p.bus.RecentErrors(),
	}
}
