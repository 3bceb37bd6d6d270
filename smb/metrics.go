package smb

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var connectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "devicebridge_smb_connects_total",
	Help: "SMB dial attempts, by result.",
}, []string{"result"})

var reconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "devicebridge_smb_reconnect_attempts_total",
	Help: "Reconnect loop attempts.",
})

var cacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "devicebridge_smb_cache_hits_total",
	Help: "File reads served from the local cache.",
})

var cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "devicebridge_smb_cache_misses_total",
	Help: "File reads that had to fetch from the share.",
})

var evictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "devicebridge_smb_cache_evictions_total",
	Help: "Cache entries evicted by TTL, capacity, or invalidation.",
})

var bytesRead = promauto.NewCounter(prometheus.CounterOpts{
	Name: "devicebridge_smb_bytes_read_total",
	Help: "Bytes fetched from device shares.",
})

var scannedFiles = promauto.NewCounter(prometheus.CounterOpts{
	Name: "devicebridge_smb_scanned_files_total",
	Help: "Files returned by recursive scans.",
})

var scanSkippedDirs = promauto.NewCounter(prometheus.CounterOpts{
	Name: "devicebridge_smb_scan_skipped_dirs_total",
	Help: "Directories skipped during scans because they were unreadable.",
})

var watchErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "devicebridge_smb_watch_errors_total",
	Help: "Watcher poll cycles that failed.",
})
