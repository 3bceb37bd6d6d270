package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/irisemr/devicebridge/adapter"
	"github.com/irisemr/devicebridge/api"
	"github.com/irisemr/devicebridge/events"
	"github.com/irisemr/devicebridge/extract"
	"github.com/irisemr/devicebridge/indexer"
	"github.com/irisemr/devicebridge/ocr"
	"github.com/irisemr/devicebridge/queue"
	"github.com/irisemr/devicebridge/runtime"
	"github.com/irisemr/devicebridge/smb"
	"github.com/irisemr/devicebridge/store"
)

type cmdServe struct {
	Port         int           `long:"port" env:"PORT" default:"8080" description:"HTTP API port"`
	Devices      string        `long:"devices" env:"DEVICES" default:"devices.yaml" description:"YAML fleet definition to serve"`
	Redis        string        `long:"redis" env:"REDIS_ADDR" default:"localhost:6379" description:"Redis address backing the job queue"`
	OCRURL       string        `long:"ocr-url" env:"OCR_URL" description:"Base URL of the OCR sidecar; empty disables OCR extraction"`
	IndexDB      string        `long:"index-db" env:"INDEX_DB" default:"folder-index.db" description:"SQLite file holding folder-to-patient mappings"`
	TempDir      string        `long:"temp-dir" env:"TEMP_DIR" description:"Directory receiving downloaded device files; empty means the system temp dir"`
	SyncInterval time.Duration `long:"sync-interval" env:"SYNC_INTERVAL" default:"5m" description:"Fleet auto-sync cadence"`
	AutoSync     bool          `long:"auto-sync" env:"AUTO_SYNC" description:"Start the auto-sync scheduler on boot"`
	Concurrency  int           `long:"concurrency" env:"CONCURRENCY" default:"3" description:"Concurrent queue workers"`
	Log          LogConfig     `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (cmd cmdServe) Execute(_ []string) error {
	InitLog(cmd.Log)
	log.WithField("config", cmd).Info("devicebridge configuration")

	var fleet, err = store.LoadDeviceFile(cmd.Devices)
	if err != nil {
		return fmt.Errorf("loading device fleet: %w", err)
	}

	// Standalone serving keeps clinical documents, measurements, and
	// audit logs in memory; the fleet itself comes from the YAML file.
	var mem = store.NewMemory()
	var stores = mem.Bundle()
	stores.Devices = fleet

	var bus = events.NewBus()
	defer bus.Close()

	var pool = smb.NewPool(smb.NewDialer(), bus, smb.PoolConfig{TempDir: cmd.TempDir})
	defer pool.CloseAll()

	var ctx, stop = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	rdb, err := queue.Connect(ctx, cmd.Redis)
	if err != nil {
		log.WithError(err).Warn("redis unavailable; jobs run inline without durability")
		rdb = nil
	}
	var q = queue.New(rdb, bus, queue.Config{Concurrency: cmd.Concurrency})

	var registry = adapter.NewRegistry(stores)
	var ocrSvc extract.OCRService
	if cmd.OCRURL != "" {
		ocrSvc = ocr.NewClient(cmd.OCRURL, 30*time.Second)
	}
	var extractor = extract.NewProcessor(registry, ocrSvc)

	ix, err := indexer.New(cmd.IndexDB, stores.Patients, stores.Devices, runtime.NewFolderLister(pool), bus)
	if err != nil {
		return fmt.Errorf("opening folder index: %w", err)
	}
	defer ix.Close()

	var orch = runtime.NewOrchestrator(stores, pool, q, bus, ix, registry, extractor,
		runtime.Config{SyncInterval: cmd.SyncInterval})

	q.StartProcessing(ctx)
	if cmd.AutoSync {
		orch.StartAutoSync(ctx, cmd.SyncInterval)
	}
	startMountWatchers(ctx, orch, fleet)

	var router = mux.NewRouter()
	api.RegisterAPIs(router, stores, pool, q, bus, orch, ix)
	var srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", cmd.Port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		var shutdownCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("http shutdown")
		}
	}()

	log.WithField("port", cmd.Port).Info("device bridge listening")
	if err = srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving http: %w", err)
	}

	// Stop producing before stopping consuming: scheduler and watchers
	// first, then drain the workers.
	orch.Shutdown()
	q.StopProcessing()
	log.Info("device bridge stopped")
	return nil
}

// startMountWatchers begins file watching for every active device with a
// locally mounted share. A missing mount disables watching for that
// device only.
func startMountWatchers(ctx context.Context, orch *runtime.Orchestrator, fleet store.DeviceStore) {
	var devices, err = fleet.ListDevices(ctx)
	if err != nil {
		log.WithError(err).Warn("listing fleet for mount watchers")
		return
	}
	for _, d := range devices {
		if !d.Active || d.Connection.MountPath == "" {
			continue
		}
		if _, err = orch.StartMountWatcher(ctx, d); err != nil {
			log.WithFields(log.Fields{"device": d.ID, "mount": d.Connection.MountPath}).
				WithError(err).Warn("mount watcher not started")
		}
	}
}
