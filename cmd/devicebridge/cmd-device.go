package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"

	"github.com/irisemr/devicebridge/events"
	"github.com/irisemr/devicebridge/smb"
	"github.com/irisemr/devicebridge/store"
)

// deviceSelector is the flag group shared by device subcommands.
type deviceSelector struct {
	Devices string    `long:"devices" env:"DEVICES" default:"devices.yaml" description:"YAML fleet definition"`
	ID      string    `long:"id" required:"true" description:"Device ID to operate on"`
	Log     LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

// open loads the selected device and builds a one-shot SMB pool around
// it. The returned cleanup closes the pool's connections.
func (s deviceSelector) open(ctx context.Context) (*store.Device, *smb.Pool, func(), error) {
	InitLog(s.Log)

	var fleet, err = store.LoadDeviceFile(s.Devices)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading device fleet: %w", err)
	}
	device, err := fleet.GetDevice(ctx, s.ID)
	if err != nil {
		return nil, nil, nil, err
	}

	var bus = events.NewBus()
	var pool = smb.NewPool(smb.NewDialer(), bus, smb.PoolConfig{
		Reconnect: smb.ReconnectConfig{MaxAttempts: 1, Disabled: true},
	})
	return device, pool, func() { pool.CloseAll(); bus.Close() }, nil
}

type cmdDeviceTest struct {
	deviceSelector
}

func (cmd cmdDeviceTest) Execute(_ []string) error {
	var ctx = context.Background()
	var device, pool, cleanup, err = cmd.open(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	fmt.Printf("Testing %s (%s://%s/%s) ...\n", device.ID,
		device.Connection.Protocol, device.Connection.Host, device.Connection.Share)
	if err = pool.TestConnection(ctx, device); err != nil {
		color.Red("FAILED: %v", err)
		return err
	}
	color.Green("OK: share is reachable")
	return nil
}

type cmdDeviceBrowse struct {
	deviceSelector
	Path string `long:"path" description:"Directory to list, relative to the device base path"`
}

func (cmd cmdDeviceBrowse) Execute(_ []string) error {
	var ctx = context.Background()
	var device, pool, cleanup, err = cmd.open(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	entries, err := pool.ListDirectory(ctx, device, cmd.Path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir {
			color.Cyan("%-40s <dir>", e.Name)
		} else {
			fmt.Printf("%-40s %10d  %s\n", e.Name, e.Size, e.Modified.Format("2006-01-02 15:04"))
		}
	}
	fmt.Printf("%d entries\n", len(entries))
	return nil
}

type cmdDeviceScan struct {
	deviceSelector
	Path     string `long:"path" description:"Subtree to scan, relative to the device base path"`
	MaxDepth int    `long:"max-depth" default:"5" description:"Directory recursion bound"`
	MaxFiles int    `long:"max-files" default:"1000" description:"File count bound"`
}

func (cmd cmdDeviceScan) Execute(_ []string) error {
	var ctx = context.Background()
	var device, pool, cleanup, err = cmd.open(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := pool.ScanDirectory(ctx, device, cmd.Path, smb.ScanOptions{
		MaxDepth: cmd.MaxDepth,
		MaxFiles: cmd.MaxFiles,
	})
	if err != nil {
		return err
	}
	for _, f := range result.Files {
		fmt.Printf("%-60s %10d  %s\n", f.Path, f.Size, f.Modified.Format("2006-01-02 15:04"))
	}
	fmt.Printf("%d files in %d directories (%d paths walked)\n",
		len(result.Files), len(result.Directories), result.ScannedPaths)
	if result.Truncated {
		color.Yellow("scan truncated at depth %d / %d files", cmd.MaxDepth, cmd.MaxFiles)
	}
	return nil
}
