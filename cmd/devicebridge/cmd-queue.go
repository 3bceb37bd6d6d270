package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/fatih/color"

	"github.com/irisemr/devicebridge/events"
	"github.com/irisemr/devicebridge/queue"
)

// queueTarget is the flag group shared by queue subcommands.
type queueTarget struct {
	Redis string    `long:"redis" env:"REDIS_ADDR" default:"localhost:6379" description:"Redis address backing the job queue"`
	Log   LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (t queueTarget) connect(ctx context.Context) (*queue.Queue, func(), error) {
	InitLog(t.Log)
	var rdb, err = queue.Connect(ctx, t.Redis)
	if err != nil {
		return nil, nil, err
	}
	var bus = events.NewBus()
	return queue.New(rdb, bus, queue.Config{}), func() {
		bus.Close()
		_ = rdb.Close()
	}, nil
}

type cmdQueueStats struct {
	queueTarget
}

func (cmd cmdQueueStats) Execute(_ []string) error {
	var ctx = context.Background()
	var q, cleanup, err = cmd.connect(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	stats, err := q.Stats(ctx)
	if err != nil {
		return err
	}

	var priorities = make([]int, 0, len(stats.Queued))
	for p := range stats.Queued {
		priorities = append(priorities, p)
	}
	sort.Ints(priorities)
	for _, p := range priorities {
		fmt.Printf("priority %2d: %d queued\n", p, stats.Queued[p])
	}
	fmt.Printf("queued total: %d\n", stats.QueuedTotal)
	fmt.Printf("delayed:      %d\n", stats.Delayed)
	if stats.Failed > 0 {
		color.Red("failed:       %d", stats.Failed)
	} else {
		fmt.Printf("failed:       %d\n", stats.Failed)
	}
	return nil
}

type cmdQueueRetryFailed struct {
	queueTarget
}

func (cmd cmdQueueRetryFailed) Execute(_ []string) error {
	var ctx = context.Background()
	var q, cleanup, err = cmd.connect(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	requeued, err := q.RetryAllFailed(ctx)
	if err != nil {
		return err
	}
	color.Green("requeued %d dead-letter jobs", requeued)
	return nil
}

type cmdQueueClearFailed struct {
	queueTarget
}

func (cmd cmdQueueClearFailed) Execute(_ []string) error {
	var ctx = context.Background()
	var q, cleanup, err = cmd.connect(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	cleared, err := q.ClearFailed(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("cleared %d dead-letter jobs\n", cleared)
	return nil
}
