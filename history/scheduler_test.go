package history

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"modelgate/common"

	"github.com/stretchr/testify/assert"
)

func schedulerConfig() common.AsyncSummaryConfig {
	return common.AsyncSummaryConfig{
		Enabled:            true,
		Workers:            2,
		MaxPendingTasks:    4,
		TaskTimeoutSeconds: 5,
	}
}

func TestSchedulerRunsTasks(t *testing.T) {
	scheduler := NewScheduler(schedulerConfig())

	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		key := string(rune('a' + i))
		assert.True(t, scheduler.Schedule(key, func(ctx context.Context) {
			defer wg.Done()
			ran.Add(1)
		}))
	}
	wg.Wait()
	scheduler.Drain()

	assert.Equal(t, int32(3), ran.Load())
}

func TestSchedulerDeduplicatesPerKey(t *testing.T) {
	scheduler := NewScheduler(schedulerConfig())
	defer scheduler.Drain()

	release := make(chan struct{})
	started := make(chan struct{})
	assert.True(t, scheduler.Schedule("same", func(ctx context.Context) {
		close(started)
		<-release
	}))
	<-started

	// second schedule for the in-flight key is refused
	assert.False(t, scheduler.Schedule("same", func(ctx context.Context) {}))
	close(release)
}

func TestSchedulerDropsWhenQueueFull(t *testing.T) {
	cfg := schedulerConfig()
	cfg.Workers = 1
	cfg.MaxPendingTasks = 1
	scheduler := NewScheduler(cfg)
	defer scheduler.Drain()

	release := make(chan struct{})
	started := make(chan struct{})
	scheduler.Schedule("blocker", func(ctx context.Context) {
		close(started)
		<-release
	})
	<-started

	assert.True(t, scheduler.Schedule("queued", func(ctx context.Context) {}))
	assert.False(t, scheduler.Schedule("dropped", func(ctx context.Context) {}))
	close(release)
}

func TestSchedulerTaskTimeout(t *testing.T) {
	cfg := schedulerConfig()
	cfg.TaskTimeoutSeconds = 1
	scheduler := NewScheduler(cfg)
	defer scheduler.Drain()

	deadlineSeen := make(chan bool, 1)
	scheduler.Schedule("k", func(ctx context.Context) {
		deadline, ok := ctx.Deadline()
		deadlineSeen <- ok && time.Until(deadline) <= time.Second
	})

	assert.True(t, <-deadlineSeen)
}

func TestSchedulerDrainRefusesNewWork(t *testing.T) {
	scheduler := NewScheduler(schedulerConfig())
	scheduler.Drain()
	assert.False(t, scheduler.Schedule("late", func(ctx context.Context) {}))
}
