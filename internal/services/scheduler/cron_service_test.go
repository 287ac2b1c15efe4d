package scheduler

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func TestService_RegisterJob(t *testing.T) {
	service := NewService(arbor.NewLogger())

	require.NoError(t, service.RegisterJob("content_enrichment", "*/15 * * * *", func() error { return nil }))
	assert.Error(t, service.RegisterJob("content_enrichment", "*/15 * * * *", func() error { return nil }), "duplicate name")
	assert.Error(t, service.RegisterJob("too_often", "* * * * *", func() error { return nil }))
	assert.Error(t, service.RegisterJob("garbage", "whenever", func() error { return nil }))

	statuses := service.GetAllJobStatuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, "*/15 * * * *", statuses["content_enrichment"].Schedule)
	assert.Nil(t, statuses["content_enrichment"].NextRun, "no next run before start")
}

func TestService_StartStop(t *testing.T) {
	service := NewService(arbor.NewLogger())
	require.NoError(t, service.RegisterJob("p", "*/10 * * * *", func() error { return nil }))

	require.NoError(t, service.Start())
	assert.True(t, service.IsRunning())
	assert.Error(t, service.Start())

	status, err := service.GetJobStatus("p")
	require.NoError(t, err)
	require.NotNil(t, status.NextRun)
	assert.True(t, status.NextRun.After(time.Now()))

	require.NoError(t, service.Stop())
	assert.False(t, service.IsRunning())
	require.NoError(t, service.Stop())
}

func TestService_ExecuteJobRecordsOutcome(t *testing.T) {
	service := NewService(arbor.NewLogger())

	var calls atomic.Int32
	require.NoError(t, service.RegisterJob("ok", "*/10 * * * *", func() error {
		calls.Add(1)
		return nil
	}))
	require.NoError(t, service.RegisterJob("broken", "*/10 * * * *", func() error {
		return errors.New("lock backend unavailable")
	}))
	require.NoError(t, service.RegisterJob("panics", "*/10 * * * *", func() error {
		panic("boom")
	}))

	go service.executeJob("ok")
	go service.executeJob("broken")
	go service.executeJob("panics")
	service.executeJob("missing")

	require.Eventually(t, func() bool {
		statuses := service.GetAllJobStatuses()
		return statuses["ok"].LastRun != nil && statuses["broken"].LastRun != nil && statuses["panics"].LastRun != nil
	}, 2*time.Second, 10*time.Millisecond)

	statuses := service.GetAllJobStatuses()
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, statuses["ok"].LastError)
	assert.Equal(t, "lock backend unavailable", statuses["broken"].LastError)
	assert.Contains(t, statuses["panics"].LastError, "panic")
}

func TestService_SkipsOverlappingTick(t *testing.T) {
	service := NewService(arbor.NewLogger())

	release := make(chan struct{})
	var calls atomic.Int32
	require.NoError(t, service.RegisterJob("slow", "*/10 * * * *", func() error {
		calls.Add(1)
		<-release
		return nil
	}))

	go service.executeJob("slow")
	require.Eventually(t, func() bool {
		status, _ := service.GetJobStatus("slow")
		return status.IsRunning
	}, time.Second, 5*time.Millisecond)

	service.executeJob("slow")
	assert.Equal(t, int32(1), calls.Load())

	close(release)
	require.Eventually(t, func() bool {
		status, _ := service.GetJobStatus("slow")
		return !status.IsRunning
	}, time.Second, 5*time.Millisecond)
}
