package maintenance

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dinobot22/mineru-tianshu/store"
)

func newTestLoop(t *testing.T, cfg Config) (*Loop, *store.Store) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	st, err := store.Open(filepath.Join(t.TempDir(), "tasks.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, cfg, logger), st
}

func TestResetPassRecoversAbandonedTask(t *testing.T) {
	// StaleTimeout zero makes any claimed task immediately stale, which
	// stands in for a worker that died mid-task.
	l, st := newTestLoop(t, Config{StaleTimeout: 0})
	ctx := context.Background()

	require.NoError(t, st.Insert(ctx, &store.Task{
		TaskID: "t1", FileName: "a.pdf", Backend: "pipeline", MaxRetries: 3,
	}))
	_, err := st.ClaimNext(ctx, "phantom", nil)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	l.resetPass(ctx)

	got, err := st.GetByID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestPurgePassIsNoopOnFreshQueue(t *testing.T) {
	l, st := newTestLoop(t, Config{PurgeRetention: 24 * time.Hour})
	ctx := context.Background()

	require.NoError(t, st.Insert(ctx, &store.Task{
		TaskID: "t1", FileName: "a.pdf", Backend: "pipeline",
	}))

	l.purgePass(ctx)

	_, err := st.GetByID(ctx, "t1")
	assert.NoError(t, err)
}

func TestStartRunsInitialPassAfterGrace(t *testing.T) {
	l, st := newTestLoop(t, Config{
		StaleTimeout:   0,
		ResetInterval:  time.Hour,
		PurgeRetention: 24 * time.Hour,
		PurgeInterval:  time.Hour,
	})
	l.grace = 20 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, st.Insert(ctx, &store.Task{
		TaskID: "t1", FileName: "a.pdf", Backend: "pipeline", MaxRetries: 3,
	}))
	_, err := st.ClaimNext(ctx, "phantom", nil)
	require.NoError(t, err)

	l.Start(ctx)

	require.Eventually(t, func() bool {
		got, err := st.GetByID(context.Background(), "t1")
		return err == nil && got.Status == store.StatusPending
	}, 2*time.Second, 10*time.Millisecond)
}
