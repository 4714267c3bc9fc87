package queue

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dinobot22/mineru-tianshu/auth"
	"github.com/dinobot22/mineru-tianshu/store"
)

var (
	alice = auth.Principal{UserID: "alice", Role: auth.RoleUser}
	bob   = auth.Principal{UserID: "bob", Role: auth.RoleUser}
	admin = auth.Principal{UserID: "root", Role: auth.RoleAdmin}
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	st, err := store.Open(filepath.Join(t.TempDir(), "tasks.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	backends := []string{"auto", "pipeline", "markitdown", "sensevoice"}
	return New(st, backends, 3, t.TempDir(), logger), st
}

func submit(t *testing.T, s *Service, p auth.Principal, name string) *store.Task {
	t.Helper()
	task, err := s.Submit(context.Background(), p, Submission{
		TaskID:   name,
		FileName: name + ".pdf",
		Backend:  "pipeline",
	})
	require.NoError(t, err)
	return task
}

func TestSubmitDefaults(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	task, err := s.Submit(ctx, alice, Submission{
		TaskID:   "t1",
		FileName: "doc.docx",
	})
	require.NoError(t, err)
	assert.Equal(t, "auto", task.Backend)
	assert.Equal(t, 3, task.MaxRetries)
	assert.Equal(t, 0, task.Priority)
	assert.Equal(t, "alice", task.OwnerUserID)
	assert.Equal(t, store.StatusPending, task.Status)
}

func TestSubmitNormalizesBackend(t *testing.T) {
	s, _ := newTestService(t)

	task, err := s.Submit(context.Background(), alice, Submission{
		TaskID:   "t1",
		FileName: "a.wav",
		Backend:  "  SenseVoice ",
	})
	require.NoError(t, err)
	assert.Equal(t, "sensevoice", task.Backend)
}

func TestSubmitUnknownBackend(t *testing.T) {
	s, _ := newTestService(t)

	_, err := s.Submit(context.Background(), alice, Submission{
		TaskID:   "t1",
		FileName: "a.pdf",
		Backend:  "quantum",
	})
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestSubmitNegativeMaxRetries(t *testing.T) {
	s, _ := newTestService(t)

	bad := -1
	_, err := s.Submit(context.Background(), alice, Submission{
		TaskID:     "t1",
		FileName:   "a.pdf",
		MaxRetries: &bad,
	})
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestOwnerIsolation(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	submit(t, s, alice, "a1")
	submit(t, s, alice, "a2")
	submit(t, s, bob, "b1")

	// Bob only sees his own task.
	tasks, total, err := s.List(ctx, bob, ListParams{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, tasks, 1)
	assert.Equal(t, "b1", tasks[0].TaskID)

	// Admin sees everything.
	_, total, err = s.List(ctx, admin, ListParams{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)

	// Another user's task is indistinguishable from a missing one.
	_, err = s.Get(ctx, bob, "a1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.Get(ctx, admin, "a1")
	assert.NoError(t, err)

	_, err = s.Cancel(ctx, bob, "a1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListLimitClamping(t *testing.T) {
	s, _ := newTestService(t)

	_, _, err := s.List(context.Background(), alice, ListParams{Limit: 10_000})
	assert.NoError(t, err)

	_, _, err = s.List(context.Background(), alice, ListParams{Status: "sideways"})
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestCancelRemovesUpload(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	uploadPath := filepath.Join(t.TempDir(), "in.pdf")
	require.NoError(t, os.WriteFile(uploadPath, []byte("%PDF"), 0o644))

	_, err := s.Submit(ctx, alice, Submission{
		TaskID:   "t1",
		FileName: "in.pdf",
		FilePath: uploadPath,
		Backend:  "pipeline",
	})
	require.NoError(t, err)

	inFlight, err := s.Cancel(ctx, alice, "t1")
	require.NoError(t, err)
	assert.False(t, inFlight)
	assert.NoFileExists(t, uploadPath)
}

func TestMaintenanceRequiresAdmin(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.ResetStale(ctx, alice, time.Hour)
	assert.ErrorIs(t, err, store.ErrPermissionDenied)

	_, err = s.PurgeOld(ctx, alice, 24*time.Hour)
	assert.ErrorIs(t, err, store.ErrPermissionDenied)

	n, err := s.ResetStale(ctx, admin, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStatsVisibleToUsers(t *testing.T) {
	s, _ := newTestService(t)

	submit(t, s, alice, "t1")
	stats, err := s.Stats(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(1), stats.Total)
}
