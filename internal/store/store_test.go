package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/inferq/internal/store"
	"github.com/kiranshivaraju/inferq/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("inferq_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

func newJob(id string, createdAt time.Time) *models.Job {
	cb := "http://callback.local/hook"
	return &models.Job{
		ID:              id,
		StudyReference:  "study-" + id,
		ModelName:       "densenet121_chex",
		ModelVersion:    "latest",
		Parameters:      map[string]any{"threshold": 0.5},
		ImageReferences: []string{"s3://bucket/a.dcm", "s3://bucket/b.dcm"},
		Priority:        models.PriorityNormal,
		CallbackURL:     &cb,
		Status:          models.JobStatusQueued,
		RequestHash:     "hash-" + id,
		Sequence:        1,
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
	}
}

// backends runs fn against every Store implementation. The Postgres variant
// needs Docker and is skipped in -short mode.
func backends(t *testing.T, fn func(t *testing.T, s store.Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, store.NewMemoryStore())
	})
	t.Run("postgres", func(t *testing.T) {
		if testing.Short() {
			t.Skip("skipping integration test")
		}
		fn(t, store.NewPostgresStore(setupTestDB(t)))
	})
}

func TestCreateAndGetJob(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Microsecond)

		require.NoError(t, s.CreateJob(ctx, newJob("job-1", now)))

		got, err := s.GetJob(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, "job-1", got.ID)
		assert.Equal(t, models.JobStatusQueued, got.Status)
		assert.Equal(t, models.PriorityNormal, got.Priority)
		assert.Equal(t, []string{"s3://bucket/a.dcm", "s3://bucket/b.dcm"}, got.ImageReferences)
		assert.InDelta(t, 0.5, got.Parameters["threshold"], 0.0001)
		require.NotNil(t, got.CallbackURL)
		assert.Equal(t, "http://callback.local/hook", *got.CallbackURL)
		assert.Nil(t, got.Result)
		assert.Nil(t, got.Error)
		assert.Nil(t, got.StartedAt)
		assert.True(t, now.Equal(got.CreatedAt))
	})
}

func TestCreateJob_Duplicate(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		require.NoError(t, s.CreateJob(ctx, newJob("dup", now)))
		err := s.CreateJob(ctx, newJob("dup", now))
		assert.ErrorIs(t, err, store.ErrDuplicateKey)
	})
}

func TestGetJob_NotFound(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		_, err := s.GetJob(context.Background(), "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestUpdateJob_AppliesMutation(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Microsecond)
		require.NoError(t, s.CreateJob(ctx, newJob("upd", now)))

		updated, err := s.UpdateJob(ctx, "upd", func(j *models.Job) error {
			j.Status = models.JobStatusSucceeded
			j.Progress = 100
			j.Result = json.RawMessage(`{"score":0.9}`)
			j.StartedAt = &now
			j.EndedAt = &now
			j.Sequence = 3
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusSucceeded, updated.Status)

		got, err := s.GetJob(ctx, "upd")
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusSucceeded, got.Status)
		assert.Equal(t, 100, got.Progress)
		assert.Equal(t, int64(3), got.Sequence)
		assert.JSONEq(t, `{"score":0.9}`, string(got.Result))
		require.NotNil(t, got.EndedAt)
	})
}

func TestUpdateJob_AbortKeepsRecord(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateJob(ctx, newJob("abort", time.Now().UTC())))

		errAbort := errors.New("abort")
		_, err := s.UpdateJob(ctx, "abort", func(j *models.Job) error {
			j.Status = models.JobStatusRunning
			return errAbort
		})
		assert.ErrorIs(t, err, errAbort)

		got, err := s.GetJob(ctx, "abort")
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusQueued, got.Status)
	})
}

func TestUpdateJob_PersistsFailure(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateJob(ctx, newJob("failed", time.Now().UTC())))

		_, err := s.UpdateJob(ctx, "failed", func(j *models.Job) error {
			j.Status = models.JobStatusFailed
			j.Error = &models.JobError{Kind: "WorkerError", Message: "out of memory"}
			return nil
		})
		require.NoError(t, err)

		got, err := s.GetJob(ctx, "failed")
		require.NoError(t, err)
		require.NotNil(t, got.Error)
		assert.Equal(t, "WorkerError", got.Error.Kind)
		assert.Equal(t, "out of memory", got.Error.Message)
		assert.Nil(t, got.Result)
	})
}

func TestUpdateJob_NotFound(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		_, err := s.UpdateJob(context.Background(), "ghost", func(*models.Job) error { return nil })
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestListJobsByStatus_OldestFirst(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		base := time.Now().UTC().Truncate(time.Microsecond)

		require.NoError(t, s.CreateJob(ctx, newJob("c", base.Add(2*time.Second))))
		require.NoError(t, s.CreateJob(ctx, newJob("a", base)))
		require.NoError(t, s.CreateJob(ctx, newJob("b", base.Add(time.Second))))
		running := newJob("r", base)
		running.Status = models.JobStatusRunning
		require.NoError(t, s.CreateJob(ctx, running))

		jobs, err := s.ListJobsByStatus(ctx, models.JobStatusQueued, 0)
		require.NoError(t, err)
		require.Len(t, jobs, 3)
		assert.Equal(t, "a", jobs[0].ID)
		assert.Equal(t, "b", jobs[1].ID)
		assert.Equal(t, "c", jobs[2].ID)

		limited, err := s.ListJobsByStatus(ctx, models.JobStatusQueued, 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})
}

func TestExpireJobs_TombstonesTerminalJobs(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Microsecond)

		done := newJob("done", now.Add(-2*time.Hour))
		done.Status = models.JobStatusSucceeded
		done.Result = json.RawMessage(`{"ok":true}`)
		past := now.Add(-time.Minute)
		done.ExpiresAt = &past
		require.NoError(t, s.CreateJob(ctx, done))

		fresh := newJob("fresh", now)
		fresh.Status = models.JobStatusSucceeded
		future := now.Add(time.Hour)
		fresh.ExpiresAt = &future
		require.NoError(t, s.CreateJob(ctx, fresh))

		require.NoError(t, s.CreateJob(ctx, newJob("queued", now)))

		n, err := s.ExpireJobs(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = s.GetJob(ctx, "done")
		assert.ErrorIs(t, err, store.ErrNotFound)

		_, err = s.UpdateJob(ctx, "done", func(*models.Job) error { return nil })
		assert.ErrorIs(t, err, store.ErrNotFound)

		// The ID stays reserved after expiry.
		err = s.CreateJob(ctx, newJob("done", now))
		assert.ErrorIs(t, err, store.ErrDuplicateKey)

		_, err = s.GetJob(ctx, "fresh")
		assert.NoError(t, err)
		_, err = s.GetJob(ctx, "queued")
		assert.NoError(t, err)

		n, err = s.ExpireJobs(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, newJob("copy", time.Now().UTC())))

	got, err := s.GetJob(ctx, "copy")
	require.NoError(t, err)
	got.Status = models.JobStatusFailed
	got.ImageReferences[0] = "mutated"

	again, err := s.GetJob(ctx, "copy")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, again.Status)
	assert.Equal(t, "s3://bucket/a.dcm", again.ImageReferences[0])
}
