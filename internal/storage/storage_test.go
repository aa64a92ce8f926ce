package storage

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "astrostack.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJobLifecycle(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.RecordJobQueued(JobRecord{
		ID: "job-1", JobType: "stack", Status: "queued",
		InputPath: "/lights", OutputPath: "/out/stack.tif", OptionsJSON: `{"debayer":true}`,
	}))
	require.NoError(t, s.RecordJobStart("job-1"))

	rec, err := s.Job("job-1")
	require.NoError(t, err)
	assert.Equal(t, "running", rec.Status)
	assert.Equal(t, "/lights", rec.InputPath)
	assert.NotNil(t, rec.StartedAt)
	assert.Nil(t, rec.CompletedAt)

	require.NoError(t, s.RecordJobResult("job-1", "completed", map[string]any{"stacked": 3}, ""))
	rec, err = s.Job("job-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", rec.Status)
	assert.NotNil(t, rec.CompletedAt)

	meta, err := s.JobMeta("job-1")
	require.NoError(t, err)
	assert.Equal(t, float64(3), meta["stacked"])
}

func TestJobMissing(t *testing.T) {
	s := newStore(t)
	_, err := s.Job("nope")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestRecentJobsNewestFirst(t *testing.T) {
	s := newStore(t)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.RecordJobQueued(JobRecord{ID: id, JobType: "register", Status: "queued"}))
	}
	recs, err := s.RecentJobs(2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "c", recs[0].ID)
	assert.Equal(t, "b", recs[1].ID)
}

func TestRegistrationsInFrameOrder(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.RecordRegistration(RegistrationRecord{JobID: "j", Index: 2, Path: "c.fits", Skipped: true, Error: "no stars"}))
	require.NoError(t, s.RecordRegistration(RegistrationRecord{JobID: "j", Index: 0, Path: "a.fits"}))
	require.NoError(t, s.RecordRegistration(RegistrationRecord{JobID: "j", Index: 1, Path: "b.fits", TranslationX: 3.7, DX: 3, Shifted: true}))
	require.NoError(t, s.RecordRegistration(RegistrationRecord{JobID: "other", Index: 0, Path: "x.fits"}))

	recs, err := s.Registrations("j")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "a.fits", recs[0].Path)
	assert.Equal(t, RegistrationRecord{JobID: "j", Index: 1, Path: "b.fits", TranslationX: 3.7, DX: 3, Shifted: true}, recs[1])
	assert.True(t, recs[2].Skipped)
	assert.Equal(t, "no stars", recs[2].Error)
}

func TestFrameMetadata(t *testing.T) {
	s := newStore(t)
	mod := time.Date(2024, 3, 1, 22, 15, 0, 0, time.UTC)
	in := FrameMetadata{FilePath: "/lights/a.fits", Format: "fits", Width: 640, Height: 480, Channels: 1, SizeBytes: 614400, ModTime: mod}
	require.NoError(t, s.RecordFrame(in))

	got, err := s.Frame("/lights/a.fits")
	require.NoError(t, err)
	assert.Equal(t, in.Width, got.Width)
	assert.Equal(t, in.Channels, got.Channels)
	assert.True(t, mod.Equal(got.ModTime), "mod time %v", got.ModTime)
}

func TestNilStoreIsNoop(t *testing.T) {
	var s *Store
	assert.NoError(t, s.RecordJobQueued(JobRecord{ID: "x"}))
	assert.NoError(t, s.RecordRegistration(RegistrationRecord{}))
	_, err := s.RecentJobs(1)
	assert.ErrorIs(t, err, ErrNotInitialized)
}
