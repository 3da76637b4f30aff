package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigkaa/enrollsync/internal/domain/model"
)

func TestStatus_NoRuns(t *testing.T) {
	db := newMemDB()
	r := db.repos()

	st, err := NewStatusReporter(r.SyncRuns, r.Enrollments).Status(context.Background())
	require.NoError(t, err)
	assert.Nil(t, st.LastSync)
	assert.Zero(t, st.Enrollments.Total)
}

func TestStatus_LatestRunAndCounts(t *testing.T) {
	db := newMemDB()
	r := db.repos()
	ctx := context.Background()

	_, uc := db.addUser("a@example.com", "applicant")
	active := db.addEnrollment(uc.ID, "course-1", time.Now())
	active.Enrolled = true
	active.ActivatedAt = ptr(time.Now().UTC())
	done := db.addEnrollment(uc.ID, "course-2", time.Now())
	done.Completed = true
	db.addEnrollment(uc.ID, "course-3", time.Now())

	older := time.Now().UTC().Add(-time.Hour)
	msg := "lms: статус 503"
	require.NoError(t, r.SyncRuns.Create(ctx, &model.SyncRun{StartedAt: older.Add(-time.Hour), Status: model.SyncRunCompleted, EnrollmentCount: 9}))
	require.NoError(t, r.SyncRuns.Create(ctx, &model.SyncRun{StartedAt: older, Status: model.SyncRunFailed, DurationMs: 120, Error: &msg}))

	st, err := NewStatusReporter(r.SyncRuns, r.Enrollments).Status(ctx)
	require.NoError(t, err)

	require.NotNil(t, st.LastSync)
	assert.Equal(t, model.SyncRunFailed, st.LastSync.Status)
	assert.Equal(t, int64(120), st.LastSync.Duration)
	require.NotNil(t, st.LastSync.Error)
	assert.Equal(t, msg, *st.LastSync.Error)

	assert.Equal(t, 3, st.Enrollments.Total)
	assert.Equal(t, 1, st.Enrollments.Completed)
}

func TestStatus_ListEnrollments(t *testing.T) {
	db := newMemDB()
	r := db.repos()
	_, uc := db.addUser("a@example.com", "applicant")
	done := db.addEnrollment(uc.ID, "course-1", time.Now())
	done.Completed = true
	db.addEnrollment(uc.ID, "course-2", time.Now())

	reporter := NewStatusReporter(r.SyncRuns, r.Enrollments)

	tests := []struct {
		name    string
		status  string
		want    int
		wantErr error
	}{
		{"все", "", 2, nil},
		{"завершённые", model.EnrollmentStatusCompleted, 1, nil},
		{"истёкшие", model.EnrollmentStatusExpired, 0, nil},
		{"неизвестный статус", "paused", 0, ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := reporter.ListEnrollments(context.Background(), model.EnrollmentFilter{Status: tt.status})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}
