package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigkaa/enrollsync/internal/domain/model"
	"github.com/bigkaa/enrollsync/internal/lms"
	"github.com/bigkaa/enrollsync/internal/repository"
)

func newTestRetryService(db *memDB, remote *fakeLMS, eligible EligibilityFunc, cfg SweepConfig) *RetryService {
	r := db.repos()
	return NewRetryService(r.Users, r.Cohorts, r.Enrollments, newTestPipeline(db, remote), eligible, cfg, testLogger())
}

func fastSweepConfig() SweepConfig {
	cfg := DefaultSweepConfig()
	cfg.Pacing = 0
	return cfg
}

func TestRetry_ByUID(t *testing.T) {
	db := newMemDB()
	_, uc := db.addUser("a@example.com", "applicant")
	e := db.addEnrollment(uc.ID, "course-1", time.Now())
	remote := &fakeLMS{}

	res, err := newTestRetryService(db, remote, nil, fastSweepConfig()).Retry(context.Background(), RetryRequest{UID: e.UID})
	require.NoError(t, err)

	assert.Equal(t, e.UID, res.UID)
	assert.False(t, res.Created)
	assert.Equal(t, "Зачисление активировано", res.Message)
	assert.True(t, res.Enrollment.Enrolled)
	assert.Equal(t, 1, remote.createEnrollmentCalls)
}

func TestRetry_CreateThenActivate(t *testing.T) {
	db := newMemDB()
	db.addUser("a@example.com", "applicant")
	remote := &fakeLMS{}
	svc := newTestRetryService(db, remote, nil, fastSweepConfig())

	res, err := svc.Retry(context.Background(), RetryRequest{
		UserEmail: "A@Example.com", CourseID: "course-7", CourseName: "Go",
	})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, 1, db.enrollmentCount())

	stored, err := db.repos().Enrollments.GetByUID(context.Background(), res.UID)
	require.NoError(t, err)
	assert.True(t, stored.Enrolled)
	assert.Equal(t, "course-7", stored.CourseID)

	// Повтор для того же курса не создаёт новую запись
	again, err := svc.Retry(context.Background(), RetryRequest{UserEmail: "a@example.com", CourseID: "course-7"})
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, res.UID, again.UID)
	assert.Equal(t, "Зачисление уже активно", again.Message)
	assert.Equal(t, 1, db.enrollmentCount())
	assert.Equal(t, 1, remote.createEnrollmentCalls)
}

// staleLookup — репозиторий зачислений, поиск в котором всегда промахивается,
// как у двух запросов, одновременно прошедших проверку существования.
type staleLookup struct {
	repository.EnrollmentRepository
}

func (staleLookup) FindByMembershipAndCourse(context.Context, string, string) (*model.Enrollment, error) {
	return nil, repository.ErrNotFound
}

func TestRetry_ConcurrentCreateSingleEnrollment(t *testing.T) {
	db := newMemDB()
	db.addUser("a@example.com", "applicant")
	remote := &fakeLMS{}
	r := db.repos()
	svc := NewRetryService(r.Users, r.Cohorts, staleLookup{r.Enrollments},
		newTestPipeline(db, remote), nil, fastSweepConfig(), testLogger())

	req := RetryRequest{UserEmail: "a@example.com", CourseID: "course-9"}

	first, err := svc.Retry(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := svc.Retry(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.UID, second.UID)
	assert.Equal(t, 1, db.enrollmentCount(), "на курс должна остаться одна запись")
}

func TestRetry_SharedActivationSurvivesCallerCancel(t *testing.T) {
	db := newMemDB()
	_, uc := db.addUser("a@example.com", "applicant")
	e := db.addEnrollment(uc.ID, "course-1", time.Now())
	remote := &fakeLMS{
		enrollStarted: make(chan struct{}, 1),
		enrollRelease: make(chan struct{}),
	}
	svc := newTestRetryService(db, remote, nil, fastSweepConfig())

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.Retry(firstCtx, RetryRequest{UID: e.UID})
		firstErr <- err
	}()

	select {
	case <-remote.enrollStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("активация не началась")
	}

	type outcome struct {
		res *RetryResult
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		res, err := svc.Retry(context.Background(), RetryRequest{UID: e.UID})
		second <- outcome{res, err}
	}()
	// Второй вызов присоединяется к выполняющейся активации
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	close(remote.enrollRelease)
	got := <-second
	require.NoError(t, got.err)
	assert.True(t, got.res.Enrollment.Enrolled)
	assert.Equal(t, 1, remote.createEnrollmentCalls)

	stored, err := db.repos().Enrollments.GetByUID(context.Background(), e.UID)
	require.NoError(t, err)
	assert.True(t, stored.Enrolled)
}

func TestRetry_AlreadyActive(t *testing.T) {
	db := newMemDB()
	_, uc := db.addUser("a@example.com", "applicant")
	e := db.addEnrollment(uc.ID, "course-1", time.Now())
	e.Enrolled = true
	e.ActivatedAt = ptr(time.Now().UTC())
	remote := &fakeLMS{}

	res, err := newTestRetryService(db, remote, nil, fastSweepConfig()).Retry(context.Background(), RetryRequest{UID: e.UID})
	require.NoError(t, err)
	assert.Equal(t, "Зачисление уже активно", res.Message)
	assert.Zero(t, remote.createEnrollmentCalls)
}

func TestRetry_NotEligible(t *testing.T) {
	db := newMemDB()
	db.addUser("a@example.com", "applicant")
	deny := func(context.Context, *model.User, *model.Profile) error {
		return errors.New("анкета не заполнена")
	}

	_, err := newTestRetryService(db, &fakeLMS{}, deny, fastSweepConfig()).Retry(context.Background(), RetryRequest{
		UserEmail: "a@example.com", CourseID: "course-1",
	})
	assert.ErrorIs(t, err, ErrNotEligible)
	assert.Zero(t, db.enrollmentCount())
}

func TestRetry_Errors(t *testing.T) {
	db := newMemDB()
	db.addUserWithoutCohort("nocohort@example.com", "applicant")
	other, _ := db.addUser("other@example.com", "applicant")
	_, ownUC := db.addUser("own@example.com", "applicant")
	_ = other

	tests := []struct {
		name string
		req  RetryRequest
		want error
	}{
		{"пустой запрос", RetryRequest{}, ErrValidation},
		{"нет курса", RetryRequest{UserEmail: "own@example.com"}, ErrValidation},
		{"неизвестный uid", RetryRequest{UID: "missing"}, ErrNotFound},
		{"неизвестный email", RetryRequest{UserEmail: "ghost@example.com", CourseID: "c"}, ErrNotFound},
		{"нет членства", RetryRequest{UserEmail: "nocohort@example.com", CourseID: "c"}, ErrNotFound},
		{"чужое членство", RetryRequest{UserEmail: "other@example.com", CourseID: "c", UserCohortID: ownUC.ID}, ErrValidation},
	}

	svc := newTestRetryService(db, &fakeLMS{}, nil, fastSweepConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Retry(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSweep_AggregatesResults(t *testing.T) {
	db := newMemDB()
	now := time.Now().UTC()

	_, ucA := db.addUser("a@example.com", "applicant")
	_, ucB := db.addUser("bad@example.com", "applicant")
	_, ucC := db.addUser("c@example.com", "applicant")

	first := db.addEnrollment(ucA.ID, "course-1", now.Add(-3*time.Hour))
	second := db.addEnrollment(ucB.ID, "course-1", now.Add(-2*time.Hour))
	db.addEnrollment(ucC.ID, "course-1", now.Add(-time.Hour))
	// Вне окна
	db.addEnrollment(ucC.ID, "course-old", now.Add(-8*24*time.Hour))
	// Уже активное
	active := db.addEnrollment(ucC.ID, "course-2", now.Add(-time.Hour))
	active.Enrolled = true
	active.ActivatedAt = ptr(now)

	remote := &fakeLMS{
		createEnrollment: func(in lms.CreateEnrollmentRequest) (*lms.Enrollment, error) {
			if in.UserID == "remote-bad@example.com" {
				return nil, &lms.APIError{Status: 500, Body: []byte("oops")}
			}
			return &lms.Enrollment{ID: lms.ID("enr-" + in.UserID), ActivatedAt: &now}, nil
		},
	}

	cfg := fastSweepConfig()
	cfg.MaxResults = 2
	res, err := newTestRetryService(db, remote, nil, cfg).Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.Successful)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Results, 2)

	assert.Equal(t, first.UID, res.Results[0].UID)
	assert.True(t, res.Results[0].Success)
	assert.Equal(t, "a@example.com", res.Results[0].Email)

	assert.Equal(t, second.UID, res.Results[1].UID)
	assert.False(t, res.Results[1].Success)
	assert.NotEmpty(t, res.Results[1].Error)
	assert.Equal(t, "bad@example.com", res.Results[1].Email)

	rows := db.failureRows()
	require.Len(t, rows, 1)
	assert.Equal(t, second.UID, rows[0].EnrollmentUID)
}

func TestSweep_Empty(t *testing.T) {
	db := newMemDB()

	res, err := newTestRetryService(db, &fakeLMS{}, nil, fastSweepConfig()).Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Total)
	assert.Empty(t, res.Results)
	assert.NotEmpty(t, res.Message)
}

func TestSweep_Cancelled(t *testing.T) {
	db := newMemDB()
	now := time.Now().UTC()
	_, uc := db.addUser("a@example.com", "applicant")
	db.addEnrollment(uc.ID, "course-1", now.Add(-2*time.Hour))
	db.addEnrollment(uc.ID, "course-2", now.Add(-time.Hour))

	cfg := fastSweepConfig()
	cfg.Pacing = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := newTestRetryService(db, &fakeLMS{}, nil, cfg).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 1, res.Successful, "второе зачисление не обработано из-за отмены")
}
