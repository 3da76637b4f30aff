package service

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/enrollsync/internal/domain/model"
	"github.com/bigkaa/enrollsync/internal/lms"
	"github.com/bigkaa/enrollsync/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func ptr[T any](v T) *T { return &v }

// memDB — in-memory хранилище, реализующее интерфейсы репозиториев.
type memDB struct {
	mu          sync.Mutex
	users       map[string]*model.User
	profiles    map[string]*model.Profile
	memberships map[string]*model.UserCohort
	enrollments map[string]*model.Enrollment
	failures    []*model.FailedReconciliation
	runs        []*model.SyncRun
	webhooks    map[string]*model.WebhookEvent

	// corruptReads — сколько ближайших GetByUID вернут искажённый прогресс
	corruptReads int
	// upsertDelay — задержка UpsertByRemoteID
	upsertDelay time.Duration
	// upsertCalls — количество вызовов UpsertByRemoteID
	upsertCalls int
}

func newMemDB() *memDB {
	return &memDB{
		users:       map[string]*model.User{},
		profiles:    map[string]*model.Profile{},
		memberships: map[string]*model.UserCohort{},
		enrollments: map[string]*model.Enrollment{},
		webhooks:    map[string]*model.WebhookEvent{},
	}
}

func (db *memDB) repos() *repository.Repositories {
	return &repository.Repositories{
		Users:       memUsers{db},
		Cohorts:     memCohorts{db},
		Enrollments: memEnrollments{db},
		Failures:    memFailures{db},
		SyncRuns:    memRuns{db},
		Webhooks:    memWebhooks{db},
	}
}

// addUser создаёт пользователя с членством в наборе. Возвращает (user, membership).
func (db *memDB) addUser(email, role string) (*model.User, *model.UserCohort) {
	db.mu.Lock()
	defer db.mu.Unlock()

	u := &model.User{ID: uuid.NewString(), Email: email, FirstName: "Иван", LastName: "Петров", Role: role}
	db.users[u.ID] = u
	uc := &model.UserCohort{
		ID: uuid.NewString(), UserID: u.ID, CohortID: uuid.NewString(),
		CohortName: "Cohort 1", CreatedAt: time.Now().UTC(),
	}
	db.memberships[uc.ID] = uc
	return u, uc
}

// addUserWithoutCohort создаёт пользователя без членства.
func (db *memDB) addUserWithoutCohort(email, role string) *model.User {
	db.mu.Lock()
	defer db.mu.Unlock()

	u := &model.User{ID: uuid.NewString(), Email: email, Role: role}
	db.users[u.ID] = u
	return u
}

// addEnrollment создаёт неактивированное зачисление.
func (db *memDB) addEnrollment(ucID, courseID string, createdAt time.Time) *model.Enrollment {
	db.mu.Lock()
	defer db.mu.Unlock()

	e := &model.Enrollment{
		UID: uuid.NewString(), UserCohortID: ucID, CourseID: courseID,
		CreatedAt: createdAt, UpdatedAt: createdAt,
	}
	db.enrollments[e.UID] = e
	return e
}

func (db *memDB) enrollmentCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.enrollments)
}

func (db *memDB) runCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.runs)
}

func (db *memDB) failureRows() []*model.FailedReconciliation {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]*model.FailedReconciliation(nil), db.failures...)
}

func copyEnrollment(e *model.Enrollment) *model.Enrollment {
	c := *e
	return &c
}

// --- UserRepository ---

type memUsers struct{ db *memDB }

func (r memUsers) GetByID(_ context.Context, id string) (*model.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	u, ok := r.db.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *u
	return &c, nil
}

func (r memUsers) GetByEmail(_ context.Context, email string) (*model.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, u := range r.db.users {
		if strings.EqualFold(u.Email, strings.TrimSpace(email)) {
			c := *u
			return &c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r memUsers) ListByEmails(_ context.Context, emails []string) ([]*model.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	want := map[string]bool{}
	for _, e := range emails {
		want[strings.ToLower(strings.TrimSpace(e))] = true
	}
	var out []*model.User
	for _, u := range r.db.users {
		if want[strings.ToLower(u.Email)] {
			c := *u
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r memUsers) BindRemoteID(_ context.Context, userID, remoteID string) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	u, ok := r.db.users[userID]
	if !ok || u.RemoteUserID != nil {
		return false, nil
	}
	u.RemoteUserID = &remoteID
	return true, nil
}

func (r memUsers) GetProfile(_ context.Context, userID string) (*model.Profile, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	p, ok := r.db.profiles[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return p, nil
}

// --- UserCohortRepository ---

type memCohorts struct{ db *memDB }

func (r memCohorts) GetByID(_ context.Context, id string) (*model.UserCohort, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	uc, ok := r.db.memberships[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *uc
	return &c, nil
}

func (r memCohorts) GetActiveByUserID(_ context.Context, userID string) (*model.UserCohort, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var best *model.UserCohort
	for _, uc := range r.db.memberships {
		if uc.UserID == userID && (best == nil || uc.CreatedAt.After(best.CreatedAt)) {
			best = uc
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	c := *best
	return &c, nil
}

// --- EnrollmentRepository ---

type memEnrollments struct{ db *memDB }

func (r memEnrollments) GetByUID(_ context.Context, uid string) (*model.Enrollment, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	e, ok := r.db.enrollments[uid]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := copyEnrollment(e)
	if r.db.corruptReads > 0 {
		r.db.corruptReads--
		c.PercentageCompleted += 0.25
	}
	return c, nil
}

func (r memEnrollments) GetByRemoteID(_ context.Context, remoteID string) (*model.Enrollment, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, e := range r.db.enrollments {
		if e.ID != nil && *e.ID == remoteID {
			return copyEnrollment(e), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r memEnrollments) FindByMembershipAndCourse(_ context.Context, ucID, courseID string) (*model.Enrollment, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, e := range r.db.enrollments {
		if e.UserCohortID == ucID && e.CourseID == courseID {
			return copyEnrollment(e), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r memEnrollments) CreatePending(_ context.Context, e *model.Enrollment) (*model.Enrollment, bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, ex := range r.db.enrollments {
		if ex.UserCohortID == e.UserCohortID && ex.CourseID == e.CourseID {
			return copyEnrollment(ex), false, nil
		}
	}
	if e.UID == "" {
		e.UID = uuid.NewString()
	}
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	r.db.enrollments[e.UID] = copyEnrollment(e)
	return copyEnrollment(e), true, nil
}

func applyState(e *model.Enrollment, st *model.EnrollmentState) {
	e.CourseID = st.CourseID
	e.CourseName = st.CourseName
	e.Enrolled = e.Enrolled || st.Enrolled
	if st.ActivatedAt != nil {
		e.ActivatedAt = st.ActivatedAt
	}
	e.StartedAt = st.StartedAt
	e.CompletedAt = st.CompletedAt
	e.Completed = st.Completed
	e.Expired = st.Expired
	e.IsFreeTrial = st.IsFreeTrial
	e.PercentageCompleted = st.PercentageCompleted
	e.ExpiryDate = st.ExpiryDate
	e.UpdatedAt = st.UpdatedAt
}

func (r memEnrollments) UpsertByRemoteID(ctx context.Context, st *model.EnrollmentState) (*model.Enrollment, error) {
	r.db.mu.Lock()
	delay := r.db.upsertDelay
	r.db.upsertCalls++
	r.db.mu.Unlock()

	if delay > 0 {
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, err
		}
	}

	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	for _, e := range r.db.enrollments {
		if e.ID != nil && *e.ID == st.RemoteID {
			applyState(e, st)
			return copyEnrollment(e), nil
		}
	}

	var adopt *model.Enrollment
	for _, e := range r.db.enrollments {
		if e.ID == nil && e.UserCohortID == st.UserCohortID && e.CourseID == st.CourseID {
			if adopt == nil || e.CreatedAt.Before(adopt.CreatedAt) {
				adopt = e
			}
		}
	}
	if adopt != nil {
		adopt.ID = ptr(st.RemoteID)
		applyState(adopt, st)
		return copyEnrollment(adopt), nil
	}

	e := &model.Enrollment{
		UID: uuid.NewString(), ID: ptr(st.RemoteID), UserCohortID: st.UserCohortID,
		CreatedAt: time.Now().UTC(),
	}
	applyState(e, st)
	r.db.enrollments[e.UID] = e
	return copyEnrollment(e), nil
}

func (r memEnrollments) ApplyActivation(_ context.Context, uid string, st *model.EnrollmentState) (*model.Enrollment, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	e, ok := r.db.enrollments[uid]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if e.ID == nil && st.RemoteID != "" {
		e.ID = ptr(st.RemoteID)
	}
	e.Enrolled = true
	if st.ActivatedAt != nil {
		e.ActivatedAt = st.ActivatedAt
	}
	e.StartedAt = st.StartedAt
	e.CompletedAt = st.CompletedAt
	e.Completed = st.Completed
	e.Expired = st.Expired
	e.IsFreeTrial = st.IsFreeTrial
	e.PercentageCompleted = st.PercentageCompleted
	e.ExpiryDate = st.ExpiryDate
	e.UpdatedAt = time.Now().UTC()
	return copyEnrollment(e), nil
}

func (r memEnrollments) MarkEnrolled(_ context.Context, uid string, at time.Time) (*model.Enrollment, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	e, ok := r.db.enrollments[uid]
	if !ok {
		return nil, repository.ErrNotFound
	}
	e.Enrolled = true
	e.ActivatedAt = &at
	return copyEnrollment(e), nil
}

func (r memEnrollments) ListStalled(_ context.Context, since time.Time, limit int) ([]*model.Enrollment, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []*model.Enrollment
	for _, e := range r.db.enrollments {
		if !e.Enrolled && e.ActivatedAt == nil && !e.CreatedAt.Before(since) {
			out = append(out, copyEnrollment(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memEnrollments) List(_ context.Context, f model.EnrollmentFilter) ([]*model.Enrollment, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []*model.Enrollment
	for _, e := range r.db.enrollments {
		switch f.Status {
		case model.EnrollmentStatusActive:
			if !e.IsActive() {
				continue
			}
		case model.EnrollmentStatusCompleted:
			if !e.Completed {
				continue
			}
		case model.EnrollmentStatusExpired:
			if !e.Expired {
				continue
			}
		}
		out = append(out, copyEnrollment(e))
	}
	return out, nil
}

func (r memEnrollments) Counts(_ context.Context) (*model.EnrollmentCounts, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c := &model.EnrollmentCounts{}
	for _, e := range r.db.enrollments {
		c.Total++
		if e.IsActive() {
			c.Active++
		}
		if e.Completed {
			c.Completed++
		}
	}
	return c, nil
}

// --- FailedReconciliationRepository ---

type memFailures struct{ db *memDB }

func (r memFailures) Create(_ context.Context, f *model.FailedReconciliation) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	f.ID = uuid.NewString()
	f.CreatedAt = time.Now().UTC()
	c := *f
	r.db.failures = append(r.db.failures, &c)
	return nil
}

func (r memFailures) ListByEnrollmentUID(_ context.Context, uid string) ([]*model.FailedReconciliation, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []*model.FailedReconciliation
	for _, f := range r.db.failures {
		if f.EnrollmentUID == uid {
			out = append(out, f)
		}
	}
	return out, nil
}

// --- SyncRunRepository ---

type memRuns struct{ db *memDB }

func (r memRuns) Create(_ context.Context, run *model.SyncRun) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	run.ID = uuid.NewString()
	c := *run
	r.db.runs = append(r.db.runs, &c)
	return nil
}

func (r memRuns) Latest(_ context.Context) (*model.SyncRun, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var best *model.SyncRun
	for _, run := range r.db.runs {
		if best == nil || run.StartedAt.After(best.StartedAt) {
			best = run
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	c := *best
	return &c, nil
}

// --- WebhookEventRepository ---

type memWebhooks struct{ db *memDB }

func (r memWebhooks) Insert(_ context.Context, ev *model.WebhookEvent) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.webhooks[ev.EventID]; ok {
		return false, nil
	}
	c := *ev
	r.db.webhooks[ev.EventID] = &c
	return true, nil
}

func (r memWebhooks) Finish(_ context.Context, id, status string, errText *string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	ev, ok := r.db.webhooks[id]
	if !ok {
		return repository.ErrNotFound
	}
	ev.Status = status
	ev.Error = errText
	return nil
}

// fakeLMS — управляемая реализация операций LMS.
type fakeLMS struct {
	mu sync.Mutex

	createUser       func(lms.CreateUserRequest) (*lms.User, error)
	findUser         func(string) (*lms.User, error)
	groupErr         error
	createEnrollment func(lms.CreateEnrollmentRequest) (*lms.Enrollment, error)
	// enrollStarted получает сигнал о начале CreateEnrollment; при заданном
	// enrollRelease вызов ждёт его закрытия или отмены ctx
	enrollStarted chan struct{}
	enrollRelease chan struct{}
	page             *lms.EnrollmentPage
	listErr          error
	getEnrollment    func(string) (*lms.Enrollment, error)

	createUserCalls       int
	groupCalls            int
	createEnrollmentCalls int
	listCalls             int
}

func (f *fakeLMS) CreateUser(_ context.Context, in lms.CreateUserRequest) (*lms.User, error) {
	f.mu.Lock()
	f.createUserCalls++
	f.mu.Unlock()
	if f.createUser == nil {
		return &lms.User{ID: lms.ID("remote-" + in.Email), Email: in.Email}, nil
	}
	return f.createUser(in)
}

func (f *fakeLMS) FindUserByEmail(_ context.Context, email string) (*lms.User, error) {
	if f.findUser == nil {
		return nil, nil
	}
	return f.findUser(email)
}

func (f *fakeLMS) AddUserToGroup(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groupCalls++
	return f.groupErr
}

func (f *fakeLMS) CreateEnrollment(ctx context.Context, in lms.CreateEnrollmentRequest) (*lms.Enrollment, error) {
	f.mu.Lock()
	f.createEnrollmentCalls++
	f.mu.Unlock()
	if f.enrollStarted != nil {
		select {
		case f.enrollStarted <- struct{}{}:
		default:
		}
	}
	if f.enrollRelease != nil {
		select {
		case <-f.enrollRelease:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.createEnrollment == nil {
		now := time.Now().UTC()
		return &lms.Enrollment{
			ID: lms.ID("enr-" + in.UserID + "-" + in.CourseID), UserID: lms.ID(in.UserID),
			CourseID: lms.ID(in.CourseID), ActivatedAt: &now,
		}, nil
	}
	return f.createEnrollment(in)
}

func (f *fakeLMS) ListEnrollments(context.Context, int, int) (*lms.EnrollmentPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	if f.page == nil {
		return &lms.EnrollmentPage{}, nil
	}
	cp := *f.page
	cp.Items = append([]lms.Enrollment(nil), f.page.Items...)
	return &cp, nil
}

func (f *fakeLMS) GetEnrollment(_ context.Context, id string) (*lms.Enrollment, error) {
	if f.getEnrollment == nil {
		return nil, &lms.APIError{Status: 404}
	}
	return f.getEnrollment(id)
}

// remoteRecord строит запись LMS для email.
func remoteRecord(id, email string, pct float64, completed bool) lms.Enrollment {
	now := time.Now().UTC()
	return lms.Enrollment{
		ID: lms.ID(id), UserEmail: email, CourseID: "course-1", CourseName: "Go",
		PercentageCompleted: lms.Number(pct), Completed: completed, ActivatedAt: &now,
	}
}

// fastRehydrationConfig — параметры прогона для тестов.
func fastRehydrationConfig() RehydrationConfig {
	cfg := DefaultRehydrationConfig()
	cfg.VerifyBackoff = time.Millisecond
	cfg.ChunkTimeout = 5 * time.Second
	cfg.Budget = 10 * time.Second
	return cfg
}

// newTestRunner собирает RehydrationRunner поверх memDB и fakeLMS.
func newTestRunner(db *memDB, remote *fakeLMS, cfg RehydrationConfig) *RehydrationRunner {
	r := db.repos()
	return NewRehydrationRunner(remote, r.Users, r.Cohorts, r.Enrollments, r.SyncRuns, cfg, testLogger())
}

// newTestPipeline собирает EnrollmentPipeline поверх memDB и fakeLMS.
func newTestPipeline(db *memDB, remote *fakeLMS) *EnrollmentPipeline {
	r := db.repos()
	logger := testLogger()
	return NewEnrollmentPipeline(
		r.Users, r.Cohorts,
		NewIdentityResolver(remote, r.Users, logger),
		NewLMSGroupBinder(remote, logger),
		NewActivator(remote, r.Enrollments, logger),
		NewFailureLedger(r.Failures, logger),
		logger,
	)
}
