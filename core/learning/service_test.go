package learning

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/nexlearn/core"
	"github.com/trezcool/nexlearn/core/catalog"
	"github.com/trezcool/nexlearn/core/certificate"
	"github.com/trezcool/nexlearn/core/profile"
	"github.com/trezcool/nexlearn/core/remote"
	"github.com/trezcool/nexlearn/core/syncqueue"
	"github.com/trezcool/nexlearn/storage/database/inmem"
	"github.com/trezcool/nexlearn/tests"
)

var (
	t0         = time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	errOffline = errors.New("network unreachable")

	ada = profile.Profile{ID: "u1", Name: "Ada Lovelace", Email: "ada@example.com", MembershipType: profile.MembershipBasic}

	fundModules = []string{
		"Foundation & Ecosystem Overview",
		"Android Security Basics",
		"iOS Security Basics",
		"Lab: Logical Acquisition Walkthrough",
		"Evidence Handling & Chain of Custody",
		"Quiz: Core Fundamentals",
	}
)

type mailRecorder struct {
	mu   sync.Mutex
	msgs []*core.EmailMessage
}

func (m *mailRecorder) SendMessages(messages ...*core.EmailMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, messages...)
}

func (m *mailRecorder) Templates() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.msgs))
	for _, msg := range m.msgs {
		names = append(names, msg.TemplateName)
	}
	return names
}

type fixture struct {
	svc    *Service
	store  *profile.Store
	queue  *syncqueue.SyncQueue
	remote *remote.MemoryService
	certs  *certificate.Service
	bus    *core.EventBus
	events *testutil.EventRecorder
	mails  *mailRecorder
	logger *testutil.Logger
	clock  *testutil.Clock
}

func setup(t *testing.T, signIn bool) *fixture {
	t.Helper()

	cat, err := catalog.Load()
	require.NoError(t, err)

	kv := inmemdb.NewKVStore()
	f := &fixture{
		remote: remote.NewMemoryService(),
		bus:    core.NewEventBus(),
		mails:  &mailRecorder{},
		logger: testutil.NewLogger(),
		clock:  testutil.NewClock(t0),
	}
	f.store = profile.NewStore(kv, f.bus, f.logger)
	if signIn {
		f.store.Set(ada)
	}
	client := remote.NewClient(f.remote)
	f.queue = syncqueue.New(kv, client, f.bus, f.logger, syncqueue.WithClock(f.clock.Now))
	f.certs = certificate.NewService(kv, f.remote, f.mails, f.bus, core.NewTestConfig(), f.logger)
	f.svc = NewService(f.store, kv, f.queue, client, cat, f.certs, f.bus, f.logger)
	f.svc.SetClock(f.clock.Now)
	f.events = testutil.RecordEvents(f.bus)
	return f
}

func (f *fixture) toasts() []core.Toast {
	var toasts []core.Toast
	for _, evt := range f.events.Events(core.EventToast) {
		toasts = append(toasts, evt.Data.(core.Toast))
	}
	return toasts
}

func (f *fixture) profile(t *testing.T) profile.Profile {
	t.Helper()
	p, ok := f.store.Get()
	require.True(t, ok)
	return p
}

func TestService_Enroll(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	p, err := f.svc.Enroll(ctx, "eh-fund")
	require.NoError(t, err)
	assert.Equal(t, []string{"eh-fund"}, p.EnrolledCourses)
	assert.Equal(t, p, f.profile(t))
	assert.Equal(t, []core.Toast{{Title: "Enrolled", Description: "You have been enrolled in the course."}}, f.toasts())
	assert.Len(t, f.events.Events(core.EventSyncDelivered), 1)
	assert.Zero(t, f.queue.Size())

	enrollments, err := f.remote.ListEnrollments(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, enrollments, 1)
	assert.Equal(t, "eh-fund", enrollments[0].CourseID)
	assert.Equal(t, "2024-03-15T10:30:00.000Z", enrollments[0].EnrolledAt)

	// enrolling twice is a no-op
	_, err = f.svc.Enroll(ctx, "eh-fund")
	require.NoError(t, err)
	assert.Equal(t, 1, f.remote.Calls("UpsertEnrollment"))
	assert.Len(t, f.toasts(), 1)
}

func TestService_Enroll_offline(t *testing.T) {
	f := setup(t, true)
	f.remote.Fail(errOffline)

	p, err := f.svc.Enroll(context.Background(), "eh-fund")
	require.NoError(t, err)
	assert.True(t, p.IsEnrolled("eh-fund"))
	assert.Equal(t, []core.Toast{
		{Title: "Enrolled", Description: "You have been enrolled in the course."},
		{Title: "Enrollment pending sync", Description: "Working offline or server unreachable.", Variant: "destructive"},
	}, f.toasts())
	assert.Empty(t, f.events.Events(core.EventSyncDelivered))

	ops := f.queue.List()
	require.Len(t, ops, 1)
	assert.Equal(t, syncqueue.OpEnrollment, ops[0].Type)
	assert.Equal(t, "eh-fund", ops[0].CourseID)
	assert.Equal(t, syncqueue.Payload{UserID: "u1", CourseID: "eh-fund", EnrolledAt: "2024-03-15T10:30:00.000Z"}, ops[0].Payload)
	assert.Equal(t, 1, f.queue.CountFor("eh-fund"))

	// back online: the queue delivers the enrollment
	f.remote.Fail(nil)
	res := f.queue.Drain(context.Background())
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 2, f.remote.Calls("UpsertEnrollment"))
}

func TestService_Enroll_errors(t *testing.T) {
	tests := []struct {
		name     string
		signIn   bool
		courseID string
		check    func(t *testing.T, err error)
	}{
		{
			name:     "unknown course",
			signIn:   true,
			courseID: "nope",
			check:    func(t *testing.T, err error) { assert.True(t, core.IsNotFound(err)) },
		},
		{
			name:     "signed out",
			courseID: "eh-fund",
			check:    func(t *testing.T, err error) { assert.Equal(t, ErrNotSignedIn, err) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, tt.signIn)
			_, err := f.svc.Enroll(context.Background(), tt.courseID)
			require.Error(t, err)
			tt.check(t, err)
			assert.Zero(t, f.remote.Calls("UpsertEnrollment"))
			assert.Zero(t, f.queue.Size())
		})
	}
}

func TestService_ToggleModule(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	title := fundModules[1]

	res, err := f.svc.ToggleModule(ctx, "mobile-forensics-fund", title)
	require.NoError(t, err)
	assert.Equal(t, ToggleResult{ModuleTitle: title, Done: true, Synced: true, Percent: 17}, res)
	assert.Equal(t, []string{title}, f.svc.CompletedModules("mobile-forensics-fund"))
	assert.Len(t, f.events.Events(core.EventModulesChanged), 1)

	mods, err := f.remote.ListModuleProgress(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, mods, 1)
	assert.Equal(t, remote.ModuleProgress{UserID: "u1", CourseID: "mobile-forensics-fund", ModuleTitle: title, CompletedAt: "2024-03-15T10:30:00.000Z"}, mods[0])

	res, err = f.svc.ToggleModule(ctx, "mobile-forensics-fund", title)
	require.NoError(t, err)
	assert.Equal(t, ToggleResult{ModuleTitle: title, Synced: true}, res)
	assert.Empty(t, f.svc.CompletedModules("mobile-forensics-fund"))
	assert.Equal(t, 1, f.remote.Calls("DeleteModuleProgress"))
	assert.Len(t, f.events.Events(core.EventModulesChanged), 2)

	mods, err = f.remote.ListModuleProgress(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, mods)
	assert.Empty(t, f.toasts())
	assert.Zero(t, f.queue.Size())
}

func TestService_ToggleModule_offline(t *testing.T) {
	f := setup(t, true)
	f.remote.Fail(errOffline)

	res, err := f.svc.ToggleModule(context.Background(), "eh-fund", "Reconnaissance Basics")
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.False(t, res.Synced)
	assert.Equal(t, 10, res.Percent)
	assert.Equal(t, []core.Toast{{Title: "Progress saved locally", Description: "Retrying sync soon."}}, f.toasts())

	ops := f.queue.List()
	require.Len(t, ops, 1)
	assert.Equal(t, syncqueue.OpModuleProgress, ops[0].Type)
	assert.Equal(t, syncqueue.ActionUpsert, ops[0].Payload.Action)
	assert.Equal(t, "Reconnaissance Basics", ops[0].Payload.ModuleTitle)
}

func TestService_ToggleModule_errors(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	_, err := f.svc.ToggleModule(ctx, "eh-fund", "Not a module")
	assert.True(t, core.IsNotFound(err))

	_, err = f.svc.ToggleModule(ctx, "nope", "Reconnaissance Basics")
	assert.True(t, core.IsNotFound(err))

	f.store.Clear()
	_, err = f.svc.ToggleModule(ctx, "eh-fund", "Reconnaissance Basics")
	assert.Equal(t, ErrNotSignedIn, err)
	assert.Empty(t, f.events.Events(core.EventModulesChanged))
}

func TestService_ToggleModule_autoCompletes(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	var res ToggleResult
	var err error
	for _, title := range fundModules {
		res, err = f.svc.ToggleModule(ctx, "mobile-forensics-fund", title)
		require.NoError(t, err)
	}
	assert.True(t, res.CourseComplete)
	assert.Equal(t, 100, res.Percent)

	p := f.profile(t)
	assert.True(t, p.HasCompleted("mobile-forensics-fund"))
	assert.True(t, p.IsEnrolled("mobile-forensics-fund"))
	assert.Equal(t, []string{"mobile-forensics-fund"}, p.Certificates)
	assert.Equal(t, []core.Toast{{Title: "Course completed", Description: "Progress synced"}}, f.toasts())
	assert.Equal(t, 1, f.remote.Calls("UpsertCompletion"))

	issued := f.events.Events(core.EventCertificateIssued)
	require.Len(t, issued, 1)
	rec := issued[0].Data.(certificate.Record)
	assert.Equal(t, "Ada Lovelace", rec.Recipient)
	assert.Equal(t, "Mobile Device Security & Forensics Fundamentals", rec.Title)
	assert.Equal(t, certificate.KindCourse, rec.Type)
	assert.True(t, f.certs.CheckIntegrity(rec))
	assert.Equal(t, []string{"certificate_issued"}, f.mails.Templates())

	// unchecking a module keeps the course completed
	res, err = f.svc.ToggleModule(ctx, "mobile-forensics-fund", fundModules[0])
	require.NoError(t, err)
	assert.True(t, res.CourseComplete)
	assert.Equal(t, 1, f.remote.Calls("UpsertCompletion"))
	assert.Len(t, f.events.Events(core.EventCertificateIssued), 1)
}

func TestService_Complete(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	f.remote.Fail(errOffline)

	p, err := f.svc.Complete(ctx, "eh-fund")
	require.NoError(t, err)
	assert.True(t, p.HasCompleted("eh-fund"))
	assert.Equal(t, []string{"eh-fund"}, p.Certificates)
	assert.Equal(t, []core.Toast{{Title: "Completion saved locally", Description: "Will retry sync"}}, f.toasts())
	assert.NotEmpty(t, f.logger.Entries("warn")) // remote certificate copy failed

	ops := f.queue.List()
	require.Len(t, ops, 1)
	assert.Equal(t, syncqueue.OpCompletion, ops[0].Type)
	assert.Equal(t, "2024-03-15T10:30:00.000Z", ops[0].Payload.CompletedAt)

	// completing twice is a no-op
	_, err = f.svc.Complete(ctx, "eh-fund")
	require.NoError(t, err)
	assert.Len(t, f.toasts(), 1)
	assert.Equal(t, 1, f.queue.Size())
	assert.Len(t, f.certs.List(), 1)
}

func TestService_CompletionPercent(t *testing.T) {
	tests := []struct {
		name     string
		courseID string
		done     []string
		want     int
	}{
		{name: "none", courseID: "eh-fund", want: 0},
		{name: "one of ten", courseID: "eh-fund", done: []string{"Reconnaissance Basics"}, want: 10},
		{name: "one of six rounds up", courseID: "mobile-forensics-fund", done: fundModules[:1], want: 17},
		{name: "two of six rounds down", courseID: "mobile-forensics-fund", done: fundModules[:2], want: 33},
		{name: "half", courseID: "mobile-forensics-fund", done: fundModules[:3], want: 50},
		{name: "all", courseID: "mobile-forensics-fund", done: fundModules, want: 100},
		{name: "unknown course", courseID: "nope", want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, true)
			for _, title := range tt.done {
				_, err := f.svc.ToggleModule(context.Background(), tt.courseID, title)
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, f.svc.CompletionPercent(tt.courseID))
		})
	}
}

func TestService_FirstIncompleteModule(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	idx, ok := f.svc.FirstIncompleteModule("mobile-forensics-fund")
	assert.True(t, ok)
	assert.Equal(t, 0, idx)

	_, err := f.svc.ToggleModule(ctx, "mobile-forensics-fund", fundModules[0])
	require.NoError(t, err)
	_, err = f.svc.ToggleModule(ctx, "mobile-forensics-fund", fundModules[2])
	require.NoError(t, err)
	idx, ok = f.svc.FirstIncompleteModule("mobile-forensics-fund")
	assert.True(t, ok)
	assert.Equal(t, 1, idx)

	for _, title := range []string{fundModules[1], fundModules[3], fundModules[4], fundModules[5]} {
		_, err = f.svc.ToggleModule(ctx, "mobile-forensics-fund", title)
		require.NoError(t, err)
	}
	idx, ok = f.svc.FirstIncompleteModule("mobile-forensics-fund")
	assert.True(t, ok)
	assert.Equal(t, 0, idx)

	idx, ok = f.svc.FirstIncompleteModule("nope")
	assert.False(t, ok)
	assert.Equal(t, -1, idx)
}

func TestService_Progress(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	f.remote.Fail(errOffline)

	_, err := f.svc.Enroll(ctx, "eh-fund")
	require.NoError(t, err)
	_, err = f.svc.ToggleModule(ctx, "eh-fund", "Introduction & Lab Setup")
	require.NoError(t, err)

	prog, err := f.svc.Progress("eh-fund")
	require.NoError(t, err)
	assert.Equal(t, Progress{
		CourseID:         "eh-fund",
		Enrolled:         true,
		Percent:          10,
		CompletedModules: []string{"Introduction & Lab Setup"},
		NextModule:       1,
		Pending:          2,
	}, prog)
}

func TestService_LearningPath(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	p, err := f.svc.EnrollLearningPath("mobile-forensics-path")
	require.NoError(t, err)
	assert.Equal(t, []string{"mobile-forensics-path"}, p.LearningPaths)

	p, err = f.svc.CompleteLearningPath(ctx, "mobile-forensics-path")
	require.NoError(t, err)
	assert.True(t, p.HasPathCertificate("mobile-forensics-path"))
	assert.Equal(t, []core.Toast{
		{Title: "Learning Path enrolled", Description: "Path added to your dashboard"},
		{Title: "Path completed", Description: "Certificate issued"},
	}, f.toasts())

	issued := f.events.Events(core.EventCertificateIssued)
	require.Len(t, issued, 1)
	rec := issued[0].Data.(certificate.Record)
	assert.Equal(t, certificate.KindLearningPath, rec.Type)
	assert.Equal(t, "Mobile Device Security & Forensics Path", rec.Title)

	_, err = f.svc.CompleteLearningPath(ctx, "mobile-forensics-path")
	require.NoError(t, err)
	assert.Len(t, f.events.Events(core.EventCertificateIssued), 1)

	_, err = f.svc.EnrollLearningPath("nope")
	assert.True(t, core.IsNotFound(err))
}

func TestService_Hydrate(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	require.NoError(t, f.remote.UpsertEnrollment(ctx, remote.Enrollment{UserID: "u1", CourseID: "eh-fund", EnrolledAt: "2024-01-01T00:00:00.000Z"}))
	require.NoError(t, f.remote.UpsertCompletion(ctx, remote.Enrollment{UserID: "u1", CourseID: "df-ess", CompletedAt: "2024-02-01T00:00:00.000Z"}))
	require.NoError(t, f.remote.UpsertEnrollment(ctx, remote.Enrollment{UserID: "u2", CourseID: "malware"}))
	require.NoError(t, f.remote.UpsertModuleProgress(ctx, remote.ModuleProgress{UserID: "u1", CourseID: "eh-fund", ModuleTitle: "Reconnaissance Basics"}))

	// local progress is kept
	_, err := f.svc.ToggleModule(ctx, "eh-fund", "Introduction & Lab Setup")
	require.NoError(t, err)

	p, err := f.svc.Hydrate(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"eh-fund", "df-ess"}, p.EnrolledCourses)
	assert.Equal(t, []string{"df-ess"}, p.CompletedCourses)
	assert.ElementsMatch(t, []string{"Introduction & Lab Setup", "Reconnaissance Basics"}, f.svc.CompletedModules("eh-fund"))
	assert.Len(t, f.events.Events(core.EventModulesChanged), 2)

	// hydrating again changes nothing
	again, err := f.svc.Hydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, p, again)
	assert.Len(t, f.svc.CompletedModules("eh-fund"), 2)
}

func TestService_Hydrate_errors(t *testing.T) {
	f := setup(t, false)
	_, err := f.svc.Hydrate(context.Background())
	assert.Equal(t, ErrNotSignedIn, err)

	f.store.Set(ada)
	f.remote.Fail(errOffline)
	_, err = f.svc.Hydrate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errOffline)
	assert.Empty(t, f.profile(t).EnrolledCourses)
}
