// Package learning implements the learner-facing operations: enrollments, module progress,
// course completion and learning paths. Local state is updated first; remote writes are
// attempted right away and queued for retry when they fail.
package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/nexlearn/core"
	"github.com/trezcool/nexlearn/core/catalog"
	"github.com/trezcool/nexlearn/core/certificate"
	"github.com/trezcool/nexlearn/core/profile"
	"github.com/trezcool/nexlearn/core/remote"
	"github.com/trezcool/nexlearn/core/syncqueue"
)

const progressKey = "nex_module_progress"

var (
	ErrNotSignedIn    = errors.New("not signed in")
	ErrModuleNotFound = core.NewNotFoundError("module")
)

type (
	courseProgress struct {
		Completed []string `json:"completed"`
	}

	// progressMap is keyed by user id, then course id.
	progressMap map[string]map[string]*courseProgress

	// Progress is the state of a course for the signed-in learner.
	Progress struct {
		CourseID         string   `json:"course_id"`
		Enrolled         bool     `json:"enrolled"`
		Completed        bool     `json:"completed"`
		Percent          int      `json:"percent"`
		CompletedModules []string `json:"completed_modules"`
		NextModule       int      `json:"next_module"`
		Pending          int      `json:"pending"`
	}

	// ToggleResult is returned by ToggleModule.
	ToggleResult struct {
		ModuleTitle    string `json:"module_title"`
		Done           bool   `json:"done"`
		Synced         bool   `json:"synced"`
		CourseComplete bool   `json:"course_complete"`
		Percent        int    `json:"percent"`
	}
)

type Service struct {
	store     *profile.Store
	kv        core.KVStore
	queue     *syncqueue.SyncQueue
	deliverer syncqueue.Deliverer
	remote    remote.DataService
	catalog   *catalog.Catalog
	certs     *certificate.Service
	bus       *core.EventBus
	logger    core.Logger
	now       func() time.Time
	mu        sync.Mutex // serializes progress map read-modify-write
}

func NewService(
	store *profile.Store,
	kv core.KVStore,
	queue *syncqueue.SyncQueue,
	client *remote.Client,
	cat *catalog.Catalog,
	certs *certificate.Service,
	bus *core.EventBus,
	logger core.Logger,
) *Service {
	return &Service{
		store:     store,
		kv:        kv,
		queue:     queue,
		deliverer: client,
		remote:    client.Service(),
		catalog:   cat,
		certs:     certs,
		bus:       bus,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock replaces the time source (tests).
func (svc *Service) SetClock(now func() time.Time) { svc.now = now }

func (svc *Service) currentProfile() (profile.Profile, error) {
	p, ok := svc.store.Get()
	if !ok {
		return profile.Profile{}, ErrNotSignedIn
	}
	return p, nil
}

func (svc *Service) course(courseID string) (catalog.Course, error) {
	c, err := svc.catalog.Get(courseID)
	if err != nil {
		return catalog.Course{}, errors.Wrap(err, courseID)
	}
	return c, nil
}

func (svc *Service) loadProgress(ctx context.Context) progressMap {
	raw, err := svc.kv.Get(ctx, progressKey)
	if err != nil {
		if err != core.ErrKeyNotFound {
			svc.logger.Warn(fmt.Sprintf("reading module progress: %v", err), err)
		}
		return progressMap{}
	}
	pm := progressMap{}
	if err = json.Unmarshal([]byte(raw), &pm); err != nil {
		svc.logger.Warn(fmt.Sprintf("decoding module progress: %v", err), err)
		return progressMap{}
	}
	return pm
}

func (svc *Service) saveProgress(ctx context.Context, pm progressMap) {
	data, err := json.Marshal(pm)
	if err != nil {
		svc.logger.Warn(fmt.Sprintf("encoding module progress: %v", err), err)
		return
	}
	if err = svc.kv.Set(ctx, progressKey, string(data)); err != nil {
		svc.logger.Warn(fmt.Sprintf("saving module progress: %v", err), err)
	}
}

func (pm progressMap) course(userID, courseID string) *courseProgress {
	if pm[userID] == nil {
		pm[userID] = map[string]*courseProgress{}
	}
	if pm[userID][courseID] == nil {
		pm[userID][courseID] = &courseProgress{Completed: []string{}}
	}
	return pm[userID][courseID]
}

// deliver attempts the remote write of an operation once; on failure it is queued.
func (svc *Service) deliver(ctx context.Context, typ syncqueue.OpType, payload syncqueue.Payload) bool {
	op := syncqueue.PendingOperation{Type: typ, Payload: payload, CourseID: payload.CourseID}
	if err := svc.deliverer.Deliver(ctx, op); err != nil {
		svc.logger.Debug(fmt.Sprintf("%s for course %s not delivered, queueing: %v", typ, payload.CourseID, err))
		svc.queue.Enqueue(typ, payload, payload.CourseID)
		return false
	}
	svc.bus.Publish(core.EventSyncDelivered, op)
	return true
}

// Enroll adds the course to the learner's enrollments. Enrolling twice is a no-op.
func (svc *Service) Enroll(ctx context.Context, courseID string) (profile.Profile, error) {
	if _, err := svc.course(courseID); err != nil {
		return profile.Profile{}, err
	}
	p, err := svc.currentProfile()
	if err != nil {
		return profile.Profile{}, err
	}
	if p.IsEnrolled(courseID) {
		return p, nil
	}

	p, _ = svc.store.Update(func(p *profile.Profile) {
		p.EnrolledCourses = profile.AppendUnique(p.EnrolledCourses, courseID)
	})
	svc.bus.Toast("Enrolled", "You have been enrolled in the course.")

	payload := syncqueue.Payload{UserID: p.ID, CourseID: courseID, EnrolledAt: core.ISOTime(svc.now())}
	if !svc.deliver(ctx, syncqueue.OpEnrollment, payload) {
		svc.bus.Toast("Enrollment pending sync", "Working offline or server unreachable.", true)
	}
	return p, nil
}

// ToggleModule flips the completion of a module, then completes the course when every module is done.
func (svc *Service) ToggleModule(ctx context.Context, courseID, moduleTitle string) (ToggleResult, error) {
	c, err := svc.course(courseID)
	if err != nil {
		return ToggleResult{}, err
	}
	if !c.HasModule(moduleTitle) {
		return ToggleResult{}, errors.Wrap(ErrModuleNotFound, moduleTitle)
	}
	p, err := svc.currentProfile()
	if err != nil {
		return ToggleResult{}, err
	}

	svc.mu.Lock()
	pm := svc.loadProgress(ctx)
	cp := pm.course(p.ID, courseID)
	done := true
	for i, title := range cp.Completed {
		if title == moduleTitle {
			cp.Completed = append(cp.Completed[:i], cp.Completed[i+1:]...)
			done = false
			break
		}
	}
	if done {
		cp.Completed = append(cp.Completed, moduleTitle)
	}
	svc.saveProgress(ctx, pm)
	svc.mu.Unlock()

	svc.bus.Publish(core.EventModulesChanged, courseID)

	payload := syncqueue.Payload{UserID: p.ID, CourseID: courseID, ModuleTitle: moduleTitle, Action: syncqueue.ActionDelete}
	if done {
		payload.Action = syncqueue.ActionUpsert
		payload.CompletedAt = core.ISOTime(svc.now())
	}
	res := ToggleResult{ModuleTitle: moduleTitle, Done: done}
	if res.Synced = svc.deliver(ctx, syncqueue.OpModuleProgress, payload); !res.Synced {
		svc.bus.Toast("Progress saved locally", "Retrying sync soon.")
	}

	if res.CourseComplete, err = svc.SyncAutoCompletion(ctx, courseID); err != nil {
		return res, err
	}
	res.Percent = svc.CompletionPercent(courseID)
	return res, nil
}

// Complete marks the course completed and awards its certificate. Completing twice is a no-op.
func (svc *Service) Complete(ctx context.Context, courseID string) (profile.Profile, error) {
	c, err := svc.course(courseID)
	if err != nil {
		return profile.Profile{}, err
	}
	p, err := svc.currentProfile()
	if err != nil {
		return profile.Profile{}, err
	}
	if p.HasCompleted(courseID) {
		return p, nil
	}
	return svc.complete(ctx, c), nil
}

func (svc *Service) complete(ctx context.Context, c catalog.Course) profile.Profile {
	p, _ := svc.store.Update(func(p *profile.Profile) {
		p.EnrolledCourses = profile.AppendUnique(p.EnrolledCourses, c.ID)
		p.CompletedCourses = profile.AppendUnique(p.CompletedCourses, c.ID)
		p.Certificates = profile.AppendUnique(p.Certificates, c.ID)
	})

	payload := syncqueue.Payload{UserID: p.ID, CourseID: c.ID, CompletedAt: core.ISOTime(svc.now())}
	if svc.deliver(ctx, syncqueue.OpCompletion, payload) {
		svc.bus.Toast("Course completed", "Progress synced")
	} else {
		svc.bus.Toast("Completion saved locally", "Will retry sync")
	}

	svc.issueCertificate(ctx, p, c.Title, certificate.KindCourse)
	return p
}

func (svc *Service) issueCertificate(ctx context.Context, p profile.Profile, title string, kind certificate.Kind) {
	if svc.certs == nil {
		return
	}
	_, err := svc.certs.Issue(ctx, certificate.Options{
		Recipient: p.Name,
		Title:     title,
		Type:      kind,
		Issued:    svc.now(),
		Email:     p.Email,
	})
	if err != nil {
		svc.logger.Warn(fmt.Sprintf("issuing certificate %q: %v", title, err), err)
	}
}

// SyncAutoCompletion completes the course once all of its modules are done.
// Returns true when the course is (now) completed.
func (svc *Service) SyncAutoCompletion(ctx context.Context, courseID string) (bool, error) {
	c, err := svc.course(courseID)
	if err != nil {
		return false, err
	}
	p, err := svc.currentProfile()
	if err != nil {
		return false, err
	}
	if p.HasCompleted(courseID) {
		return true, nil
	}
	if len(c.Modules) == 0 || svc.CompletionPercent(courseID) < 100 {
		return false, nil
	}
	svc.complete(ctx, c)
	return true, nil
}

// CompletedModules returns the titles of the modules the learner completed, in completion order.
func (svc *Service) CompletedModules(courseID string) []string {
	p, err := svc.currentProfile()
	if err != nil {
		return []string{}
	}
	pm := svc.loadProgress(context.Background())
	if pm[p.ID] == nil || pm[p.ID][courseID] == nil {
		return []string{}
	}
	return append([]string{}, pm[p.ID][courseID].Completed...)
}

// CompletionPercent is the rounded share of completed modules, capped at 100.
func (svc *Service) CompletionPercent(courseID string) int {
	c, err := svc.catalog.Get(courseID)
	if err != nil || len(c.Modules) == 0 {
		return 0
	}
	done := 0
	for _, title := range svc.CompletedModules(courseID) {
		if c.HasModule(title) {
			done++
		}
	}
	pct := int(math.Floor(float64(done)/float64(len(c.Modules))*100 + 0.5))
	if pct > 100 {
		pct = 100
	}
	return pct
}

// FirstIncompleteModule returns the index of the first module not yet completed
// (0 when all are). False if the course has no modules.
func (svc *Service) FirstIncompleteModule(courseID string) (int, bool) {
	c, err := svc.catalog.Get(courseID)
	if err != nil || len(c.Modules) == 0 {
		return -1, false
	}
	done := make(map[string]bool)
	for _, title := range svc.CompletedModules(courseID) {
		done[title] = true
	}
	for i, m := range c.Modules {
		if !done[m.Title] {
			return i, true
		}
	}
	return 0, true
}

// Progress summarizes the course state for the signed-in learner.
func (svc *Service) Progress(courseID string) (Progress, error) {
	if _, err := svc.course(courseID); err != nil {
		return Progress{}, err
	}
	p, err := svc.currentProfile()
	if err != nil {
		return Progress{}, err
	}
	next, _ := svc.FirstIncompleteModule(courseID)
	return Progress{
		CourseID:         courseID,
		Enrolled:         p.IsEnrolled(courseID),
		Completed:        p.HasCompleted(courseID),
		Percent:          svc.CompletionPercent(courseID),
		CompletedModules: svc.CompletedModules(courseID),
		NextModule:       next,
		Pending:          svc.queue.CountFor(courseID),
	}, nil
}

// EnrollLearningPath adds the learning path to the learner's dashboard.
func (svc *Service) EnrollLearningPath(pathID string) (profile.Profile, error) {
	if _, err := svc.catalog.Path(pathID); err != nil {
		return profile.Profile{}, errors.Wrap(err, pathID)
	}
	if _, err := svc.currentProfile(); err != nil {
		return profile.Profile{}, err
	}
	p, _ := svc.store.Update(func(p *profile.Profile) {
		p.LearningPaths = profile.AppendUnique(p.LearningPaths, pathID)
	})
	svc.bus.Toast("Learning Path enrolled", "Path added to your dashboard")
	return p, nil
}

// CompleteLearningPath awards the path certificate. Completing twice is a no-op.
func (svc *Service) CompleteLearningPath(ctx context.Context, pathID string) (profile.Profile, error) {
	lp, err := svc.catalog.Path(pathID)
	if err != nil {
		return profile.Profile{}, errors.Wrap(err, pathID)
	}
	p, err := svc.currentProfile()
	if err != nil {
		return profile.Profile{}, err
	}
	if p.HasPathCertificate(pathID) {
		return p, nil
	}

	p, _ = svc.store.Update(func(p *profile.Profile) {
		p.LearningPaths = profile.AppendUnique(p.LearningPaths, pathID)
		p.PathCertificates = profile.AppendUnique(p.PathCertificates, pathID)
	})
	svc.bus.Toast("Path completed", "Certificate issued")
	svc.issueCertificate(ctx, p, lp.Title, certificate.KindLearningPath)
	return p, nil
}

// Hydrate merges the learner's remote enrollments and module progress into the local state.
// Local data is never removed.
func (svc *Service) Hydrate(ctx context.Context) (profile.Profile, error) {
	p, err := svc.currentProfile()
	if err != nil {
		return profile.Profile{}, err
	}

	enrollments, err := svc.remote.ListEnrollments(ctx, p.ID)
	if err != nil {
		return p, errors.Wrap(err, "listing remote enrollments")
	}
	mods, err := svc.remote.ListModuleProgress(ctx, p.ID)
	if err != nil {
		return p, errors.Wrap(err, "listing remote module progress")
	}

	p, _ = svc.store.Update(func(p *profile.Profile) {
		for _, e := range enrollments {
			p.EnrolledCourses = profile.AppendUnique(p.EnrolledCourses, e.CourseID)
			if e.CompletedAt != "" {
				p.CompletedCourses = profile.AppendUnique(p.CompletedCourses, e.CourseID)
			}
		}
	})

	if len(mods) > 0 {
		svc.mu.Lock()
		pm := svc.loadProgress(ctx)
		for _, m := range mods {
			cp := pm.course(p.ID, m.CourseID)
			cp.Completed = profile.AppendUnique(cp.Completed, m.ModuleTitle)
		}
		svc.saveProgress(ctx, pm)
		svc.mu.Unlock()
		svc.bus.Publish(core.EventModulesChanged, nil)
	}
	svc.logger.Info(fmt.Sprintf("hydrated %d enrollments and %d module records for %s", len(enrollments), len(mods), strings.TrimSpace(p.Email)))
	return p, nil
}
