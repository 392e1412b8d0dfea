package remote

import (
	"context"
	"sort"
	"sync"
)

type (
	enrollmentKey struct{ userID, courseID string }
	progressKey   struct{ userID, courseID, moduleTitle string }
)

// MemoryService is a process-local DataService (remote transport "memory").
// Failures can be injected to simulate an unreachable service.
type MemoryService struct {
	mu           sync.RWMutex
	enrollments  map[enrollmentKey]Enrollment
	progress     map[progressKey]ModuleProgress
	certificates map[string]Certificate
	clientErrors map[string]ClientError
	calls        map[string]int

	err      error
	failNext int
}

var _ DataService = (*MemoryService)(nil) // interface compliance check

func NewMemoryService() *MemoryService {
	return &MemoryService{
		enrollments:  make(map[enrollmentKey]Enrollment),
		progress:     make(map[progressKey]ModuleProgress),
		certificates: make(map[string]Certificate),
		clientErrors: make(map[string]ClientError),
		calls:        make(map[string]int),
	}
}

// Fail makes every following write (and read) fail with err; nil restores the service.
func (s *MemoryService) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	s.failNext = -1
	if err == nil {
		s.failNext = 0
	}
}

// FailNext makes the next n calls fail with err.
func (s *MemoryService) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	s.failNext = n
}

// Calls returns the number of calls made to method (failed ones included).
func (s *MemoryService) Calls(method string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[method]
}

// call records a call and returns the injected failure, if any. Must hold mu.
func (s *MemoryService) call(method string) error {
	s.calls[method]++
	if s.failNext == 0 {
		return nil
	}
	if s.failNext > 0 {
		s.failNext--
	}
	return s.err
}

func (s *MemoryService) UpsertEnrollment(_ context.Context, e Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("UpsertEnrollment"); err != nil {
		return err
	}
	s.mergeEnrollment(e)
	return nil
}

func (s *MemoryService) UpsertCompletion(_ context.Context, e Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("UpsertCompletion"); err != nil {
		return err
	}
	s.mergeEnrollment(e)
	return nil
}

func (s *MemoryService) mergeEnrollment(e Enrollment) {
	key := enrollmentKey{e.UserID, e.CourseID}
	if old, ok := s.enrollments[key]; ok {
		if e.EnrolledAt == "" {
			e.EnrolledAt = old.EnrolledAt
		}
		if e.CompletedAt == "" {
			e.CompletedAt = old.CompletedAt
		}
	}
	s.enrollments[key] = e
}

func (s *MemoryService) UpsertModuleProgress(_ context.Context, mp ModuleProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("UpsertModuleProgress"); err != nil {
		return err
	}
	s.progress[progressKey{mp.UserID, mp.CourseID, mp.ModuleTitle}] = mp
	return nil
}

func (s *MemoryService) DeleteModuleProgress(_ context.Context, userID, courseID, moduleTitle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("DeleteModuleProgress"); err != nil {
		return err
	}
	delete(s.progress, progressKey{userID, courseID, moduleTitle})
	return nil
}

func (s *MemoryService) ListEnrollments(_ context.Context, userID string) ([]Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("ListEnrollments"); err != nil {
		return nil, err
	}

	enrollments := make([]Enrollment, 0)
	for key, e := range s.enrollments {
		if key.userID == userID {
			enrollments = append(enrollments, e)
		}
	}
	sort.Slice(enrollments, func(i, j int) bool { return enrollments[i].CourseID < enrollments[j].CourseID })
	return enrollments, nil
}

func (s *MemoryService) ListModuleProgress(_ context.Context, userID string) ([]ModuleProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("ListModuleProgress"); err != nil {
		return nil, err
	}

	progress := make([]ModuleProgress, 0)
	for key, mp := range s.progress {
		if key.userID == userID {
			progress = append(progress, mp)
		}
	}
	sort.Slice(progress, func(i, j int) bool {
		if progress[i].CourseID != progress[j].CourseID {
			return progress[i].CourseID < progress[j].CourseID
		}
		return progress[i].ModuleTitle < progress[j].ModuleTitle
	})
	return progress, nil
}

func (s *MemoryService) UpsertCertificate(_ context.Context, c Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("UpsertCertificate"); err != nil {
		return err
	}
	s.certificates[c.ID] = c
	return nil
}

func (s *MemoryService) FindCertificate(_ context.Context, idOrHash string) (Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("FindCertificate"); err != nil {
		return Certificate{}, err
	}

	if c, ok := s.certificates[idOrHash]; ok {
		return c, nil
	}
	for _, c := range s.certificates {
		if c.Hash == idOrHash {
			return c, nil
		}
	}
	return Certificate{}, ErrNotFound
}

func (s *MemoryService) UpsertClientErrors(_ context.Context, errs []ClientError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("UpsertClientErrors"); err != nil {
		return err
	}
	for _, e := range errs {
		s.clientErrors[e.ID] = e
	}
	return nil
}

// ClientErrors returns the stored error reports, oldest first.
func (s *MemoryService) ClientErrors() []ClientError {
	s.mu.RLock()
	defer s.mu.RUnlock()
	errs := make([]ClientError, 0, len(s.clientErrors))
	for _, e := range s.clientErrors {
		errs = append(errs, e)
	}
	sort.Slice(errs, func(i, j int) bool {
		if errs[i].TS != errs[j].TS {
			return errs[i].TS < errs[j].TS
		}
		return errs[i].ID < errs[j].ID
	})
	return errs
}
