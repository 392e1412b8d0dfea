// Package remote adapts the queued learning writes to the hosted data service.
package remote

import (
	"context"

	"github.com/volatiletech/null/v8"

	"github.com/trezcool/nexlearn/core"
)

var ErrNotFound = core.NewNotFoundError("remote record")

type (
	// Enrollment is a row of the remote `enrollments` table.
	// Empty timestamps are omitted so that upserts never clear them.
	Enrollment struct {
		UserID      string `json:"user_id"`
		CourseID    string `json:"course_id"`
		EnrolledAt  string `json:"enrolled_at,omitempty"`
		CompletedAt string `json:"completed_at,omitempty"`
	}

	// ModuleProgress is a row of the remote `module_progress` table.
	ModuleProgress struct {
		UserID      string `json:"user_id"`
		CourseID    string `json:"course_id"`
		ModuleTitle string `json:"module_title"`
		CompletedAt string `json:"completed_at,omitempty"`
	}

	// Certificate is a row of the remote `certificates` table.
	Certificate struct {
		ID       string `json:"id"`
		UserName string `json:"user_name"`
		Title    string `json:"title"`
		Type     string `json:"type"`
		Issued   string `json:"issued"`
		Hash     string `json:"hash"`
	}

	// ClientError is a row of the remote `client_errors` table.
	// Stack and Context (a JSON object) are null when absent.
	ClientError struct {
		ID      string      `json:"id"`
		Level   string      `json:"level"`
		Message string      `json:"message"`
		Stack   null.String `json:"stack"`
		Context null.String `json:"context"`
		TS      string      `json:"ts"`
	}

	// DataService is the hosted store of the learning records.
	DataService interface {
		UpsertEnrollment(ctx context.Context, e Enrollment) error
		// UpsertCompletion marks an enrollment completed (creating it if needed).
		UpsertCompletion(ctx context.Context, e Enrollment) error
		UpsertModuleProgress(ctx context.Context, mp ModuleProgress) error
		DeleteModuleProgress(ctx context.Context, userID, courseID, moduleTitle string) error
		ListEnrollments(ctx context.Context, userID string) ([]Enrollment, error)
		ListModuleProgress(ctx context.Context, userID string) ([]ModuleProgress, error)
		UpsertCertificate(ctx context.Context, c Certificate) error
		// FindCertificate looks a certificate up by id, then by hash. Returns ErrNotFound.
		FindCertificate(ctx context.Context, idOrHash string) (Certificate, error)
		// UpsertClientErrors stores a batch of error reports, keyed by id.
		UpsertClientErrors(ctx context.Context, errs []ClientError) error
	}
)
