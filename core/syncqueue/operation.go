package syncqueue

import "context"

// OpType is the kind of remote write a pending operation carries.
type OpType string

const (
	OpEnrollment     OpType = "enrollment"
	OpModuleProgress OpType = "module_progress"
	OpCompletion     OpType = "completion"
)

// Action applies to module progress operations.
type Action string

const (
	ActionUpsert Action = "upsert"
	ActionDelete Action = "delete"
)

type (
	// Payload is the operation-specific data. Timestamps are ISO-8601 strings.
	Payload struct {
		UserID      string `json:"user_id"`
		CourseID    string `json:"course_id"`
		ModuleTitle string `json:"module_title,omitempty"`
		Action      Action `json:"action,omitempty"`
		EnrolledAt  string `json:"enrolled_at,omitempty"`
		CompletedAt string `json:"completed_at,omitempty"`
	}

	// PendingOperation is a queued write destined for the remote data service.
	// NextRetry and CreatedAt are epoch milliseconds.
	PendingOperation struct {
		ID        string  `json:"id"`
		Type      OpType  `json:"type"`
		Payload   Payload `json:"payload"`
		Attempts  int     `json:"attempts"`
		NextRetry int64   `json:"nextRetry"`
		CreatedAt int64   `json:"createdAt"`
		LastError string  `json:"lastError,omitempty"`
		CourseID  string  `json:"courseId,omitempty"`
	}

	// OperationDetail is the read-only view of a pending operation (UI display).
	OperationDetail struct {
		ID        string `json:"id"`
		Type      OpType `json:"type"`
		Attempts  int    `json:"attempts"`
		NextRetry int64  `json:"next_retry"`
		AgeMillis int64  `json:"age_ms"`
		LastError string `json:"last_error,omitempty"`
	}

	// PermanentFailure is the data of core.EventSyncFailedPermanently.
	PermanentFailure struct {
		Operation PendingOperation `json:"operation"`
		Error     string           `json:"error"`
	}

	// Deliverer performs the remote write of an operation. It must not retry:
	// any error is a (retryable) delivery failure.
	Deliverer interface {
		Deliver(ctx context.Context, op PendingOperation) error
	}

	// DelivererFunc adapts a function to Deliverer.
	DelivererFunc func(ctx context.Context, op PendingOperation) error
)

func (f DelivererFunc) Deliver(ctx context.Context, op PendingOperation) error { return f(ctx, op) }
