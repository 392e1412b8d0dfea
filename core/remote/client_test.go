package remote

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/nexlearn/core"
	"github.com/trezcool/nexlearn/core/syncqueue"
)

func TestClient_Deliver(t *testing.T) {
	ctx := context.Background()
	svc := NewMemoryService()
	client := NewClient(svc)

	tests := []struct {
		name       string
		op         syncqueue.PendingOperation
		wantMethod string
	}{
		{
			name: "enrollment",
			op: syncqueue.PendingOperation{Type: syncqueue.OpEnrollment, Payload: syncqueue.Payload{
				UserID: "u1", CourseID: "eh-fund", EnrolledAt: "2024-01-01T00:00:00.000Z",
			}},
			wantMethod: "UpsertEnrollment",
		},
		{
			name: "module progress upsert",
			op: syncqueue.PendingOperation{Type: syncqueue.OpModuleProgress, Payload: syncqueue.Payload{
				UserID: "u1", CourseID: "eh-fund", ModuleTitle: "Reconnaissance Basics", Action: syncqueue.ActionUpsert, CompletedAt: "2024-01-02T00:00:00.000Z",
			}},
			wantMethod: "UpsertModuleProgress",
		},
		{
			name: "module progress delete",
			op: syncqueue.PendingOperation{Type: syncqueue.OpModuleProgress, Payload: syncqueue.Payload{
				UserID: "u1", CourseID: "eh-fund", ModuleTitle: "Reconnaissance Basics", Action: syncqueue.ActionDelete,
			}},
			wantMethod: "DeleteModuleProgress",
		},
		{
			name: "completion",
			op: syncqueue.PendingOperation{Type: syncqueue.OpCompletion, Payload: syncqueue.Payload{
				UserID: "u1", CourseID: "eh-fund", CompletedAt: "2024-01-03T00:00:00.000Z",
			}},
			wantMethod: "UpsertCompletion",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := svc.Calls(tt.wantMethod)
			require.NoError(t, client.Deliver(ctx, tt.op))
			assert.Equal(t, before+1, svc.Calls(tt.wantMethod))
		})
	}

	enrollments, err := svc.ListEnrollments(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []Enrollment{{
		UserID:      "u1",
		CourseID:    "eh-fund",
		EnrolledAt:  "2024-01-01T00:00:00.000Z",
		CompletedAt: "2024-01-03T00:00:00.000Z",
	}}, enrollments)

	progress, err := svc.ListModuleProgress(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, progress, "upserted then deleted")
}

func TestClient_Deliver_errors(t *testing.T) {
	ctx := context.Background()
	svc := NewMemoryService()
	client := NewClient(svc)
	errDown := errors.New("503 service unavailable")

	err := client.Deliver(ctx, syncqueue.PendingOperation{Type: "payment"})
	assert.EqualError(t, err, `unknown operation type "payment"`)

	svc.FailNext(1, errDown)
	op := syncqueue.PendingOperation{Type: syncqueue.OpEnrollment, Payload: syncqueue.Payload{UserID: "u1", CourseID: "ans"}}
	err = client.Deliver(ctx, op)
	require.Error(t, err)
	assert.Equal(t, errDown, errors.Unwrap(errors.Unwrap(err)))
	assert.Contains(t, err.Error(), "upserting enrollment u1/ans")

	assert.NoError(t, client.Deliver(ctx, op), "only the next call fails")
}

func TestMemoryService_certificates(t *testing.T) {
	ctx := context.Background()
	svc := NewMemoryService()

	cert := Certificate{ID: "c1", UserName: "Ada Lovelace", Title: "Intro to Security", Type: "course", Issued: "2024-01-01T00:00:00.000Z", Hash: "8F2C41D9AB03"}
	require.NoError(t, svc.UpsertCertificate(ctx, cert))

	for _, key := range []string{"c1", "8F2C41D9AB03"} {
		got, err := svc.FindCertificate(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, cert, got)
	}

	_, err := svc.FindCertificate(ctx, "missing")
	assert.True(t, core.IsNotFound(err))

	svc.Fail(errors.New("offline"))
	_, err = svc.FindCertificate(ctx, "c1")
	assert.EqualError(t, err, "offline")
	svc.Fail(nil)
	_, err = svc.FindCertificate(ctx, "c1")
	assert.NoError(t, err)
}
