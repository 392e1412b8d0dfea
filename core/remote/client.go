package remote

import (
	"context"

	"github.com/pkg/errors"

	"github.com/trezcool/nexlearn/core/syncqueue"
)

// Client delivers pending operations to the data service. It is stateless and never retries.
type Client struct {
	svc DataService
}

var _ syncqueue.Deliverer = (*Client)(nil)

func NewClient(svc DataService) *Client {
	return &Client{svc: svc}
}

func (c *Client) Deliver(ctx context.Context, op syncqueue.PendingOperation) error {
	p := op.Payload

	switch op.Type {
	case syncqueue.OpEnrollment:
		err := c.svc.UpsertEnrollment(ctx, Enrollment{UserID: p.UserID, CourseID: p.CourseID, EnrolledAt: p.EnrolledAt})
		return errors.Wrapf(err, "upserting enrollment %s/%s", p.UserID, p.CourseID)

	case syncqueue.OpModuleProgress:
		if p.Action == syncqueue.ActionDelete {
			err := c.svc.DeleteModuleProgress(ctx, p.UserID, p.CourseID, p.ModuleTitle)
			return errors.Wrapf(err, "deleting module progress %s/%s/%q", p.UserID, p.CourseID, p.ModuleTitle)
		}
		err := c.svc.UpsertModuleProgress(ctx, ModuleProgress{
			UserID:      p.UserID,
			CourseID:    p.CourseID,
			ModuleTitle: p.ModuleTitle,
			CompletedAt: p.CompletedAt,
		})
		return errors.Wrapf(err, "upserting module progress %s/%s/%q", p.UserID, p.CourseID, p.ModuleTitle)

	case syncqueue.OpCompletion:
		err := c.svc.UpsertCompletion(ctx, Enrollment{UserID: p.UserID, CourseID: p.CourseID, CompletedAt: p.CompletedAt})
		return errors.Wrapf(err, "upserting completion %s/%s", p.UserID, p.CourseID)
	}
	return errors.Errorf("unknown operation type %q", op.Type)
}

// Service returns the underlying data service.
func (c *Client) Service() DataService { return c.svc }
