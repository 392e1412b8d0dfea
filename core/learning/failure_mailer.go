package learning

import (
	"fmt"
	"net/mail"
	"strings"

	"github.com/trezcool/nexlearn/core"
	"github.com/trezcool/nexlearn/core/profile"
	"github.com/trezcool/nexlearn/core/syncqueue"
)

// FailureMailer emails the learner about operations the queue gave up on.
type FailureMailer struct {
	store   *profile.Store
	mailSvc core.EmailService
	logger  core.Logger
}

func NewFailureMailer(store *profile.Store, mailSvc core.EmailService, logger core.Logger) *FailureMailer {
	return &FailureMailer{store: store, mailSvc: mailSvc, logger: logger}
}

// Subscribe registers the mailer on bus and returns the unsubscribe function.
func (fm *FailureMailer) Subscribe(bus *core.EventBus) func() {
	return bus.Subscribe(fm.handle)
}

func (fm *FailureMailer) handle(evt core.Event) {
	if evt.Type != core.EventSyncFailedPermanently {
		return
	}
	failure, ok := evt.Data.(syncqueue.PermanentFailure)
	if !ok {
		return
	}

	// only the signed-in learner's address is known locally
	p, ok := fm.store.Get()
	if !ok || p.ID != failure.Operation.Payload.UserID || p.Email == "" {
		fm.logger.Debug(fmt.Sprintf("no recipient for failed operation %s", failure.Operation.ID))
		return
	}

	op := failure.Operation
	fm.mailSvc.SendMessages(&core.EmailMessage{
		To:           []mail.Address{{Name: p.Name, Address: p.Email}},
		Subject:      "Some of your progress could not be saved",
		TemplateName: "sync_failed",
		TemplateData: struct {
			Name      string
			Attempts  int
			Operation string
			CourseID  string
			LastError string
		}{
			Name:      p.Name,
			Attempts:  op.Attempts,
			Operation: strings.ReplaceAll(string(op.Type), "_", " "),
			CourseID:  op.Payload.CourseID,
			LastError: failure.Error,
		},
	})
}
