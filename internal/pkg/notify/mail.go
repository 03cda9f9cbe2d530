package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/subsync/app/repository"
	"github.com/ManuelReschke/subsync/internal/pkg/billing"
	"github.com/ManuelReschke/subsync/internal/pkg/jobqueue"
)

// Mailer sends one HTML mail.
type Mailer interface {
	Send(to, subject, body string) error
}

type mailTemplate struct {
	subject string
	body    *template.Template
}

var mailTemplates = map[string]mailTemplate{
	billing.NotifySubscriptionTrialWillEnd: {
		subject: "Your trial ends soon",
		body: template.Must(template.New("trial").Parse(
			`<p>Hello {{.Name}},</p><p>your free trial ends on {{.Date}}. ` +
				`Your subscription continues automatically unless you cancel before then.</p>`)),
	},
	billing.NotifyPaymentFailed: {
		subject: "We could not process your payment",
		body: template.Must(template.New("payment").Parse(
			`<p>Hello {{.Name}},</p><p>the latest payment for your subscription failed. ` +
				`Please update your payment method before {{.Date}} to keep access.</p>`)),
	},
}

// MailSender renders and sends queued mail jobs.
type MailSender struct {
	users  repository.UserRepository
	mailer Mailer
}

func NewMailSender(users repository.UserRepository, mailer Mailer) *MailSender {
	return &MailSender{users: users, mailer: mailer}
}

// Handle is a jobqueue.Handler. Users that are gone or opted out are skipped.
func (s *MailSender) Handle(ctx context.Context, job *jobqueue.Job) error {
	payload, err := jobqueue.SubscriptionMailJobPayloadFromMap(job.Payload)
	if err != nil {
		return jobqueue.Permanent(fmt.Errorf("decode mail payload: %w", err))
	}
	tmpl, ok := mailTemplates[payload.Event]
	if !ok {
		return jobqueue.Permanent(fmt.Errorf("no mail template for %s", payload.Event))
	}

	user, err := s.users.GetByID(payload.UserID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.Warnf("[Notify] Mail for unknown user %d dropped", payload.UserID)
		return nil
	}
	if err != nil {
		return err
	}
	if !user.CanReceiveMail() {
		return nil
	}

	date := payload.ExpiresAt
	if payload.TrialEndDate != nil {
		date = *payload.TrialEndDate
	}
	var body bytes.Buffer
	err = tmpl.body.Execute(&body, struct {
		Name string
		Date string
	}{Name: user.Name, Date: date.UTC().Format("January 2, 2006")})
	if err != nil {
		return jobqueue.Permanent(err)
	}

	return s.mailer.Send(user.Email, tmpl.subject, body.String())
}

// Register binds the senders to their job types. A nil sender leaves its job
// type unhandled.
func Register(q *jobqueue.Queue, webhooks *WebhookSender, mails *MailSender) {
	if webhooks != nil {
		q.RegisterHandler(jobqueue.JobTypeSubscriptionWebhook, webhooks.Handle)
	}
	if mails != nil {
		q.RegisterHandler(jobqueue.JobTypeSubscriptionMail, mails.Handle)
	}
}
