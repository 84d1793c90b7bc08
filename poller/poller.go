// Package poller delivers scheduled notifications once their fire date
// passes.
package poller

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"text/template"
	"time"

	"organizer/dblayer"
	"organizer/dbtypes"
	"organizer/metrics"

	"github.com/golang/glog"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Sender delivers one notification to a list of email addresses.
type Sender interface {
	Send(ctx context.Context, n *dbtypes.ScheduledNotification, to []string) error
}

// Poller runs an infinite loop, scanning for due notifications.
type Poller struct {
	store         dblayer.Store
	sender        Sender
	recheckPeriod time.Duration
	now           func() time.Time
}

func New(store dblayer.Store, sender Sender, recheckPeriod time.Duration) *Poller {
	return &Poller{
		store:         store,
		sender:        sender,
		recheckPeriod: recheckPeriod,
		now:           time.Now,
	}
}

func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.recheckPeriod)
	defer ticker.Stop()

	// Poll once right away; the ticker doesn't fire until the period has
	// elapsed.
	if err := p.Poll(ctx); err != nil {
		glog.Errorf("Error during poller pass: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := p.Poll(ctx); err != nil {
			glog.Errorf("Error during poller pass: %v", err)
		}
	}
}

// Poll makes one pass over the scheduled notifications, delivering every due
// one that has not been sent yet.
func (p *Poller) Poll(ctx context.Context) error {
	glog.V(2).Infof("Starting poller pass")
	defer glog.V(2).Infof("Finished poller pass")

	snaps, err := p.store.List(ctx, dbtypes.ScheduledNotificationsCollection)
	if err != nil {
		return fmt.Errorf("while listing scheduled notifications: %w", err)
	}

	now := p.now()
	var errs []error
	for _, snap := range snaps {
		n := &dbtypes.ScheduledNotification{}
		if err := snap.DataTo(n); err != nil {
			errs = append(errs, fmt.Errorf("while decoding notification %s: %w", snap.ID(), err))
			continue
		}
		if n.Sent || n.FireDate.After(now) {
			continue
		}

		if err := p.dispatch(ctx, snap.ID()); err != nil {
			errs = append(errs, fmt.Errorf("while dispatching notification %s: %w", snap.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// claim marks the notification sent, returning it if this caller won the
// claim.  A notification is only ever claimed once.
func (p *Poller) claim(ctx context.Context, id string) (*dbtypes.ScheduledNotification, error) {
	var claimed *dbtypes.ScheduledNotification

	err := p.store.RunTransaction(ctx, func(ctx context.Context, tx dblayer.Tx) error {
		// The transaction function can run more than once, so start from
		// scratch each time.
		claimed = nil

		snap, err := tx.Get(dbtypes.ScheduledNotificationsCollection, id)
		if err != nil {
			return fmt.Errorf("while reading notification: %w", err)
		}
		if !snap.Exists() {
			return nil
		}

		n := &dbtypes.ScheduledNotification{}
		if err := snap.DataTo(n); err != nil {
			return fmt.Errorf("while decoding notification: %w", err)
		}
		now := p.now()
		if n.Sent || n.FireDate.After(now) {
			return nil
		}

		n.Sent = true
		n.SentAt = &now
		if err := tx.Set(dbtypes.ScheduledNotificationsCollection, id, n); err != nil {
			return fmt.Errorf("while marking notification sent: %w", err)
		}
		claimed = n
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("while executing transaction: %w", err)
	}
	return claimed, nil
}

func (p *Poller) dispatch(ctx context.Context, id string) (err error) {
	n, err := p.claim(ctx, id)
	if err != nil {
		return err
	}
	if n == nil {
		return nil
	}
	defer func() { metrics.RecordDispatch(ctx, err) }()

	to, err := p.recipients(ctx, n)
	if err != nil {
		return fmt.Errorf("while resolving recipients: %w", err)
	}
	if len(to) == 0 {
		glog.Infof("Notification %s has no reachable recipients", n.ID)
		return nil
	}

	glog.Infof("Sending notification %s to %d recipients", n.ID, len(to))
	if err := p.sender.Send(ctx, n, to); err != nil {
		return fmt.Errorf("while sending: %w", err)
	}
	return nil
}

func (p *Poller) userEmail(ctx context.Context, userID string) (string, error) {
	snap, err := p.store.Get(ctx, dbtypes.UsersCollection, userID)
	if err != nil {
		return "", fmt.Errorf("while retrieving user %s: %w", userID, err)
	}
	if !snap.Exists() {
		return "", nil
	}
	user := &dbtypes.User{}
	if err := snap.DataTo(user); err != nil {
		return "", fmt.Errorf("while unmarshaling user %s: %w", userID, err)
	}
	return user.Email, nil
}

func (p *Poller) recipients(ctx context.Context, n *dbtypes.ScheduledNotification) ([]string, error) {
	var userIDs []string
	switch {
	case n.UserID != "":
		userIDs = []string{n.UserID}
	case n.GroupID != "":
		snap, err := p.store.Get(ctx, dbtypes.GroupsCollection, n.GroupID)
		if err != nil {
			return nil, fmt.Errorf("while retrieving group %s: %w", n.GroupID, err)
		}
		if !snap.Exists() {
			return nil, nil
		}
		group := &dbtypes.Group{}
		if err := snap.DataTo(group); err != nil {
			return nil, fmt.Errorf("while unmarshaling group %s: %w", n.GroupID, err)
		}
		for _, m := range group.Members {
			userIDs = append(userIDs, m.UserID)
		}
	}

	var to []string
	for _, id := range userIDs {
		email, err := p.userEmail(ctx, id)
		if err != nil {
			return nil, err
		}
		if email != "" {
			to = append(to, email)
		}
	}
	return to, nil
}

const emailPlain = `
{{- .Body}}

Due {{.FireDate.Format "Mon Jan 2 15:04 MST"}}.
`

var emailPlainTemplate = template.Must(template.New("email").Parse(emailPlain))

// SendGridSender mails notifications through SendGrid.
type SendGridSender struct {
	client *sendgrid.Client
	from   *mail.Email
}

func NewSendGridSender(client *sendgrid.Client, fromName, fromAddress string) *SendGridSender {
	return &SendGridSender{
		client: client,
		from:   mail.NewEmail(fromName, fromAddress),
	}
}

// Message builds the SendGrid message for a notification.
func (s *SendGridSender) Message(n *dbtypes.ScheduledNotification, to []string) (*mail.SGMailV3, error) {
	message := mail.NewV3Mail()
	message.From = s.from
	message.Subject = n.Title

	personalization := mail.NewPersonalization()
	for _, addr := range to {
		personalization.To = append(personalization.To, mail.NewEmail("", addr))
	}
	message.Personalizations = append(message.Personalizations, personalization)

	textContent := &bytes.Buffer{}
	if err := emailPlainTemplate.Execute(textContent, n); err != nil {
		return nil, fmt.Errorf("while templating plain-text email content: %w", err)
	}
	message.Content = append(message.Content, mail.NewContent("text/plain", textContent.String()))

	return message, nil
}

func (s *SendGridSender) Send(ctx context.Context, n *dbtypes.ScheduledNotification, to []string) error {
	message, err := s.Message(n, to)
	if err != nil {
		return err
	}

	resp, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("while sending mail through SendGrid: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2XX response while sending mail through SendGrid: %d %s", resp.StatusCode, resp.Body)
	}

	return nil
}
