package service

import (
	"bytes"
	"context"
	"errors"
	"html/template"
	"net/mail"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/hgheiberger/nb/internal/models"
	"github.com/hgheiberger/nb/pkg/jobs"
	"github.com/hgheiberger/nb/pkg/mailer"
)

const excerptLimit = 160

var (
	markupPattern = regexp.MustCompile(`<[^>]*>`)

	replyEmailTemplate = template.Must(template.New("reply").Parse(
		`<p>{{.Replier}} replied to a thread you took part in:</p>
<blockquote>{{.Excerpt}}</blockquote>
<p><a href="{{.Link}}">Open the discussion</a></p>
`))
)

// ReplyEmail is one queued notification.
type ReplyEmail struct {
	RecipientID string
	ThreadID    string
	Message     mailer.Message
}

// NotificationConfig tunes the notification worker pool.
type NotificationConfig struct {
	Enabled bool
	Queue   jobs.QueueConfig
}

// NotificationService emails earlier participants of a thread when someone
// replies. Delivery is asynchronous and failures never reach the replier.
type NotificationService struct {
	enabled bool
	sender  mailer.Sender
	queue   *jobs.Queue[ReplyEmail]
	metrics *MetricsService
	logger  *zap.Logger
}

// NewNotificationService wires a worker queue in front of sender.
func NewNotificationService(sender mailer.Sender, cfg NotificationConfig, metrics *MetricsService, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &NotificationService{enabled: cfg.Enabled, sender: sender, metrics: metrics, logger: logger}

	qcfg := cfg.Queue
	if qcfg.Logger == nil {
		qcfg.Logger = logger
	}
	qcfg.OnFinish = func(o jobs.Outcome) {
		switch o {
		case jobs.OutcomeDone:
			metrics.RecordNotification(OutcomeSent)
		case jobs.OutcomeFailed:
			metrics.RecordNotification(OutcomeFailed)
		case jobs.OutcomeDropped:
			metrics.RecordNotification(OutcomeDropped)
		}
	}
	s.queue = jobs.NewQueue[ReplyEmail]("reply-notifications", s.deliver, qcfg)
	return s
}

// Start launches the delivery workers.
func (s *NotificationService) Start(ctx context.Context) { s.queue.Start(ctx) }

// Stop waits for in-flight deliveries to finish.
func (s *NotificationService) Stop() { s.queue.Stop() }

func (s *NotificationService) deliver(ctx context.Context, job jobs.Job[ReplyEmail]) error {
	if err := s.sender.Send(ctx, job.Payload.Message); err != nil {
		s.logger.Warn("reply notification failed",
			zap.String("recipient_id", job.Payload.RecipientID),
			zap.String("thread_id", job.Payload.ThreadID),
			zap.Int("attempt", job.Attempt+1),
			zap.Error(err))
		return err
	}
	return nil
}

// NotifyReply queues one email per earlier author of the thread. Only public
// replies notify; private authors and the replier are skipped. It returns the
// number of queued emails.
func (s *NotificationService) NotifyReply(thread *models.Thread, replyAnn *models.Annotation, replier *models.User, documentURL string) int {
	if s == nil || !s.enabled || thread == nil || replyAnn == nil || replier == nil {
		return 0
	}
	if replyAnn.Visibility != models.VisibilityEveryone {
		return 0
	}

	recipients := ReplyRecipients(thread, replier.ID)
	if len(recipients) == 0 {
		return 0
	}

	headID := replyAnn.ID
	if thread.Head != nil {
		headID = thread.Head.ID
	}
	subject, body, err := renderReplyEmail(replyAnn, replier, documentURL, headID)
	if err != nil {
		s.logger.Error("render reply notification", zap.String("thread_id", thread.ID), zap.Error(err))
		return 0
	}

	queued := 0
	for _, u := range recipients {
		email := ReplyEmail{
			RecipientID: u.ID,
			ThreadID:    thread.ID,
			Message: mailer.Message{
				To:       mail.Address{Name: u.DisplayName(), Address: u.Email},
				Subject:  subject,
				HTMLBody: body,
				TextBody: Excerpt(replyAnn.Content),
			},
		}
		if _, err := s.queue.Enqueue(email); err != nil {
			if errors.Is(err, jobs.ErrNotStarted) {
				s.metrics.RecordNotification(OutcomeDropped)
			}
			s.logger.Warn("reply notification not queued",
				zap.String("recipient_id", u.ID), zap.String("thread_id", thread.ID), zap.Error(err))
			continue
		}
		queued++
	}
	return queued
}

// ReplyRecipients returns the distinct earlier authors of thread with a
// non-private annotation, excluding replierID, in first-seen order.
func ReplyRecipients(thread *models.Thread, replierID string) []models.User {
	var seen models.IDSet
	var out []models.User
	for i := range thread.Annotations {
		a := &thread.Annotations[i]
		if a.Author == nil || a.Visibility == models.VisibilityMyself || a.AuthorID == replierID {
			continue
		}
		if a.Author.Email == "" || !seen.Add(a.AuthorID) {
			continue
		}
		out = append(out, *a.Author)
	}
	return out
}

// Excerpt strips markup and shortens content for notification bodies.
func Excerpt(content string) string {
	text := strings.TrimSpace(markupPattern.ReplaceAllString(content, ""))
	runes := []rune(text)
	if len(runes) <= excerptLimit {
		return text
	}
	return string(runes[:excerptLimit-3]) + "..."
}

func renderReplyEmail(replyAnn *models.Annotation, replier *models.User, documentURL, headID string) (string, string, error) {
	name := replier.Username
	if replyAnn.Anonymity == models.AnonymityAnonymous {
		name = AnonymousName
	}
	var buf bytes.Buffer
	err := replyEmailTemplate.Execute(&buf, struct {
		Replier string
		Excerpt string
		Link    string
	}{
		Replier: name,
		Excerpt: Excerpt(replyAnn.Content),
		Link:    documentURL + "#nb-comment-" + headID,
	})
	if err != nil {
		return "", "", err
	}
	return "[NB] New reply from " + name, buf.String(), nil
}
