package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mixelka/junkguard/internal/classifier"
	"github.com/mixelka/junkguard/internal/email"
	"github.com/mixelka/junkguard/internal/metrics"
	"github.com/mixelka/junkguard/pkg/models"
)

// Result counts what one check did
type Result struct {
	Scanned   int `json:"scanned"`
	Trusted   int `json:"trusted"`
	Kept      int `json:"kept"`
	Deleted   int `json:"deleted"`
	Forwarded int `json:"forwarded"`
	Failed    int `json:"failed"` // Messages that could not be fetched, forwarded or deleted
}

// Activity types forwarded to the notifier
var notifyTypes = map[models.ActivityType]bool{
	models.ActivityInappropriateDeleted: true,
	models.ActivityForward:              true,
	models.ActivityError:                true,
}

type check struct {
	s       *Scanner
	account *models.Account
	prefs   *models.JunkMailPreferences
	mode    models.FilterMode
	session email.Session
	queue   []uint32
	res     *Result
}

// run executes one check. Failures before the message loop abort the check;
// failures on a single message skip that message only.
func (s *Scanner) run(ctx context.Context, accountID int64, trigger Trigger) (res *Result, err error) {
	start := s.now()
	res = &Result{}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during check: %v", r)
			s.logActivity(context.WithoutCancel(ctx), &models.Account{ID: accountID}, models.ActivityError, err.Error(), "")
		}

		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.ChecksTotal.WithLabelValues(string(trigger), result).Inc()
		metrics.CheckDuration.Observe(time.Since(start).Seconds())
	}()

	account, err := s.store.GetAccountByID(ctx, accountID)
	if err != nil {
		return res, fmt.Errorf("failed to load account %d: %w", accountID, err)
	}

	s.logActivity(ctx, account, models.ActivityCheckStarted, fmt.Sprintf("Check started (%s)", trigger), "")
	if err := s.store.TouchLastCheck(ctx, account.ID, s.now()); err != nil {
		s.logger.Warn("failed to update last check", "account_id", account.ID, "error", err)
	}

	prefs, err := s.store.GetMergedPreferences(ctx, account.UserID, account.ID)
	if err != nil {
		return res, s.abort(ctx, account, fmt.Errorf("failed to load preferences: %w", err))
	}

	session, err := s.pool.GetSession(ctx, account)
	if err != nil {
		return res, s.abort(ctx, account, fmt.Errorf("failed to get session: %w", err))
	}
	defer s.pool.Release(account.ID)

	provider, err := s.store.GetProviderByID(ctx, account.ProviderID)
	if err != nil {
		return res, s.abort(ctx, account, fmt.Errorf("failed to load provider %d: %w", account.ProviderID, err))
	}
	folder := provider.JunkFolder(account)

	if err := session.SelectFolder(ctx, folder); err != nil {
		return res, s.abort(ctx, account, fmt.Errorf("failed to select folder %s: %w", folder, err))
	}

	c := &check{
		s:       s,
		account: account,
		prefs:   prefs,
		mode:    account.EffectiveFilterMode(s.cfg.FilterMode),
		session: session,
		res:     res,
	}

	listing := session.ListMessages(ctx, folder, email.ListOptions{UnreadOnly: true, Limit: s.cfg.PageSize})
	for msg, err := range listing {
		if err != nil {
			var fetchErr *email.FetchError
			if !errors.As(err, &fetchErr) {
				return res, s.abort(ctx, account, fmt.Errorf("failed to list %s: %w", folder, err))
			}
			c.fetchFailed(ctx, fetchErr)
			continue
		}
		res.Scanned++
		c.process(ctx, msg)
	}

	c.deleteQueued(ctx)

	s.logActivity(ctx, account, models.ActivityCheckCompleted, fmt.Sprintf(
		"Check completed: %d scanned, %d deleted, %d forwarded, %d kept, %d trusted, %d failed",
		res.Scanned, res.Deleted, res.Forwarded, res.Kept, res.Trusted, res.Failed), "")

	return res, ctx.Err()
}

// abort logs a check-level failure as error activity and returns it
func (s *Scanner) abort(ctx context.Context, account *models.Account, err error) error {
	s.logActivity(ctx, account, models.ActivityError, err.Error(), "")
	return err
}

// process applies the first matching outcome: trusted, kept, inappropriate, auto-delete
func (c *check) process(ctx context.Context, msg *email.Message) {
	s := c.s
	sender := msg.From.Address

	trusted, err := s.store.IsEmailTrusted(ctx, sender, c.account.UserID, &c.account.ID)
	if err != nil {
		s.logger.Warn("failed to check trusted sender", "account_id", c.account.ID, "sender", sender, "error", err)
	}
	if trusted {
		c.markRead(ctx, msg)
		c.res.Trusted++
		metrics.MessagesProcessed.WithLabelValues("trusted").Inc()
		s.logActivity(ctx, c.account, models.ActivityTrustedSender, "Trusted sender: "+msg.Subject, sender)
		return
	}

	body := msg.BodyText
	if body == "" && msg.BodyHTML != "" {
		if text, err := s.html.ToText(msg.BodyHTML); err == nil {
			body = text
		}
	}

	if reason, ok := s.classifier.Policy().MatchKeep(c.prefs, msg.Subject, body, sender); ok {
		c.markRead(ctx, msg)
		c.res.Kept++
		metrics.MessagesProcessed.WithLabelValues("kept").Inc()
		s.logActivity(ctx, c.account, models.ActivityKept, fmt.Sprintf("Kept (%s): %s", reason, msg.Subject), sender)
		return
	}

	verdict := s.classifier.Classify(ctx, classifier.Input{
		Subject:     msg.Subject,
		BodyText:    body,
		BodyHTML:    msg.BodyHTML,
		SenderEmail: sender,
		UserID:      c.account.UserID,
		AccountID:   &c.account.ID,
	})
	if verdict.Inappropriate {
		c.handleInappropriate(ctx, msg, verdict)
		return
	}

	if c.prefs != nil && c.prefs.AutoDeleteAll {
		c.queue = append(c.queue, msg.UID)
		metrics.MessagesProcessed.WithLabelValues("deleted").Inc()
		s.logActivity(ctx, c.account, models.ActivityDeleted, "Auto-deleted: "+msg.Subject, sender)
		return
	}

	metrics.MessagesProcessed.WithLabelValues("untouched").Inc()
}

// handleInappropriate queues the message for deletion, forwarding it first in forward mode.
// A message whose forward fails is left in place so nothing is lost.
func (c *check) handleInappropriate(ctx context.Context, msg *email.Message, verdict models.Verdict) {
	s := c.s
	sender := msg.From.Address
	details := fmt.Sprintf("%s | Subject: %s", verdict.Reason, msg.Subject)

	if c.mode != models.FilterModeForward || c.account.ForwardingEmail == "" {
		c.queue = append(c.queue, msg.UID)
		metrics.MessagesProcessed.WithLabelValues("inappropriate").Inc()
		s.logActivity(ctx, c.account, models.ActivityInappropriateDeleted, details, sender)
		return
	}

	s.logActivity(ctx, c.account, models.ActivityFilterMatch, details, sender)

	out, err := s.banner.Forward(msg, verdict.Reason, c.account.ForwardingEmail)
	if err == nil {
		err = c.session.SendMail(ctx, out)
	}
	if err != nil {
		c.res.Failed++
		metrics.MessagesProcessed.WithLabelValues("failed").Inc()
		s.logActivity(ctx, c.account, models.ActivityError, fmt.Sprintf("Failed to forward message from %s: %v", sender, err), sender)
		return
	}

	if err := s.store.TouchLastForward(ctx, c.account.ID, s.now()); err != nil {
		s.logger.Warn("failed to update last forward", "account_id", c.account.ID, "error", err)
	}
	c.res.Forwarded++
	c.queue = append(c.queue, msg.UID)
	metrics.MessagesProcessed.WithLabelValues("forwarded").Inc()
	s.logActivity(ctx, c.account, models.ActivityForward, "Forwarded to "+c.account.ForwardingEmail+": "+msg.Subject, sender)
}

// fetchFailed skips one message. A malformed message is marked read so the
// next check doesn't stumble on it again.
func (c *check) fetchFailed(ctx context.Context, fe *email.FetchError) {
	s := c.s
	c.res.Failed++
	metrics.MessagesProcessed.WithLabelValues("failed").Inc()
	s.logger.Warn("failed to fetch message", "account_id", c.account.ID, "uid", fe.UID, "error", fe.Err)
	s.logActivity(ctx, c.account, models.ActivityError, fmt.Sprintf("Failed to fetch message %d: %v", fe.UID, fe.Err), "")

	if errors.Is(fe, email.ErrMalformedMessage) {
		if err := c.session.MarkAsRead(ctx, fe.UID); err != nil {
			s.logger.Warn("failed to mark malformed message read", "account_id", c.account.ID, "uid", fe.UID, "error", err)
		}
	}
}

func (c *check) markRead(ctx context.Context, msg *email.Message) {
	if err := c.session.MarkAsRead(ctx, msg.UID); err != nil {
		c.s.logger.Warn("failed to mark message read", "account_id", c.account.ID, "uid", msg.UID, "error", err)
	}
}

// deleteQueued deletes every queued message; one failure does not stop the rest
func (c *check) deleteQueued(ctx context.Context) {
	if len(c.queue) == 0 {
		return
	}

	// The batch runs to completion even if the check's context is cancelled
	ctx = context.WithoutCancel(ctx)

	deleted := 0
	for _, uid := range c.queue {
		if err := c.session.DeleteMessage(ctx, uid); err != nil {
			c.res.Failed++
			c.s.logger.Warn("failed to delete message", "account_id", c.account.ID, "uid", uid, "error", err)
			c.s.logActivity(ctx, c.account, models.ActivityError, fmt.Sprintf("Failed to delete message %d: %v", uid, err), "")
			continue
		}
		deleted++
	}
	c.res.Deleted += deleted
	c.queue = nil

	if deleted > 0 {
		if err := c.s.store.TouchLastAction(ctx, c.account.ID, c.s.now()); err != nil {
			c.s.logger.Warn("failed to update last action", "account_id", c.account.ID, "error", err)
		}
	}
}

// logActivity appends an activity entry; store failures are logged only
func (s *Scanner) logActivity(ctx context.Context, account *models.Account, t models.ActivityType, details, sender string) {
	entry := &models.ActivityLogEntry{
		AccountID:   account.ID,
		Type:        t,
		Details:     details,
		SenderEmail: sender,
		CreatedAt:   s.now(),
	}
	if err := s.store.AppendActivity(ctx, entry); err != nil {
		s.logger.Error("failed to append activity", "account_id", account.ID, "type", t, "error", err)
	}

	if s.notifier != nil && notifyTypes[t] {
		select {
		case s.notes <- notification{account: account, entry: entry}:
		default:
			s.logger.Warn("notification queue full, dropping", "account_id", account.ID, "type", t)
		}
	}
}
