package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	leaseguard "go-leaseguard"
	"go-leaseguard/ratelimit"
)

const (
	defaultRedirectCooldown = 60 * time.Second
	defaultGradeTimeout     = 2 * time.Minute

	completeAttempts = 3
	completeBackoff  = 100 * time.Millisecond
)

// Config wires a Pipeline. Mailbox, Grader, Lease, Claims and Cursor are required.
type Config struct {
	Mailbox Mailbox
	Grader  Grader

	Lease  *leaseguard.LeaseCoordinator
	Claims *leaseguard.TaskClaimGuard
	Cursor *leaseguard.HistoryCursor

	// Limiter gates redirect replies per sender.
	// DEFAULT: a fresh ratelimit.Limiter
	Limiter *ratelimit.Limiter

	// BotAddress is the mailbox's own address; its messages are never answered.
	BotAddress string

	// PortalURL is linked from the redirect reply sent to senders without an active task.
	PortalURL string

	// DEFAULT: 60s
	RedirectCooldown time.Duration

	// DEFAULT: 2m
	GradeTimeout time.Duration

	// DEFAULT: discard
	Logger *slog.Logger
}

// Pipeline turns mailbox notifications into graded replies. Every instance
// may receive the same notification; the lease and the task claims make sure
// the mailbox watch is renewed once and each attempt is graded once.
type Pipeline struct {
	mailbox Mailbox
	grader  Grader
	lease   *leaseguard.LeaseCoordinator
	claims  *leaseguard.TaskClaimGuard
	cursor  *leaseguard.HistoryCursor
	limiter *ratelimit.Limiter

	botAddress       string
	portalURL        string
	redirectCooldown time.Duration
	gradeTimeout     time.Duration
	logger           *slog.Logger
}

// New creates a Pipeline from cfg.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Mailbox == nil || cfg.Grader == nil {
		return nil, errors.New("pipeline needs a mailbox and a grader")
	}
	if cfg.Lease == nil || cfg.Claims == nil || cfg.Cursor == nil {
		return nil, errors.New("pipeline needs a lease, task claims and a history cursor")
	}

	var p = &Pipeline{
		mailbox:          cfg.Mailbox,
		grader:           cfg.Grader,
		lease:            cfg.Lease,
		claims:           cfg.Claims,
		cursor:           cfg.Cursor,
		limiter:          cfg.Limiter,
		botAddress:       strings.ToLower(cfg.BotAddress),
		portalURL:        cfg.PortalURL,
		redirectCooldown: cfg.RedirectCooldown,
		gradeTimeout:     cfg.GradeTimeout,
		logger:           cfg.Logger,
	}

	if p.limiter == nil {
		p.limiter = ratelimit.New()
	}
	if p.redirectCooldown <= 0 {
		p.redirectCooldown = defaultRedirectCooldown
	}
	if p.gradeTimeout <= 0 {
		p.gradeTimeout = defaultGradeTimeout
	}
	if p.logger == nil {
		p.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return p, nil
}

// HandleNotification processes every message added since the last processed
// history id. Failing to renew the mailbox watch never blocks processing.
// Messages are handled independently; the cursor only advances when all of
// them succeeded, so a redelivered notification retries the failed ones.
func (p *Pipeline) HandleNotification(ctx context.Context, n Notification) error {
	if n.HistoryID == 0 {
		p.logger.Warn("notification without history id", "email_address", n.EmailAddress)
		return nil
	}

	if err := p.lease.Ensure(ctx, p.mailbox.Watch); err != nil {
		p.logger.Warn("skipping watch renewal check", "lease", p.lease.Name(), "error", err)
	}

	var start, err = p.startHistoryID(ctx, n.HistoryID)
	if err != nil {
		return err
	}

	ids, err := p.mailbox.List(ctx, start)
	if err != nil {
		return fmt.Errorf("failed to list messages since %d: %w", start, err)
	}

	p.logger.Info("processing notification",
		"email_address", n.EmailAddress,
		"history_id", n.HistoryID,
		"start_history_id", start,
		"messages", len(ids))

	var errs []error
	for _, id := range ids {
		if err := p.handleMessageID(ctx, id); err != nil {
			p.logger.Error("failed to handle message", "message_id", id, "error", err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if _, err := p.cursor.Advance(ctx, n.HistoryID); err != nil {
		return err
	}
	return nil
}

// startHistoryID resumes from the stored cursor when it is behind the
// notification, so messages from a lost notification are not skipped.
func (p *Pipeline) startHistoryID(ctx context.Context, notified uint64) (uint64, error) {
	var last, ok, err = p.cursor.Get(ctx)
	if err != nil {
		return 0, err
	}
	if ok && last < notified {
		return last, nil
	}
	return notified, nil
}

func (p *Pipeline) handleMessageID(ctx context.Context, id string) error {
	var msg, err = p.mailbox.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return p.HandleMessage(ctx, msg)
}

// HandleMessage grades msg against the sender's active task, at most once per
// task. Senders without an active task get a redirect reply, limited to one per
// cooldown. If grading or replying fails the claim is released and the error
// returned, so a redelivery can retry. Once the reply is sent the claim is
// never released: a task that cannot be marked complete stays claimed.
func (p *Pipeline) HandleMessage(ctx context.Context, msg *Message) error {
	var sender = msg.SenderAddress()
	var logger = p.logger.With("message_id", msg.ID, "sender", sender)

	if sender == "" || sender == p.botAddress || strings.Contains(sender, "noreply") {
		logger.Info("skipping message from self or automated sender")
		return nil
	}

	var key, active, err = p.claims.ActiveTask(ctx, sender)
	if err != nil {
		return err
	}
	// Completing a task clears the active pointer, so a duplicate delivery of an
	// already graded message lands here and gets the cooldown-limited redirect.
	if !active {
		return p.redirect(ctx, logger, msg, sender)
	}
	logger = logger.With("task_key", key.String())

	completed, err := p.claims.IsCompleted(ctx, key)
	if err != nil {
		return err
	}
	if completed {
		logger.Info("task already completed, skipping duplicate")
		return nil
	}

	won, err := p.claims.TryClaim(ctx, key)
	if err != nil {
		return err
	}
	if !won {
		logger.Info("task claimed elsewhere, skipping")
		return nil
	}

	sent, err := p.gradeAndReply(ctx, logger, key, msg)
	if err != nil && !sent {
		p.release(ctx, logger, key)
	}
	return err
}

// gradeAndReply reports whether a reply went out, even when it fails afterwards.
func (p *Pipeline) gradeAndReply(ctx context.Context, logger *slog.Logger, key leaseguard.TaskKey, msg *Message) (bool, error) {
	var task, err = p.claims.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, fmt.Errorf("task %s disappeared after claim", key)
	}

	var gradeCtx, cancel = context.WithTimeout(ctx, p.gradeTimeout)
	defer cancel()

	grade, err := p.grader.Grade(gradeCtx, task, msg)
	if err != nil {
		return false, fmt.Errorf("failed to grade task %s: %w", key, err)
	}

	var sent bool
	if grade.Reply == "" {
		logger.Warn("grader returned no reply")
	} else if err := p.mailbox.Send(ctx, replyTo(msg, grade.Body())); err != nil {
		return false, fmt.Errorf("failed to send reply for task %s: %w", key, err)
	} else {
		sent = true
	}

	if err := p.complete(ctx, logger, key, grade.Fields()); err != nil {
		if sent {
			logger.Error("reply sent but task not marked complete, leaving it claimed", "error", err)
		}
		return sent, err
	}

	logger.Info("task graded", "score", grade.Score, "max_score", grade.MaxScore)
	return sent, nil
}

// complete retries MarkComplete on a context detached from the caller, since
// by now the grading work is done.
func (p *Pipeline) complete(ctx context.Context, logger *slog.Logger, key leaseguard.TaskKey, result leaseguard.Fields) error {
	var completeCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	var err error
	for attempt := 1; attempt <= completeAttempts; attempt++ {
		if err = p.claims.MarkComplete(completeCtx, key, result); err == nil {
			return nil
		}
		logger.Warn("failed to mark task complete", "attempt", attempt, "error", err)
		if attempt == completeAttempts {
			break
		}

		select {
		case <-completeCtx.Done():
			return err
		case <-time.After(time.Duration(attempt) * completeBackoff):
		}
	}
	return err
}

func (p *Pipeline) release(ctx context.Context, logger *slog.Logger, key leaseguard.TaskKey) {
	// The caller's context may be the reason for the failure.
	var releaseCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if _, err := p.claims.Release(releaseCtx, key); err != nil {
		logger.Error("failed to release task claim", "error", err)
	}
}

func (p *Pipeline) redirect(ctx context.Context, logger *slog.Logger, msg *Message, sender string) error {
	if !p.limiter.CheckCooldown("redirect:"+sender, p.redirectCooldown) {
		logger.Info("no active task, redirect already sent recently")
		return nil
	}

	logger.Info("no active task, sending redirect")

	var body = "Thanks for your email! To practice a scenario, start one in the student portal " +
		"first, then reply to the scenario email you receive."
	if p.portalURL != "" {
		body += "\n\nPortal: " + p.portalURL
	}

	if err := p.mailbox.Send(ctx, replyTo(msg, body)); err != nil {
		return fmt.Errorf("failed to send redirect to %s: %w", sender, err)
	}
	return nil
}
