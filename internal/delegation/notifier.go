package delegation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kushin77/GCP-landing-zone-Portal-sub002/internal/domain"
	"github.com/kushin77/GCP-landing-zone-Portal-sub002/internal/github"
	redisstore "github.com/kushin77/GCP-landing-zone-Portal-sub002/internal/redis"
	"github.com/kushin77/GCP-landing-zone-Portal-sub002/pkg/telemetry"
)

// DelegatedLabel marks issues that have been handed to automated execution.
const DelegatedLabel = "delegated"

// NotifyResult reports the outcome of the best-effort issue-tracker side
// effects. Callers may inspect it but are never required to: a failed
// notification is logged and counted, and must not fail the parent operation.
type NotifyResult struct {
	LabelErr   error
	CommentErr error
	Suppressed bool // rate limiter suppressed the notification
}

// Failed reports whether any side effect failed.
func (r NotifyResult) Failed() bool {
	return r.LabelErr != nil || r.CommentErr != nil
}

// Notifier posts delegation status back to the issue tracker.
type Notifier interface {
	Notify(ctx context.Context, task *domain.Task) NotifyResult
}

// Summarizer produces a short description of an issue for the delegation
// comment. Optional.
type Summarizer interface {
	Summarize(ctx context.Context, title, body string) (string, error)
}

// IssueNotifier adds the tracking label and posts a status comment on the
// source issue. A Redis sliding-window limiter bounds posts per repository so
// a bulk delegate() cannot flood the issue tracker from several replicas at
// once.
type IssueNotifier struct {
	gh         *github.Client
	limiter    redisstore.RateLimiter // nil = unlimited
	summarizer Summarizer             // nil = no summary paragraph
	logger     *slog.Logger
}

// NewIssueNotifier creates an IssueNotifier. limiter and summarizer may be nil.
func NewIssueNotifier(gh *github.Client, limiter redisstore.RateLimiter, summarizer Summarizer, logger *slog.Logger) *IssueNotifier {
	return &IssueNotifier{gh: gh, limiter: limiter, summarizer: summarizer, logger: logger}
}

func (n *IssueNotifier) Notify(ctx context.Context, task *domain.Task) NotifyResult {
	var res NotifyResult

	if n.limiter != nil {
		allowed, err := n.limiter.Allow(ctx, "notify:"+task.Repository)
		if err != nil {
			// Limiter failure does not suppress the notification.
			n.logger.Error("notification rate limiter error", slog.String("error", err.Error()))
		} else if !allowed {
			n.logger.Warn("notification suppressed by rate limiter",
				slog.String("repository", task.Repository),
				slog.Int("issue_number", task.IssueNumber),
			)
			res.Suppressed = true
			return res
		}
	}

	log := n.logger.With(
		slog.String("task_id", task.ID),
		slog.String("repository", task.Repository),
		slog.Int("issue_number", task.IssueNumber),
	)

	if err := n.gh.AddLabels(ctx, task.Repository, task.IssueNumber, []string{DelegatedLabel}); err != nil {
		log.Error("failed to add delegation label", slog.String("error", err.Error()))
		telemetry.NotifyFailures.Inc()
		res.LabelErr = err
	}

	if err := n.gh.CreateComment(ctx, task.Repository, task.IssueNumber, n.comment(ctx, task)); err != nil {
		log.Error("failed to post delegation comment", slog.String("error", err.Error()))
		telemetry.NotifyFailures.Inc()
		res.CommentErr = err
	}

	return res
}

func (n *IssueNotifier) comment(ctx context.Context, task *domain.Task) string {
	statusText := "pending manual review"
	if task.Status == domain.StatusQueued {
		statusText = "auto-approved and queued"
	}

	comment := fmt.Sprintf(
		"🤖 **Automated Task Delegation**\n\n"+
			"This issue has been delegated to cloud-based autonomous execution.\n\n"+
			"**Status**: %s\n"+
			"**Task ID**: `%s`\n\n"+
			"The task will be executed with comprehensive testing and review before completion.",
		statusText, task.ID,
	)

	if n.summarizer != nil {
		summary, err := n.summarizer.Summarize(ctx, task.Title, task.Description)
		if err != nil {
			n.logger.Warn("issue summary failed, posting comment without it",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()),
			)
		} else if summary != "" {
			comment += "\n\n**Summary**: " + summary
		}
	}
	return comment
}
