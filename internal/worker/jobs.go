package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/bda-association/bda-portal/internal/events"
	"github.com/bda-association/bda-portal/internal/observability"
	"github.com/bda-association/bda-portal/internal/service"
)

const (
	JobEmails             = "emails"
	JobReminders          = "reminders"
	JobCommerce           = "commerce"
	JobIdempotencyCleanup = "idempotency_cleanup"
	JobEvents             = "events"
)

type Settings struct {
	EmailInterval    time.Duration
	ReminderInterval time.Duration
	CommerceInterval time.Duration
	CleanupInterval  time.Duration
	CleanupBatch     int
	CommerceEnabled  bool
}

// Deps are the services the jobs drive. Consumer is nil when events are
// disabled.
type Deps struct {
	Emails         *service.EmailService
	Reminders      *service.ReminderService
	Commerce       *service.CommerceService
	Idempotency    *service.DBIdempotencyStore
	Certifications *service.CertificationService
	Consumer       *events.Consumer
}

// PortalJobs builds every background job the deployment has enabled.
func PortalJobs(s Settings, d Deps, logger *slog.Logger) []Job {
	log := observability.Component(logger, "worker")
	jobs := []Job{
		{
			Name:     JobEmails,
			Interval: s.EmailInterval,
			Run: func(ctx context.Context) error {
				res, err := d.Emails.ProcessDue(ctx)
				if err == nil && res.Claimed > 0 {
					log.InfoContext(ctx, "email batch processed",
						"claimed", res.Claimed, "sent", res.Sent, "retried", res.Retried, "failed", res.Failed)
				}
				return err
			},
		},
		{
			Name:     JobReminders,
			Interval: s.ReminderInterval,
			Run: func(ctx context.Context) error {
				res, err := d.Reminders.ProcessDue(ctx)
				if err == nil && (res.Due > 0 || res.CertificatesExpired > 0 || res.VouchersExpired > 0) {
					log.InfoContext(ctx, "reminder sweep processed",
						"due", res.Due, "sent", res.Sent, "cancelled", res.Cancelled, "failed", res.Failed,
						"certificates_expired", res.CertificatesExpired, "vouchers_expired", res.VouchersExpired)
				}
				return err
			},
		},
	}
	if s.CommerceEnabled && d.Commerce != nil {
		jobs = append(jobs, Job{
			Name:     JobCommerce,
			Interval: s.CommerceInterval,
			Run: func(ctx context.Context) error {
				res, err := d.Commerce.SyncOrders(ctx, service.SystemActor, "schedule", nil)
				if err == nil && res.Fetched > 0 {
					log.InfoContext(ctx, "commerce orders synced",
						"fetched", res.Fetched, "vouchers_issued", res.VouchersIssued, "failed", res.Failed)
				}
				return err
			},
		})
	}
	if d.Idempotency != nil {
		interval := s.CleanupInterval
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		jobs = append(jobs, Job{
			Name:     JobIdempotencyCleanup,
			Interval: interval,
			Run: func(ctx context.Context) error {
				deleted, err := d.Idempotency.CleanupExpired(ctx, s.CleanupBatch)
				if err == nil && deleted > 0 {
					log.InfoContext(ctx, "idempotency cleanup removed expired records", "deleted", deleted)
				}
				return err
			},
		})
	}
	if d.Consumer != nil && d.Certifications != nil {
		jobs = append(jobs, Job{
			Name: JobEvents,
			Run: func(ctx context.Context) error {
				return d.Consumer.Run(ctx, d.Certifications.HandleEvent)
			},
		})
	}
	return jobs
}
