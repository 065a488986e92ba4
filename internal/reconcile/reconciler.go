// Package reconcile periodically pulls the backend's view of the user's
// notifications and folds it into the local store. Live socket events keep
// the store fresh moment to moment; the reconciler repairs whatever those
// events missed, such as assignments or resolutions made from another
// operator's session.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/assistdesk/relay/internal/notifications"
	"github.com/assistdesk/relay/pkg/models"
)

// Lister is the slice of the REST client the reconciler needs.
type Lister interface {
	ListNotifications(ctx context.Context, userEmail string) ([]models.NotificationRecord, error)
}

// Reconciler syncs backend notification state into a local store on a cron
// schedule.
type Reconciler struct {
	lister  Lister
	store   *notifications.Store
	user    string
	logger  *slog.Logger
	cron    *cron.Cron
	timeout time.Duration
}

// NewReconciler creates a reconciler for the given user's inbox.
func NewReconciler(lister Lister, store *notifications.Store, userEmail string, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		lister:  lister,
		store:   store,
		user:    userEmail,
		logger:  logger.With("component", "reconcile"),
		timeout: 30 * time.Second,
	}
}

// Start schedules periodic runs using a standard 5-field cron expression.
func (r *Reconciler) Start(schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.RunOnce(ctx); err != nil {
			r.logger.Warn("reconcile run failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", schedule, err)
	}
	c.Start()
	r.cron = c
	r.logger.Info("reconciler started", "schedule", schedule, "user", r.user)
	return nil
}

// Stop halts the schedule. Safe to call when Start never ran.
func (r *Reconciler) Stop() {
	if r.cron != nil {
		r.cron.Stop()
	}
}

// RunOnce fetches the backend inbox and merges it into the store. The
// backend wins on read, resolved, and assignee flags; records the backend
// has that the store does not are appended. Records only the store has are
// kept: they may be live events the backend has not indexed yet.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	remote, err := r.lister.ListNotifications(ctx, r.user)
	if err != nil {
		return fmt.Errorf("list notifications: %w", err)
	}

	added, updated := 0, 0
	// Walk oldest-first so prepending preserves most-recent-first order.
	for i := len(remote) - 1; i >= 0; i-- {
		rec := remote[i]
		local, ok := r.store.Get(rec.ID)
		if !ok {
			r.store.Append(rec)
			added++
			continue
		}
		changed := false
		if rec.Resolved && !local.Resolved {
			r.store.MarkResolved(rec.ID)
			changed = true
		}
		if rec.Read && !local.Read {
			r.store.MarkRead(rec.ID)
			changed = true
		}
		if rec.AssignedTo != "" && rec.AssignedTo != local.AssignedTo {
			r.store.Assign(rec.ID, rec.AssignedTo)
			changed = true
		}
		if changed {
			updated++
		}
	}

	if added > 0 || updated > 0 {
		r.logger.Info("reconciled notifications", "added", added, "updated", updated)
	}
	return nil
}
