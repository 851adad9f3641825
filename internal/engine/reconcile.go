package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"robotfleet/internal/domain"
)

// ReconcileSummary counts what a reconciliation pass changed.
type ReconcileSummary struct {
	RunID            string    `json:"run_id"`
	LicencesUpdated  int       `json:"licences_updated"`
	RobotsAffected   int       `json:"robots_affected"`
	RobotsDowngraded int       `json:"robots_downgraded"`
	RobotsRecovered  int       `json:"robots_recovered"`
	StartedAt        time.Time `json:"started_at" format:"date-time"`
	FinishedAt       time.Time `json:"finished_at,omitempty" format:"date-time"`
}

// Pass is one reconciliation pass. Its phases must run in order:
// SweepLicences, CascadeFailures, RecoverRobots. Every entity update commits
// on its own, so stopping between phases leaves a valid partial state. All
// phases evaluate expiry against the time the pass started.
type Pass struct {
	e       Engine
	now     time.Time
	summary ReconcileSummary
}

// StartPass prepares a reconciliation pass without touching the store.
func (e Engine) StartPass() *Pass {
	now := e.now()
	return &Pass{
		e:       e,
		now:     now,
		summary: ReconcileSummary{RunID: e.runID(), StartedAt: now},
	}
}

// Summary returns the counts accumulated so far.
func (p *Pass) Summary() ReconcileSummary {
	s := p.summary
	s.RobotsAffected = s.RobotsDowngraded + s.RobotsRecovered
	return s
}

// SweepLicences lowers every licence that has expired and cascades each flip
// before moving to the next licence.
func (p *Pass) SweepLicences(ctx context.Context) error {
	licences, err := p.e.Store.ListLicences(ctx, domain.HealthFilter{Healthy: domain.BoolPtr(true)})
	if err != nil {
		return fmt.Errorf("licence sweep: %w", err)
	}
	for _, l := range licences {
		if LicenceHealthy(l, p.now) {
			continue
		}
		changed, err := p.e.Store.SetHealth(ctx, domain.HealthChange{
			Kind:    domain.KindLicence,
			ID:      l.ID,
			Healthy: false,
			Reason:  domain.ReasonExpired,
			RunID:   p.summary.RunID,
		})
		if err != nil {
			return fmt.Errorf("licence sweep: %w", err)
		}
		if !changed {
			continue
		}
		p.summary.LicencesUpdated++
		p.e.log().Info("licence expired", zap.Int64("id", l.ID), zap.Time("expiration_date", l.ExpirationDate), zap.String("run_id", p.summary.RunID))
		_, flipped, err := p.e.propagate(ctx, domain.KindLicence, l.ID, "", p.summary.RunID)
		p.summary.RobotsDowngraded += flipped
		if err != nil {
			return fmt.Errorf("licence sweep: %w", err)
		}
	}
	return nil
}

type dependencyRef struct {
	kind domain.Kind
	id   int64
}

// CascadeFailures re-applies the cascade for every unhealthy dependency,
// catching robots created or re-attached after the dependency failed.
func (p *Pass) CascadeFailures(ctx context.Context) error {
	unhealthy := domain.HealthFilter{Healthy: domain.BoolPtr(false)}
	var failed []dependencyRef
	alimentations, err := p.e.Store.ListAlimentations(ctx, unhealthy)
	if err != nil {
		return fmt.Errorf("cascade sweep: %w", err)
	}
	for _, a := range alimentations {
		failed = append(failed, dependencyRef{domain.KindAlimentation, a.ID})
	}
	guidages, err := p.e.Store.ListGuidages(ctx, unhealthy)
	if err != nil {
		return fmt.Errorf("cascade sweep: %w", err)
	}
	for _, g := range guidages {
		failed = append(failed, dependencyRef{domain.KindGuidage, g.ID})
	}
	licences, err := p.e.Store.ListLicences(ctx, unhealthy)
	if err != nil {
		return fmt.Errorf("cascade sweep: %w", err)
	}
	for _, l := range licences {
		failed = append(failed, dependencyRef{domain.KindLicence, l.ID})
	}

	for _, dep := range failed {
		_, flipped, err := p.e.propagate(ctx, dep.kind, dep.id, "", p.summary.RunID)
		p.summary.RobotsDowngraded += flipped
		if err != nil {
			return fmt.Errorf("cascade sweep: %w", err)
		}
	}
	return nil
}

// RecoverRobots raises every unhealthy robot whose three dependencies are healthy.
func (p *Pass) RecoverRobots(ctx context.Context) error {
	robots, err := p.e.Store.ListRobots(ctx, domain.RobotFilter{Healthy: domain.BoolPtr(false)})
	if err != nil {
		return fmt.Errorf("recovery sweep: %w", err)
	}
	for _, r := range robots {
		recovered, err := p.e.recoverRobot(ctx, r, p.now, p.summary.RunID)
		if err != nil {
			return fmt.Errorf("recovery sweep: robot %d: %w", r.ID, err)
		}
		if recovered {
			p.summary.RobotsRecovered++
			p.e.log().Info("robot recovered", zap.Int64("id", r.ID), zap.String("run_id", p.summary.RunID))
		}
	}
	return nil
}

// Reconcile brings the whole fleet to a consistent state. On a store failure
// it stops and returns the partial summary; updates already committed stay.
func (e Engine) Reconcile(ctx context.Context) (ReconcileSummary, error) {
	p := e.StartPass()
	for _, phase := range []func(context.Context) error{p.SweepLicences, p.CascadeFailures, p.RecoverRobots} {
		if err := phase(ctx); err != nil {
			s := p.Summary()
			e.log().Error("reconcile aborted", zap.String("run_id", s.RunID), zap.Error(err))
			return s, err
		}
	}
	p.summary.FinishedAt = e.now()
	s := p.Summary()
	e.log().Info("reconcile finished",
		zap.String("run_id", s.RunID),
		zap.Int("licences_updated", s.LicencesUpdated),
		zap.Int("robots_downgraded", s.RobotsDowngraded),
		zap.Int("robots_recovered", s.RobotsRecovered),
		zap.Duration("took", s.FinishedAt.Sub(s.StartedAt)))
	return s, nil
}

// SweepExpiredLicences runs only the licence phase of a pass. It is used at
// startup, before the first full pass.
func (e Engine) SweepExpiredLicences(ctx context.Context) (ReconcileSummary, error) {
	p := e.StartPass()
	if err := p.SweepLicences(ctx); err != nil {
		return p.Summary(), err
	}
	p.summary.FinishedAt = e.now()
	return p.Summary(), nil
}
