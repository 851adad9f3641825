package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"robotfleet/internal/domain"
)

// CanRecover reports whether a robot may be marked healthy given the health of
// its power source, guidance unit and licence.
func CanRecover(alimentationHealthy, guidageHealthy, licenceHealthy bool) bool {
	return alimentationHealthy && guidageHealthy && licenceHealthy
}

// dependencyHealth loads the robot's three dependencies and returns the kinds
// that are currently unhealthy, in domain.DependencyKinds order.
func (e Engine) dependencyHealth(ctx context.Context, r domain.Robot, now time.Time) ([]domain.Kind, error) {
	a, err := e.Store.GetAlimentation(ctx, r.AlimentationID)
	if err != nil {
		return nil, err
	}
	g, err := e.Store.GetGuidage(ctx, r.GuidageID)
	if err != nil {
		return nil, err
	}
	l, err := e.Store.GetLicence(ctx, r.LicenceID)
	if err != nil {
		return nil, err
	}
	healthy := map[domain.Kind]bool{
		domain.KindAlimentation: a.IsHealthy,
		domain.KindGuidage:      g.IsHealthy,
		domain.KindLicence:      effectiveLicenceHealth(l, now),
	}
	if CanRecover(healthy[domain.KindAlimentation], healthy[domain.KindGuidage], healthy[domain.KindLicence]) {
		return nil, nil
	}
	var unhealthy []domain.Kind
	for _, k := range domain.DependencyKinds {
		if !healthy[k] {
			unhealthy = append(unhealthy, k)
		}
	}
	return unhealthy, nil
}

// SetRobotHealth applies an operator health change to a robot. Marking a robot
// unhealthy always succeeds. Marking it healthy is rejected with a
// domain.DependencyUnhealthyError unless all three dependencies are healthy now.
func (e Engine) SetRobotHealth(ctx context.Context, id int64, healthy bool, actorID string) (domain.Robot, error) {
	r, err := e.Store.GetRobot(ctx, id)
	if err != nil {
		return r, err
	}
	if healthy {
		unhealthy, err := e.dependencyHealth(ctx, r, e.now())
		if err != nil {
			return r, err
		}
		if len(unhealthy) > 0 {
			e.log().Warn("robot recovery rejected", zap.Int64("id", id), zap.Any("unhealthy", unhealthy), zap.String("actor", actorID))
			return r, domain.DependencyUnhealthyError{RobotID: id, Unhealthy: unhealthy}
		}
	}
	changed, err := e.Store.SetHealth(ctx, domain.HealthChange{Kind: domain.KindRobot, ID: id, Healthy: healthy, Reason: domain.ReasonOperator, ActorID: actorID})
	if err != nil {
		return r, err
	}
	e.log().Info("robot health set", zap.Int64("id", id), zap.Bool("healthy", healthy), zap.Bool("changed", changed), zap.String("actor", actorID))
	r.IsHealthy = healthy
	return r, nil
}

// recoverRobot raises one unhealthy robot when all its dependencies allow it.
// A robot pointing at a missing dependency stays down.
func (e Engine) recoverRobot(ctx context.Context, r domain.Robot, now time.Time, runID string) (bool, error) {
	unhealthy, err := e.dependencyHealth(ctx, r, now)
	if errors.Is(err, domain.ErrNotFound) {
		e.log().Warn("robot references a missing dependency", zap.Int64("id", r.ID), zap.Error(err), zap.String("run_id", runID))
		return false, nil
	}
	if err != nil || len(unhealthy) > 0 {
		return false, err
	}
	return e.Store.SetHealth(ctx, domain.HealthChange{Kind: domain.KindRobot, ID: r.ID, Healthy: true, Reason: domain.ReasonRecovery, RunID: runID})
}
