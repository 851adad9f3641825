package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"robotfleet/internal/domain"
)

// PropagateFailure forces every robot referencing (kind, id) unhealthy and
// returns the ids of those robots. Each robot is committed on its own, so an
// interrupted cascade leaves the robots already handled in their final state.
// Recovery never flows through here.
func (e Engine) PropagateFailure(ctx context.Context, kind domain.Kind, id int64) ([]int64, error) {
	affected, _, err := e.propagate(ctx, kind, id, "", "")
	return affected, err
}

// propagate returns the dependent robot ids and how many of them flipped.
func (e Engine) propagate(ctx context.Context, kind domain.Kind, id int64, actorID, runID string) ([]int64, int, error) {
	if !kind.IsDependency() {
		return nil, 0, fmt.Errorf("%w: %s is not a robot dependency", domain.ErrInvalid, kind)
	}
	// a zero id would turn the dependency filter off and match the whole fleet
	if id <= 0 {
		return nil, 0, fmt.Errorf("%w: invalid %s id %d", domain.ErrInvalid, kind, id)
	}
	robots, err := e.Store.ListRobots(ctx, domain.ByDependency(kind, id))
	if err != nil {
		return nil, 0, err
	}
	affected := make([]int64, 0, len(robots))
	flipped := 0
	for _, r := range robots {
		changed, err := e.Store.SetHealth(ctx, domain.HealthChange{
			Kind:    domain.KindRobot,
			ID:      r.ID,
			Healthy: false,
			Reason:  domain.ReasonCascade,
			Cause:   domain.Cause(kind, id),
			ActorID: actorID,
			RunID:   runID,
		})
		if err != nil {
			return affected, flipped, fmt.Errorf("cascade %s %d to robot %d: %w", kind, id, r.ID, err)
		}
		affected = append(affected, r.ID)
		if changed {
			flipped++
		}
	}
	if flipped > 0 {
		e.log().Info("failure propagated",
			zap.String("kind", string(kind)),
			zap.Int64("id", id),
			zap.Int64s("affected", affected),
			zap.Int("flipped", flipped),
			zap.String("run_id", runID))
	}
	return affected, flipped, nil
}

// HealthUpdate reports an explicit dependency health change.
type HealthUpdate struct {
	Kind    domain.Kind
	ID      int64
	Healthy bool
	Changed bool
	// Affected lists robots forced unhealthy by the cascade.
	Affected []int64
}

// SetDependencyHealth applies an operator health change to a licence,
// alimentation or guidage. A licence is re-derived right after the change, so
// raising an expired licence leaves it unhealthy. An unhealthy result cascades
// to dependent robots before returning; a healthy one does not touch robots.
func (e Engine) SetDependencyHealth(ctx context.Context, kind domain.Kind, id int64, healthy bool, actorID string) (HealthUpdate, error) {
	u := HealthUpdate{Kind: kind, ID: id, Healthy: healthy}
	reason := domain.ReasonOperator
	switch kind {
	case domain.KindLicence:
		l, err := e.Store.GetLicence(ctx, id)
		if err != nil {
			return u, err
		}
		if healthy && !LicenceHealthy(l, e.now()) {
			u.Healthy = false
			reason = domain.ReasonExpired
		}
	case domain.KindAlimentation:
		if _, err := e.Store.GetAlimentation(ctx, id); err != nil {
			return u, err
		}
	case domain.KindGuidage:
		if _, err := e.Store.GetGuidage(ctx, id); err != nil {
			return u, err
		}
	default:
		return u, fmt.Errorf("%w: %s is not a robot dependency", domain.ErrInvalid, kind)
	}

	changed, err := e.Store.SetHealth(ctx, domain.HealthChange{Kind: kind, ID: id, Healthy: u.Healthy, Reason: reason, ActorID: actorID})
	if err != nil {
		return u, err
	}
	u.Changed = changed
	e.log().Info("dependency health set",
		zap.String("kind", string(kind)),
		zap.Int64("id", id),
		zap.Bool("requested", healthy),
		zap.Bool("healthy", u.Healthy),
		zap.Bool("changed", changed),
		zap.String("actor", actorID))
	if u.Healthy {
		return u, nil
	}
	u.Affected, _, err = e.propagate(ctx, kind, id, actorID, "")
	return u, err
}

func (e Engine) SetLicenceHealth(ctx context.Context, id int64, healthy bool, actorID string) (domain.Licence, HealthUpdate, error) {
	u, err := e.SetDependencyHealth(ctx, domain.KindLicence, id, healthy, actorID)
	if err != nil {
		return domain.Licence{}, u, err
	}
	l, err := e.GetLicence(ctx, id)
	return l, u, err
}

func (e Engine) SetAlimentationHealth(ctx context.Context, id int64, healthy bool, actorID string) (domain.Alimentation, HealthUpdate, error) {
	u, err := e.SetDependencyHealth(ctx, domain.KindAlimentation, id, healthy, actorID)
	if err != nil {
		return domain.Alimentation{}, u, err
	}
	a, err := e.Store.GetAlimentation(ctx, id)
	return a, u, err
}

func (e Engine) SetGuidageHealth(ctx context.Context, id int64, healthy bool, actorID string) (domain.Guidage, HealthUpdate, error) {
	u, err := e.SetDependencyHealth(ctx, domain.KindGuidage, id, healthy, actorID)
	if err != nil {
		return domain.Guidage{}, u, err
	}
	g, err := e.Store.GetGuidage(ctx, id)
	return g, u, err
}
