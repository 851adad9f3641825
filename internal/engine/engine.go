package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"robotfleet/internal/domain"
)

// Store is the entity store the engine reads and mutates. SetHealth must
// commit before returning so that the next read observes it.
type Store interface {
	GetLicence(ctx context.Context, id int64) (domain.Licence, error)
	GetAlimentation(ctx context.Context, id int64) (domain.Alimentation, error)
	GetGuidage(ctx context.Context, id int64) (domain.Guidage, error)
	GetRobot(ctx context.Context, id int64) (domain.Robot, error)

	ListLicences(ctx context.Context, f domain.HealthFilter) ([]domain.Licence, error)
	ListAlimentations(ctx context.Context, f domain.HealthFilter) ([]domain.Alimentation, error)
	ListGuidages(ctx context.Context, f domain.HealthFilter) ([]domain.Guidage, error)
	ListRobots(ctx context.Context, f domain.RobotFilter) ([]domain.Robot, error)

	InsertLicence(ctx context.Context, l domain.Licence, actorID string) (domain.Licence, error)
	InsertAlimentation(ctx context.Context, a domain.Alimentation, actorID string) (domain.Alimentation, error)
	InsertGuidage(ctx context.Context, g domain.Guidage, actorID string) (domain.Guidage, error)
	InsertRobot(ctx context.Context, r domain.Robot, actorID string) (domain.Robot, error)

	SetHealth(ctx context.Context, c domain.HealthChange) (bool, error)
}

type Engine struct {
	Store  Store
	Logger *zap.Logger
	Now    func() time.Time
	// NewRunID names reconciliation passes; defaults to random UUIDs.
	NewRunID func() string
}

func New(store Store, logger *zap.Logger) Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Engine{
		Store:    store,
		Logger:   logger,
		Now:      time.Now,
		NewRunID: uuid.NewString,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

func (e Engine) runID() string {
	if e.NewRunID != nil {
		return e.NewRunID()
	}
	return uuid.NewString()
}

// CreateAlimentation stores a power source with its operator-given health.
func (e Engine) CreateAlimentation(ctx context.Context, a domain.Alimentation, actorID string) (domain.Alimentation, error) {
	if a.Capacity < 0 {
		return a, fmt.Errorf("%w: capacity must not be negative", domain.ErrInvalid)
	}
	a, err := e.Store.InsertAlimentation(ctx, a, actorID)
	if err != nil {
		return a, err
	}
	e.log().Info("alimentation created", zap.Int64("id", a.ID), zap.String("type", string(a.AlimentationType)), zap.Bool("healthy", a.IsHealthy))
	return a, nil
}

func (e Engine) CreateGuidage(ctx context.Context, g domain.Guidage, actorID string) (domain.Guidage, error) {
	g, err := e.Store.InsertGuidage(ctx, g, actorID)
	if err != nil {
		return g, err
	}
	e.log().Info("guidage created", zap.Int64("id", g.ID), zap.Bool("healthy", g.IsHealthy))
	return g, nil
}

// CreateRobot stores a robot as requested. A robot created healthy on top of
// a failed dependency is corrected by the next reconciliation pass.
func (e Engine) CreateRobot(ctx context.Context, r domain.Robot, actorID string) (domain.Robot, error) {
	r, err := e.Store.InsertRobot(ctx, r, actorID)
	if err != nil {
		return r, err
	}
	e.log().Info("robot created", zap.Int64("id", r.ID), zap.String("name", r.Name), zap.Bool("healthy", r.IsHealthy))
	return r, nil
}

func (e Engine) GetAlimentation(ctx context.Context, id int64) (domain.Alimentation, error) {
	return e.Store.GetAlimentation(ctx, id)
}

func (e Engine) GetGuidage(ctx context.Context, id int64) (domain.Guidage, error) {
	return e.Store.GetGuidage(ctx, id)
}

func (e Engine) GetRobot(ctx context.Context, id int64) (domain.Robot, error) {
	return e.Store.GetRobot(ctx, id)
}

func (e Engine) ListAlimentations(ctx context.Context, f domain.HealthFilter) ([]domain.Alimentation, error) {
	return e.Store.ListAlimentations(ctx, f)
}

func (e Engine) ListGuidages(ctx context.Context, f domain.HealthFilter) ([]domain.Guidage, error) {
	return e.Store.ListGuidages(ctx, f)
}

func (e Engine) ListRobots(ctx context.Context, f domain.RobotFilter) ([]domain.Robot, error) {
	return e.Store.ListRobots(ctx, f)
}
