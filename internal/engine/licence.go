package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"robotfleet/internal/domain"
)

// LicenceHealthy reports whether the licence is unexpired at now. A licence
// expiring exactly at now is still healthy.
func LicenceHealthy(l domain.Licence, now time.Time) bool {
	return !l.ExpirationDate.Before(now)
}

// effectiveLicenceHealth combines the stored flag with expiry. An operator can
// hold a licence down; expiry can only lower it.
func effectiveLicenceHealth(l domain.Licence, now time.Time) bool {
	return l.IsHealthy && LicenceHealthy(l, now)
}

// CreateLicence stores a licence whose health is derived from its expiration date.
func (e Engine) CreateLicence(ctx context.Context, expirationDate time.Time, actorID string) (domain.Licence, error) {
	if expirationDate.IsZero() {
		return domain.Licence{}, fmt.Errorf("%w: expiration_date is required", domain.ErrInvalid)
	}
	l := domain.Licence{ExpirationDate: expirationDate.UTC()}
	l.IsHealthy = LicenceHealthy(l, e.now())
	l, err := e.Store.InsertLicence(ctx, l, actorID)
	if err != nil {
		return l, err
	}
	e.log().Info("licence created", zap.Int64("id", l.ID), zap.Time("expiration_date", l.ExpirationDate), zap.Bool("healthy", l.IsHealthy))
	return l, nil
}

// GetLicence returns the licence with its health re-derived for the current
// time. The stored row is left untouched.
func (e Engine) GetLicence(ctx context.Context, id int64) (domain.Licence, error) {
	l, err := e.Store.GetLicence(ctx, id)
	if err != nil {
		return l, err
	}
	l.IsHealthy = effectiveLicenceHealth(l, e.now())
	return l, nil
}

func (e Engine) ListLicences(ctx context.Context, f domain.HealthFilter) ([]domain.Licence, error) {
	// The health filter applies to the derived flag, so filter after deriving.
	want, offset, limit := f.Healthy, f.Offset, f.Limit
	f.Healthy = nil
	if want != nil {
		f.Offset, f.Limit = 0, 0
	}
	items, err := e.Store.ListLicences(ctx, f)
	if err != nil {
		return nil, err
	}
	now := e.now()
	res := make([]domain.Licence, 0, len(items))
	for _, l := range items {
		l.IsHealthy = effectiveLicenceHealth(l, now)
		if want != nil && l.IsHealthy != *want {
			continue
		}
		res = append(res, l)
	}
	if want == nil {
		return res, nil
	}
	return page(res, offset, limit), nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return items[:0]
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
