package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"robotfleet/internal/domain"
	"robotfleet/internal/events"
)

// Repo is the sqlite-backed entity store. Every mutation commits its own
// transaction together with the event row describing it.
type Repo struct {
	DB     *sql.DB
	Events events.Writer
}

var ErrNotFound = domain.ErrNotFound

var tables = map[domain.Kind]string{
	domain.KindLicence:      "licences",
	domain.KindAlimentation: "alimentations",
	domain.KindGuidage:      "guidages",
	domain.KindRobot:        "robots",
}

func tableFor(kind domain.Kind) (string, error) {
	t, ok := tables[kind]
	if !ok {
		return "", fmt.Errorf("%w: unknown kind %q", domain.ErrInvalid, kind)
	}
	return t, nil
}

// storeErr tags driver failures as ErrStoreUnavailable; sentinel errors pass through.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalid) || errors.Is(err, domain.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func healthClause(clauses []string, args []any, healthy *bool) ([]string, []any) {
	if healthy != nil {
		clauses = append(clauses, "is_healthy=?")
		args = append(args, *healthy)
	}
	return clauses, args
}

func paginate(query string, args []any, offset, limit int) (string, []any) {
	if limit <= 0 && offset <= 0 {
		return query, args
	}
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	return query, append(args, limit, offset)
}

func where(clauses []string) string {
	if len(clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(clauses, " AND ")
}

// --- licences ---

func scanLicence(row rowScanner) (domain.Licence, error) {
	var l domain.Licence
	var exp string
	if err := row.Scan(&l.ID, &l.IsHealthy, &exp); err != nil {
		return l, err
	}
	t, err := parseTime(exp)
	if err != nil {
		return l, err
	}
	l.ExpirationDate = t
	return l, nil
}

func (r Repo) InsertLicence(ctx context.Context, l domain.Licence, actorID string) (domain.Licence, error) {
	if l.ExpirationDate.IsZero() {
		return l, fmt.Errorf("%w: expiration_date is required", domain.ErrInvalid)
	}
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO licences(is_healthy,expiration_date) VALUES (?,?)`, l.IsHealthy, formatTime(l.ExpirationDate))
		if err != nil {
			return err
		}
		if l.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		return r.Events.Append(ctx, tx, events.Type(domain.KindLicence, events.TypeCreated), domain.KindLicence, l.ID, actorID, events.EventPayload{
			"healthy":         l.IsHealthy,
			"expiration_date": formatTime(l.ExpirationDate),
		})
	})
	l.ExpirationDate = l.ExpirationDate.UTC()
	return l, err
}

func (r Repo) GetLicence(ctx context.Context, id int64) (domain.Licence, error) {
	l, err := scanLicence(r.DB.QueryRowContext(ctx, `SELECT id,is_healthy,expiration_date FROM licences WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return l, domain.NotFoundError(domain.KindLicence, id)
	}
	return l, storeErr(err)
}

func (r Repo) ListLicences(ctx context.Context, f domain.HealthFilter) ([]domain.Licence, error) {
	clauses, args := healthClause(nil, nil, f.Healthy)
	query, args := paginate(`SELECT id,is_healthy,expiration_date FROM licences`+where(clauses)+` ORDER BY id`, args, f.Offset, f.Limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	var res []domain.Licence
	for rows.Next() {
		l, err := scanLicence(rows)
		if err != nil {
			return nil, storeErr(err)
		}
		res = append(res, l)
	}
	return res, storeErr(rows.Err())
}

// --- alimentations ---

func scanAlimentation(row rowScanner) (domain.Alimentation, error) {
	var a domain.Alimentation
	err := row.Scan(&a.ID, &a.IsHealthy, &a.AlimentationType, &a.Capacity)
	return a, err
}

func (r Repo) InsertAlimentation(ctx context.Context, a domain.Alimentation, actorID string) (domain.Alimentation, error) {
	if !a.AlimentationType.Valid() {
		return a, fmt.Errorf("%w: invalid alimentationType %q", domain.ErrInvalid, a.AlimentationType)
	}
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO alimentations(is_healthy,alimentation_type,capacity) VALUES (?,?,?)`,
			a.IsHealthy, string(a.AlimentationType), a.Capacity)
		if err != nil {
			return err
		}
		if a.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		return r.Events.Append(ctx, tx, events.Type(domain.KindAlimentation, events.TypeCreated), domain.KindAlimentation, a.ID, actorID, events.EventPayload{
			"healthy":  a.IsHealthy,
			"type":     a.AlimentationType,
			"capacity": a.Capacity,
		})
	})
	return a, err
}

func (r Repo) GetAlimentation(ctx context.Context, id int64) (domain.Alimentation, error) {
	a, err := scanAlimentation(r.DB.QueryRowContext(ctx, `SELECT id,is_healthy,alimentation_type,capacity FROM alimentations WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return a, domain.NotFoundError(domain.KindAlimentation, id)
	}
	return a, storeErr(err)
}

func (r Repo) ListAlimentations(ctx context.Context, f domain.HealthFilter) ([]domain.Alimentation, error) {
	clauses, args := healthClause(nil, nil, f.Healthy)
	query, args := paginate(`SELECT id,is_healthy,alimentation_type,capacity FROM alimentations`+where(clauses)+` ORDER BY id`, args, f.Offset, f.Limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	var res []domain.Alimentation
	for rows.Next() {
		a, err := scanAlimentation(rows)
		if err != nil {
			return nil, storeErr(err)
		}
		res = append(res, a)
	}
	return res, storeErr(rows.Err())
}

// --- guidages ---

func (r Repo) InsertGuidage(ctx context.Context, g domain.Guidage, actorID string) (domain.Guidage, error) {
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO guidages(is_healthy) VALUES (?)`, g.IsHealthy)
		if err != nil {
			return err
		}
		if g.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		return r.Events.Append(ctx, tx, events.Type(domain.KindGuidage, events.TypeCreated), domain.KindGuidage, g.ID, actorID, events.EventPayload{"healthy": g.IsHealthy})
	})
	return g, err
}

func (r Repo) GetGuidage(ctx context.Context, id int64) (domain.Guidage, error) {
	var g domain.Guidage
	err := r.DB.QueryRowContext(ctx, `SELECT id,is_healthy FROM guidages WHERE id=?`, id).Scan(&g.ID, &g.IsHealthy)
	if err == sql.ErrNoRows {
		return g, domain.NotFoundError(domain.KindGuidage, id)
	}
	return g, storeErr(err)
}

func (r Repo) ListGuidages(ctx context.Context, f domain.HealthFilter) ([]domain.Guidage, error) {
	clauses, args := healthClause(nil, nil, f.Healthy)
	query, args := paginate(`SELECT id,is_healthy FROM guidages`+where(clauses)+` ORDER BY id`, args, f.Offset, f.Limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	var res []domain.Guidage
	for rows.Next() {
		var g domain.Guidage
		if err := rows.Scan(&g.ID, &g.IsHealthy); err != nil {
			return nil, storeErr(err)
		}
		res = append(res, g)
	}
	return res, storeErr(rows.Err())
}

// --- robots ---

const robotColumns = `id,name,is_healthy,motor,alimentation_id,guidage_id,licence_id`

func scanRobot(row rowScanner) (domain.Robot, error) {
	var rb domain.Robot
	err := row.Scan(&rb.ID, &rb.Name, &rb.IsHealthy, &rb.Motor, &rb.AlimentationID, &rb.GuidageID, &rb.LicenceID)
	return rb, err
}

// InsertRobot stores a robot after checking that its three dependencies exist.
func (r Repo) InsertRobot(ctx context.Context, rb domain.Robot, actorID string) (domain.Robot, error) {
	if strings.TrimSpace(rb.Name) == "" {
		return rb, fmt.Errorf("%w: name is required", domain.ErrInvalid)
	}
	if !rb.Motor.Valid() {
		return rb, fmt.Errorf("%w: invalid motor %q", domain.ErrInvalid, rb.Motor)
	}
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		for _, kind := range domain.DependencyKinds {
			id, _ := rb.DependencyID(kind)
			if err := exists(ctx, tx, kind, id); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO robots(name,is_healthy,motor,alimentation_id,guidage_id,licence_id) VALUES (?,?,?,?,?,?)`,
			rb.Name, rb.IsHealthy, string(rb.Motor), rb.AlimentationID, rb.GuidageID, rb.LicenceID)
		if err != nil {
			return err
		}
		if rb.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		return r.Events.Append(ctx, tx, events.Type(domain.KindRobot, events.TypeCreated), domain.KindRobot, rb.ID, actorID, events.EventPayload{
			"name":            rb.Name,
			"healthy":         rb.IsHealthy,
			"motor":           rb.Motor,
			"alimentation_id": rb.AlimentationID,
			"guidage_id":      rb.GuidageID,
			"licence_id":      rb.LicenceID,
		})
	})
	return rb, err
}

func exists(ctx context.Context, q queryer, kind domain.Kind, id int64) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	var found int64
	err = q.QueryRowContext(ctx, `SELECT id FROM `+table+` WHERE id=?`, id).Scan(&found)
	if err == sql.ErrNoRows {
		return domain.NotFoundError(kind, id)
	}
	return err
}

func (r Repo) GetRobot(ctx context.Context, id int64) (domain.Robot, error) {
	rb, err := scanRobot(r.DB.QueryRowContext(ctx, `SELECT `+robotColumns+` FROM robots WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return rb, domain.NotFoundError(domain.KindRobot, id)
	}
	return rb, storeErr(err)
}

func (r Repo) ListRobots(ctx context.Context, f domain.RobotFilter) ([]domain.Robot, error) {
	clauses, args := healthClause(nil, nil, f.Healthy)
	if f.AlimentationID != 0 {
		clauses = append(clauses, "alimentation_id=?")
		args = append(args, f.AlimentationID)
	}
	if f.GuidageID != 0 {
		clauses = append(clauses, "guidage_id=?")
		args = append(args, f.GuidageID)
	}
	if f.LicenceID != 0 {
		clauses = append(clauses, "licence_id=?")
		args = append(args, f.LicenceID)
	}
	query, args := paginate(`SELECT `+robotColumns+` FROM robots`+where(clauses)+` ORDER BY id`, args, f.Offset, f.Limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	var res []domain.Robot
	for rows.Next() {
		rb, err := scanRobot(rows)
		if err != nil {
			return nil, storeErr(err)
		}
		res = append(res, rb)
	}
	return res, storeErr(rows.Err())
}

// --- health ---

// SetHealth commits one entity's health flag together with its event. It
// reports whether the stored flag changed; an unchanged flag writes nothing.
func (r Repo) SetHealth(ctx context.Context, c domain.HealthChange) (bool, error) {
	table, err := tableFor(c.Kind)
	if err != nil {
		return false, err
	}
	changed := false
	err = r.withTx(ctx, func(tx *sql.Tx) error {
		var previous bool
		err := tx.QueryRowContext(ctx, `SELECT is_healthy FROM `+table+` WHERE id=?`, c.ID).Scan(&previous)
		if err == sql.ErrNoRows {
			return domain.NotFoundError(c.Kind, c.ID)
		}
		if err != nil {
			return err
		}
		if previous == c.Healthy {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE `+table+` SET is_healthy=? WHERE id=?`, c.Healthy, c.ID); err != nil {
			return err
		}
		if err := r.Events.HealthChanged(ctx, tx, c, previous); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

func (r Repo) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return storeErr(err)
	}
	return storeErr(tx.Commit())
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
