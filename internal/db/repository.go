package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/leozw/uptime-consensus/internal/config"
	"github.com/leozw/uptime-consensus/internal/core"
	"github.com/leozw/uptime-consensus/internal/entitlement"
	"github.com/leozw/uptime-consensus/internal/store"
	"go.uber.org/zap"
)

type Repository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

var _ store.Store = (*Repository)(nil)

func NewConnection(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", cfg.URL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

func NewRepository(db *sqlx.DB, logger *zap.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

func (r *Repository) Ping(ctx context.Context) error {
	return classify(r.db.PingContext(ctx))
}

// classify maps driver errors onto the store sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if isUnavailable(err) {
		return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
	return err
}

func isUnavailable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// 08: connection exception, 53: insufficient resources, 57: operator intervention
		switch pqErr.Code.Class() {
		case "08", "53", "57":
			return true
		}
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// Site operations
func (r *Repository) CreateSite(ctx context.Context, site *core.Site) error {
	query := `
		INSERT INTO sites (
			id, owner_id, name, url, check_interval_seconds, active, tcp_ports,
			notifications_enabled, monthly_report, report_day, report_hour,
			created_at, updated_at
		) VALUES (
			:id, :owner_id, :name, :url, :check_interval_seconds, :active, :tcp_ports,
			:notifications_enabled, :monthly_report, :report_day, :report_hour,
			:created_at, :updated_at
		)`

	_, err := r.db.NamedExecContext(ctx, query, newSiteRow(site))
	return classify(err)
}

func (r *Repository) GetSite(ctx context.Context, id string) (*core.Site, error) {
	var row siteRow
	err := r.db.GetContext(ctx, &row, `SELECT * FROM sites WHERE id = $1`, id)
	if err != nil {
		return nil, classify(err)
	}
	return row.toSite(), nil
}

func (r *Repository) UpdateSite(ctx context.Context, site *core.Site) error {
	query := `
		UPDATE sites SET
			name = :name,
			url = :url,
			check_interval_seconds = :check_interval_seconds,
			active = :active,
			tcp_ports = :tcp_ports,
			notifications_enabled = :notifications_enabled,
			monthly_report = :monthly_report,
			report_day = :report_day,
			report_hour = :report_hour,
			updated_at = :updated_at
		WHERE id = :id`

	res, err := r.db.NamedExecContext(ctx, query, newSiteRow(site))
	if err != nil {
		return classify(err)
	}
	return requireAffected(res)
}

func (r *Repository) DeleteSite(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sites WHERE id = $1`, id)
	if err != nil {
		return classify(err)
	}
	return requireAffected(res)
}

func (r *Repository) ListSitesByOwner(ctx context.Context, ownerID string) ([]*core.Site, error) {
	return r.selectSites(ctx, `SELECT * FROM sites WHERE owner_id = $1 ORDER BY created_at, id`, ownerID)
}

func (r *Repository) ListActiveSites(ctx context.Context) ([]*core.Site, error) {
	return r.selectSites(ctx, `SELECT * FROM sites WHERE active = true ORDER BY created_at, id`)
}

func (r *Repository) selectSites(ctx context.Context, query string, args ...interface{}) ([]*core.Site, error) {
	rows := []*siteRow{}
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, classify(err)
	}

	sites := make([]*core.Site, 0, len(rows))
	for _, row := range rows {
		sites = append(sites, row.toSite())
	}
	return sites, nil
}

func (r *Repository) CountSitesByOwner(ctx context.Context, ownerID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM sites WHERE owner_id = $1`, ownerID)
	return count, classify(err)
}

// Feature grants
func (r *Repository) ListGrants(ctx context.Context, userID string) ([]entitlement.Grant, error) {
	var rows []struct {
		UserID  string    `db:"user_id"`
		Key     string    `db:"feature_key"`
		EndDate time.Time `db:"end_date"`
	}
	query := `SELECT user_id, feature_key, end_date FROM feature_grants WHERE user_id = $1`
	if err := r.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, classify(err)
	}

	grants := make([]entitlement.Grant, 0, len(rows))
	for _, row := range rows {
		key, err := entitlement.ParseFeatureKey(row.Key)
		if err != nil {
			r.logger.Warn("Skipping grant with unknown feature key",
				zap.String("user_id", row.UserID),
				zap.String("feature_key", row.Key),
			)
			continue
		}
		grants = append(grants, entitlement.Grant{UserID: row.UserID, Key: key, EndDate: row.EndDate})
	}
	return grants, nil
}

func (r *Repository) UpsertGrant(ctx context.Context, grant entitlement.Grant) error {
	query := `
		INSERT INTO feature_grants (user_id, feature_key, end_date)
		VALUES (:user_id, :feature_key, :end_date)
		ON CONFLICT (user_id, feature_key) DO UPDATE SET end_date = EXCLUDED.end_date`

	_, err := r.db.NamedExecContext(ctx, query, grant)
	return classify(err)
}

// Observations
func (r *Repository) AppendObservation(ctx context.Context, obs *core.Observation) (bool, error) {
	query := `
		INSERT INTO observations (
			site_id, owner_id, worker_id, region, observed_at, interval_seconds, checks
		) VALUES (
			:site_id, :owner_id, :worker_id, :region, :observed_at, :interval_seconds, :checks
		) ON CONFLICT (site_id, worker_id, observed_at) DO NOTHING`

	res, err := r.db.NamedExecContext(ctx, query, newObservationRow(obs))
	if err != nil {
		return false, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify(err)
	}
	return n == 1, nil
}

func (r *Repository) ListObservationsSince(ctx context.Context, siteID string, since time.Time) ([]*core.Observation, error) {
	rows := []*observationRow{}
	query := `
		SELECT site_id, owner_id, worker_id, region, observed_at, interval_seconds, checks
		FROM observations
		WHERE site_id = $1 AND observed_at >= $2
		ORDER BY observed_at, worker_id`

	if err := r.db.SelectContext(ctx, &rows, query, siteID, since); err != nil {
		return nil, classify(err)
	}

	observations := make([]*core.Observation, 0, len(rows))
	for _, row := range rows {
		observations = append(observations, row.toObservation())
	}
	return observations, nil
}

func (r *Repository) LastObservationAt(ctx context.Context, siteID, workerID string) (time.Time, error) {
	var last sql.NullTime
	query := `SELECT MAX(observed_at) FROM observations WHERE site_id = $1 AND worker_id = $2`
	if err := r.db.GetContext(ctx, &last, query, siteID, workerID); err != nil {
		return time.Time{}, classify(err)
	}
	if !last.Valid {
		return time.Time{}, nil
	}
	return last.Time.UTC(), nil
}

// Consensus status
func (r *Repository) SaveStatus(ctx context.Context, status *core.ConsensusStatus) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	row := newStatusRow(status)

	upsert := `
		INSERT INTO consensus_status (site_id, owner_id, is_up, checked_at, payload)
		VALUES (:site_id, :owner_id, :is_up, :checked_at, :payload)
		ON CONFLICT (site_id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			is_up = EXCLUDED.is_up,
			checked_at = EXCLUDED.checked_at,
			payload = EXCLUDED.payload`
	if _, err := tx.NamedExecContext(ctx, upsert, row); err != nil {
		return classify(err)
	}

	history := `
		INSERT INTO status_history (site_id, owner_id, is_up, checked_at, payload)
		VALUES (:site_id, :owner_id, :is_up, :checked_at, :payload)`
	if _, err := tx.NamedExecContext(ctx, history, row); err != nil {
		return classify(err)
	}

	return classify(tx.Commit())
}

func (r *Repository) GetStatus(ctx context.Context, siteID string) (*core.ConsensusStatus, error) {
	var row statusRow
	query := `SELECT 0 AS seq, site_id, owner_id, is_up, checked_at, payload FROM consensus_status WHERE site_id = $1`
	if err := r.db.GetContext(ctx, &row, query, siteID); err != nil {
		return nil, classify(err)
	}
	return row.toStatus(), nil
}

func (r *Repository) ListStatusesByOwner(ctx context.Context, ownerID string) ([]*core.ConsensusStatus, error) {
	rows := []*statusRow{}
	query := `
		SELECT 0 AS seq, site_id, owner_id, is_up, checked_at, payload
		FROM consensus_status WHERE owner_id = $1 ORDER BY site_id`
	if err := r.db.SelectContext(ctx, &rows, query, ownerID); err != nil {
		return nil, classify(err)
	}

	statuses := make([]*core.ConsensusStatus, 0, len(rows))
	for _, row := range rows {
		statuses = append(statuses, row.toStatus())
	}
	return statuses, nil
}

func (r *Repository) ListStatusHistory(ctx context.Context, siteID string, since time.Time, afterSeq int64, limit int) ([]store.Snapshot, error) {
	rows := []*statusRow{}
	query := `
		SELECT seq, site_id, owner_id, is_up, checked_at, payload
		FROM status_history
		WHERE site_id = $1 AND checked_at >= $2 AND seq > $3
		ORDER BY seq
		LIMIT $4`
	if err := r.db.SelectContext(ctx, &rows, query, siteID, since, afterSeq, limit); err != nil {
		return nil, classify(err)
	}

	page := make([]store.Snapshot, 0, len(rows))
	for _, row := range rows {
		page = append(page, store.Snapshot{Seq: row.Seq, Status: row.toStatus()})
	}
	return page, nil
}

// Retention
func (r *Repository) PruneObservations(ctx context.Context, before time.Time) (int64, error) {
	return r.prune(ctx, `DELETE FROM observations WHERE observed_at < $1`, before)
}

func (r *Repository) PruneStatusHistory(ctx context.Context, before time.Time) (int64, error) {
	return r.prune(ctx, `DELETE FROM status_history WHERE checked_at < $1`, before)
}

func (r *Repository) prune(ctx context.Context, query string, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// Incidents
func (r *Repository) CreateIncident(ctx context.Context, incident *core.Incident) error {
	query := `
		INSERT INTO incidents (
			id, site_id, owner_id, started_at, resolved_at, severity,
			affected_checks, downtime_minutes, cause
		) VALUES (
			:id, :site_id, :owner_id, :started_at, :resolved_at, :severity,
			:affected_checks, :downtime_minutes, :cause
		)`

	_, err := r.db.NamedExecContext(ctx, query, incident)
	return classify(err)
}

func (r *Repository) UpdateIncident(ctx context.Context, incident *core.Incident) error {
	query := `
		UPDATE incidents SET
			resolved_at = :resolved_at,
			severity = :severity,
			affected_checks = :affected_checks,
			downtime_minutes = :downtime_minutes,
			cause = :cause
		WHERE id = :id`

	res, err := r.db.NamedExecContext(ctx, query, incident)
	if err != nil {
		return classify(err)
	}
	return requireAffected(res)
}

func (r *Repository) GetActiveIncident(ctx context.Context, siteID string) (*core.Incident, error) {
	var incident core.Incident
	query := `
		SELECT * FROM incidents
		WHERE site_id = $1 AND resolved_at IS NULL
		ORDER BY started_at DESC
		LIMIT 1`
	if err := r.db.GetContext(ctx, &incident, query, siteID); err != nil {
		return nil, classify(err)
	}
	return &incident, nil
}

func (r *Repository) ListIncidentsBySite(ctx context.Context, siteID string, limit int) ([]*core.Incident, error) {
	incidents := []*core.Incident{}
	query := `
		SELECT * FROM incidents
		WHERE site_id = $1
		ORDER BY started_at DESC
		LIMIT $2`
	err := r.db.SelectContext(ctx, &incidents, query, siteID, limit)
	return incidents, classify(err)
}

func (r *Repository) CountIncidentsBetween(ctx context.Context, siteID string, from, to time.Time) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM incidents WHERE site_id = $1 AND started_at >= $2 AND started_at < $3`
	err := r.db.GetContext(ctx, &count, query, siteID, from, to)
	return count, classify(err)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
