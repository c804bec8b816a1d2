package tender

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	store := &PostgresStore{db: db}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// ResetPool drops idle connections; the reset_connection remediation
// handler calls this.
func (p *PostgresStore) ResetPool() {
	p.db.SetMaxIdleConns(0)
	p.db.SetMaxIdleConns(2)
}

func (p *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tenders (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			source_portal TEXT NOT NULL,
			external_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT 'uncategorized',
			status TEXT NOT NULL DEFAULT 'scraped',
			value DOUBLE PRECISION NOT NULL DEFAULT 0,
			currency TEXT NOT NULL DEFAULT '',
			deadline TIMESTAMPTZ,
			owner_id TEXT NOT NULL DEFAULT '',
			assignees JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE (tenant_id, source_portal, external_id)
		)`,
		`CREATE TABLE IF NOT EXISTS validations (
			tender_id TEXT PRIMARY KEY REFERENCES tenders(id),
			score INT NOT NULL,
			issues JSONB NOT NULL DEFAULT '[]',
			checked_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scraping_run_logs (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			portal TEXT NOT NULL,
			status TEXT NOT NULL,
			pages_processed INT NOT NULL DEFAULT 0,
			tenders_found INT NOT NULL DEFAULT 0,
			tenders_imported INT NOT NULL DEFAULT 0,
			tenders_updated INT NOT NULL DEFAULT 0,
			tenders_skipped INT NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			artifact_uri TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id BIGSERIAL PRIMARY KEY,
			action TEXT NOT NULL,
			actor TEXT NOT NULL DEFAULT '',
			resource TEXT NOT NULL DEFAULT '',
			details TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (p *PostgresStore) UpsertTender(ctx context.Context, t Tender) (bool, error) {
	now := time.Now().UTC()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Category == "" {
		t.Category = CategoryUncategorized
	}
	if t.Status == "" {
		t.Status = StatusScraped
	}
	assignees, err := json.Marshal(t.Assignees)
	if err != nil {
		return false, err
	}
	var deadline interface{}
	if !t.Deadline.IsZero() {
		deadline = t.Deadline
	}
	// On conflict the existing owner, assignees, status and any category a
	// processing job already assigned all survive.
	var inserted bool
	err = p.db.QueryRowContext(ctx,
		`INSERT INTO tenders (id, tenant_id, source_portal, external_id, title, description, category, status,
			value, currency, deadline, owner_id, assignees, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$14)
		 ON CONFLICT (tenant_id, source_portal, external_id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			value = EXCLUDED.value,
			currency = EXCLUDED.currency,
			deadline = EXCLUDED.deadline,
			category = CASE WHEN tenders.category = 'uncategorized' THEN EXCLUDED.category ELSE tenders.category END,
			updated_at = EXCLUDED.updated_at
		 RETURNING (xmax = 0)`,
		t.ID, t.TenantID, t.SourcePortal, t.ExternalID, t.Title, t.Description, t.Category, t.Status,
		t.Value, t.Currency, deadline, t.OwnerID, string(assignees), now,
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("upsert tender %s/%s: %w", t.SourcePortal, t.ExternalID, err)
	}
	return inserted, nil
}

const tenderColumns = `id, tenant_id, source_portal, external_id, title, description, category, status,
	value, currency, deadline, owner_id, assignees, created_at, updated_at`

func (p *PostgresStore) scanTender(row *sql.Row) (Tender, error) {
	var t Tender
	var deadline sql.NullTime
	var assignees []byte
	err := row.Scan(&t.ID, &t.TenantID, &t.SourcePortal, &t.ExternalID, &t.Title, &t.Description,
		&t.Category, &t.Status, &t.Value, &t.Currency, &deadline, &t.OwnerID, &assignees,
		&t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Tender{}, ErrNotFound
	}
	if err != nil {
		return Tender{}, err
	}
	if deadline.Valid {
		t.Deadline = deadline.Time
	}
	if len(assignees) > 0 {
		_ = json.Unmarshal(assignees, &t.Assignees)
	}
	return t, nil
}

func (p *PostgresStore) GetTender(ctx context.Context, id string) (Tender, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+tenderColumns+` FROM tenders WHERE id=$1`, id)
	return p.scanTender(row)
}

func (p *PostgresStore) FindTender(ctx context.Context, tenantID, portal, externalID string) (Tender, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+tenderColumns+` FROM tenders WHERE tenant_id=$1 AND source_portal=$2 AND external_id=$3`,
		tenantID, portal, externalID)
	return p.scanTender(row)
}

func (p *PostgresStore) UpdateTender(ctx context.Context, t Tender) error {
	assignees, err := json.Marshal(t.Assignees)
	if err != nil {
		return err
	}
	var deadline interface{}
	if !t.Deadline.IsZero() {
		deadline = t.Deadline
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE tenders SET title=$2, description=$3, category=$4, status=$5, value=$6, currency=$7,
			deadline=$8, owner_id=$9, assignees=$10, updated_at=$11 WHERE id=$1`,
		t.ID, t.Title, t.Description, t.Category, t.Status, t.Value, t.Currency,
		deadline, t.OwnerID, string(assignees), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update tender %s: %w", t.ID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) CountTenders(ctx context.Context, tenantID string) (int, error) {
	var n int
	var err error
	if tenantID == "" {
		err = p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tenders`).Scan(&n)
	} else {
		err = p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tenders WHERE tenant_id=$1`, tenantID).Scan(&n)
	}
	return n, err
}

func (p *PostgresStore) SaveValidation(ctx context.Context, v ValidationRecord) error {
	if v.CheckedAt.IsZero() {
		v.CheckedAt = time.Now().UTC()
	}
	issues, err := json.Marshal(v.Issues)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO validations (tender_id, score, issues, checked_at) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (tender_id) DO UPDATE SET score=EXCLUDED.score, issues=EXCLUDED.issues, checked_at=EXCLUDED.checked_at`,
		v.TenderID, v.Score, string(issues), v.CheckedAt)
	if err != nil {
		return fmt.Errorf("save validation for %s: %w", v.TenderID, err)
	}
	return nil
}

func (p *PostgresStore) GetValidation(ctx context.Context, tenderID string) (ValidationRecord, error) {
	var v ValidationRecord
	var issues []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT tender_id, score, issues, checked_at FROM validations WHERE tender_id=$1`, tenderID).
		Scan(&v.TenderID, &v.Score, &issues, &v.CheckedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ValidationRecord{}, ErrNotFound
	}
	if err != nil {
		return ValidationRecord{}, err
	}
	if len(issues) > 0 {
		_ = json.Unmarshal(issues, &v.Issues)
	}
	return v, nil
}

func (p *PostgresStore) CreateRunLog(ctx context.Context, rl ScrapingRunLog) error {
	if rl.StartedAt.IsZero() {
		rl.StartedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO scraping_run_logs (id, tenant_id, portal, status, pages_processed, tenders_found,
			tenders_imported, tenders_updated, tenders_skipped, error_message, artifact_uri, started_at, completed_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		rl.ID, rl.TenantID, rl.Portal, rl.Status, rl.PagesProcessed, rl.TendersFound,
		rl.TendersImported, rl.TendersUpdated, rl.TendersSkipped, rl.ErrorMessage, rl.ArtifactURI,
		rl.StartedAt, rl.CompletedAt)
	if err != nil {
		return fmt.Errorf("create run log %s: %w", rl.ID, err)
	}
	return nil
}

func (p *PostgresStore) UpdateRunLog(ctx context.Context, rl ScrapingRunLog) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE scraping_run_logs SET status=$2, pages_processed=$3, tenders_found=$4, tenders_imported=$5,
			tenders_updated=$6, tenders_skipped=$7, error_message=$8, artifact_uri=$9, completed_at=$10 WHERE id=$1`,
		rl.ID, rl.Status, rl.PagesProcessed, rl.TendersFound, rl.TendersImported,
		rl.TendersUpdated, rl.TendersSkipped, rl.ErrorMessage, rl.ArtifactURI, rl.CompletedAt)
	if err != nil {
		return fmt.Errorf("update run log %s: %w", rl.ID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) GetRunLog(ctx context.Context, id string) (ScrapingRunLog, error) {
	var rl ScrapingRunLog
	var completed sql.NullTime
	err := p.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, portal, status, pages_processed, tenders_found, tenders_imported,
			tenders_updated, tenders_skipped, error_message, artifact_uri, started_at, completed_at
		 FROM scraping_run_logs WHERE id=$1`, id).
		Scan(&rl.ID, &rl.TenantID, &rl.Portal, &rl.Status, &rl.PagesProcessed, &rl.TendersFound,
			&rl.TendersImported, &rl.TendersUpdated, &rl.TendersSkipped, &rl.ErrorMessage,
			&rl.ArtifactURI, &rl.StartedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return ScrapingRunLog{}, ErrNotFound
	}
	if err != nil {
		return ScrapingRunLog{}, err
	}
	if completed.Valid {
		t := completed.Time
		rl.CompletedAt = &t
	}
	return rl, nil
}

func (p *PostgresStore) ListRunLogs(ctx context.Context, limit int) ([]ScrapingRunLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, tenant_id, portal, status, pages_processed, tenders_found, tenders_imported,
			tenders_updated, tenders_skipped, error_message, artifact_uri, started_at, completed_at
		 FROM scraping_run_logs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]ScrapingRunLog, 0, limit)
	for rows.Next() {
		var rl ScrapingRunLog
		var completed sql.NullTime
		if err := rows.Scan(&rl.ID, &rl.TenantID, &rl.Portal, &rl.Status, &rl.PagesProcessed,
			&rl.TendersFound, &rl.TendersImported, &rl.TendersUpdated, &rl.TendersSkipped,
			&rl.ErrorMessage, &rl.ArtifactURI, &rl.StartedAt, &completed); err != nil {
			return nil, err
		}
		if completed.Valid {
			t := completed.Time
			rl.CompletedAt = &t
		}
		out = append(out, rl)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DeleteRunLogsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM scraping_run_logs WHERE started_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete run logs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *PostgresStore) AppendAudit(ctx context.Context, event AuditEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO audit_events (action, actor, resource, details, created_at) VALUES ($1,$2,$3,$4,$5)`,
		event.Action, event.Actor, event.Resource, event.Details, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListAudit(ctx context.Context, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, action, actor, resource, details, created_at FROM audit_events ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]AuditEvent, 0, limit)
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.ID, &e.Action, &e.Actor, &e.Resource, &e.Details, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}
