// Package ruledb is the Rule Store (spec component 4.A): persisted tenant
// policy bundles, filter rules, allow/block lists, and the append-only
// decision log. Grounded on internal/storage.SQLiteStore's schema/migration
// idiom, adapted from session-history rows to policy rows.
package ruledb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"promptgate/internal/domain"
	"promptgate/internal/gatewayerr"
)

// Store is the SQLite-backed Rule Store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the rule database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open rule database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate rule database: %w", err)
	}

	slog.Info("rule store initialized", "path", path)
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS policy_bundles (
		id TEXT PRIMARY KEY,
		tenant TEXT NOT NULL,
		name TEXT NOT NULL,
		version INTEGER NOT NULL,
		channel TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_bundles_tenant_channel ON policy_bundles(tenant, channel);
	CREATE INDEX IF NOT EXISTS idx_bundles_active ON policy_bundles(tenant, channel, status);

	CREATE TABLE IF NOT EXISTS filter_rules (
		id TEXT PRIMARY KEY,
		bundle_id TEXT NOT NULL REFERENCES policy_bundles(id),
		type TEXT NOT NULL,
		pattern TEXT NOT NULL,
		threshold REAL,
		action TEXT NOT NULL,
		context TEXT,
		enabled INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_rules_bundle ON filter_rules(bundle_id);

	CREATE TABLE IF NOT EXISTS allowlists (
		id TEXT PRIMARY KEY,
		bundle_id TEXT NOT NULL REFERENCES policy_bundles(id),
		kind TEXT NOT NULL,
		value TEXT NOT NULL,
		scope TEXT,
		expire_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_allowlist_bundle ON allowlists(bundle_id);

	CREATE TABLE IF NOT EXISTS blocklists (
		id TEXT PRIMARY KEY,
		bundle_id TEXT NOT NULL REFERENCES policy_bundles(id),
		kind TEXT NOT NULL,
		value TEXT NOT NULL,
		scope TEXT,
		expire_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_blocklist_bundle ON blocklists(bundle_id);

	CREATE TABLE IF NOT EXISTS decision_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant TEXT NOT NULL,
		user_id TEXT,
		session_id TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		route TEXT NOT NULL,
		input_digest TEXT NOT NULL,
		input_length INTEGER NOT NULL,
		decision TEXT NOT NULL,
		reasons TEXT,
		bundle_name TEXT,
		bundle_version INTEGER,
		channel TEXT NOT NULL,
		latency_ms INTEGER NOT NULL,
		findings_summary TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_tenant_time ON decision_logs(tenant, timestamp);
	CREATE INDEX IF NOT EXISTS idx_decisions_decision ON decision_logs(decision);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateBundle inserts a new draft bundle.
func (s *Store) CreateBundle(ctx context.Context, tenant, name string, version int, channel domain.Channel) (*domain.PolicyBundle, error) {
	b := &domain.PolicyBundle{
		ID:        uuid.New().String(),
		Tenant:    tenant,
		Name:      name,
		Version:   version,
		Channel:   channel,
		Status:    domain.BundleDraft,
		CreatedAt: time.Now(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policy_bundles (id, tenant, name, version, channel, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Tenant, b.Name, b.Version, string(b.Channel), string(b.Status), b.CreatedAt,
	)
	if err != nil {
		return nil, gatewayerr.Internal(err, "create bundle")
	}
	return b, nil
}

// GetActiveBundle returns the single active bundle for (tenant, channel), or
// nil if none is active.
func (s *Store) GetActiveBundle(ctx context.Context, tenant string, channel domain.Channel) (*domain.PolicyBundle, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant, name, version, channel, status, created_at
		FROM policy_bundles WHERE tenant = ? AND channel = ? AND status = 'active'
		ORDER BY version DESC LIMIT 1`, tenant, string(channel))

	var b domain.PolicyBundle
	var ch, st string
	err := row.Scan(&b.ID, &b.Tenant, &b.Name, &b.Version, &ch, &st, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, gatewayerr.Internal(err, "get active bundle")
	}
	b.Channel, b.Status = domain.Channel(ch), domain.BundleStatus(st)
	return &b, nil
}

// GetBundle fetches a bundle by ID regardless of status.
func (s *Store) GetBundle(ctx context.Context, id string) (*domain.PolicyBundle, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant, name, version, channel, status, created_at
		FROM policy_bundles WHERE id = ?`, id)

	var b domain.PolicyBundle
	var ch, st string
	err := row.Scan(&b.ID, &b.Tenant, &b.Name, &b.Version, &ch, &st, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, gatewayerr.NotFound("bundle %q not found", id)
	}
	if err != nil {
		return nil, gatewayerr.Internal(err, "get bundle")
	}
	b.Channel, b.Status = domain.Channel(ch), domain.BundleStatus(st)
	return &b, nil
}

// ActivateBundle atomically retires any prior active bundle for
// (tenant, channel) and activates bundleID. Serializable per (tenant,
// channel): a concurrent activation loses and receives gatewayerr.Conflict.
func (s *Store) ActivateBundle(ctx context.Context, tenant string, channel domain.Channel, bundleID string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return gatewayerr.Internal(err, "begin activation tx")
	}
	defer tx.Rollback()

	var targetTenant, targetChannel, targetStatus string
	err = tx.QueryRowContext(ctx, `SELECT tenant, channel, status FROM policy_bundles WHERE id = ?`, bundleID).
		Scan(&targetTenant, &targetChannel, &targetStatus)
	if err == sql.ErrNoRows {
		return gatewayerr.NotFound("bundle %q not found", bundleID)
	}
	if err != nil {
		return gatewayerr.Internal(err, "lookup target bundle")
	}
	if targetTenant != tenant || targetChannel != string(channel) {
		return gatewayerr.InvalidInput("bundle %q does not belong to tenant %q channel %q", bundleID, tenant, channel)
	}
	if targetStatus == string(domain.BundleActive) {
		return gatewayerr.Conflict("bundle %q is already active", bundleID)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE policy_bundles SET status = 'retired'
		WHERE tenant = ? AND channel = ? AND status = 'active'`, tenant, string(channel)); err != nil {
		return gatewayerr.Internal(err, "retire prior active bundle")
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE policy_bundles SET status = 'active' WHERE id = ? AND status = 'draft'`, bundleID)
	if err != nil {
		return gatewayerr.Internal(err, "activate bundle")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return gatewayerr.Conflict("bundle %q is not in draft status", bundleID)
	}

	if err := tx.Commit(); err != nil {
		return gatewayerr.Conflict("concurrent activation for tenant %q channel %q: %v", tenant, channel, err)
	}
	return nil
}

// UpsertRule inserts or replaces a FilterRule. Fails with Conflict if the
// owning bundle is active (rules only mutate inside a draft bundle).
func (s *Store) UpsertRule(ctx context.Context, r domain.FilterRule) error {
	bundle, err := s.GetBundle(ctx, r.Bundle)
	if err != nil {
		return err
	}
	if bundle.Status == domain.BundleActive {
		return gatewayerr.Conflict("bundle %q is active; editing requires a new draft version", r.Bundle)
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO filter_rules (id, bundle_id, type, pattern, threshold, action, context, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type=excluded.type, pattern=excluded.pattern, threshold=excluded.threshold,
			action=excluded.action, context=excluded.context, enabled=excluded.enabled`,
		r.ID, r.Bundle, string(r.Type), r.Pattern, r.Threshold, r.Action.String(), r.Context, r.Enabled,
	)
	if err != nil {
		return gatewayerr.Internal(err, "upsert rule")
	}
	return nil
}

// ListRules returns every rule in a bundle.
func (s *Store) ListRules(ctx context.Context, bundleID string) ([]domain.FilterRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bundle_id, type, pattern, threshold, action, context, enabled
		FROM filter_rules WHERE bundle_id = ?`, bundleID)
	if err != nil {
		return nil, gatewayerr.Internal(err, "list rules")
	}
	defer rows.Close()

	var rules []domain.FilterRule
	for rows.Next() {
		var r domain.FilterRule
		var typ, action string
		var threshold sql.NullFloat64
		var context sql.NullString
		var enabled bool
		if err := rows.Scan(&r.ID, &r.Bundle, &typ, &r.Pattern, &threshold, &action, &context, &enabled); err != nil {
			return nil, gatewayerr.Internal(err, "scan rule")
		}
		r.Type = domain.RuleType(typ)
		r.Action = domain.ParseAction(action)
		r.Enabled = enabled
		if threshold.Valid {
			r.Threshold = &threshold.Float64
		}
		r.Context = context.String
		rules = append(rules, r)
	}
	return rules, nil
}

func (s *Store) upsertListEntry(ctx context.Context, table string, e domain.ListEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, bundle_id, kind, value, scope, expire_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET kind=excluded.kind, value=excluded.value, scope=excluded.scope, expire_at=excluded.expire_at`, table),
		e.ID, e.Bundle, string(e.Kind), e.Value, e.Scope, e.ExpireAt,
	)
	if err != nil {
		return gatewayerr.Internal(err, "upsert %s entry", table)
	}
	return nil
}

func (s *Store) listEntries(ctx context.Context, table, bundleID string) ([]domain.ListEntry, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, bundle_id, kind, value, scope, expire_at FROM %s WHERE bundle_id = ?`, table), bundleID)
	if err != nil {
		return nil, gatewayerr.Internal(err, "list %s", table)
	}
	defer rows.Close()

	var entries []domain.ListEntry
	for rows.Next() {
		var e domain.ListEntry
		var kind string
		var scope sql.NullString
		var expireAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.Bundle, &kind, &e.Value, &scope, &expireAt); err != nil {
			return nil, gatewayerr.Internal(err, "scan %s entry", table)
		}
		e.Kind = domain.ListKind(kind)
		e.Scope = scope.String
		if expireAt.Valid {
			e.ExpireAt = &expireAt.Time
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *Store) UpsertAllowlistEntry(ctx context.Context, e domain.ListEntry) error {
	return s.upsertListEntry(ctx, "allowlists", e)
}

func (s *Store) UpsertBlocklistEntry(ctx context.Context, e domain.ListEntry) error {
	return s.upsertListEntry(ctx, "blocklists", e)
}

func (s *Store) ListAllowlist(ctx context.Context, bundleID string) ([]domain.ListEntry, error) {
	return s.listEntries(ctx, "allowlists", bundleID)
}

func (s *Store) ListBlocklist(ctx context.Context, bundleID string) ([]domain.ListEntry, error) {
	return s.listEntries(ctx, "blocklists", bundleID)
}

// AppendDecision persists a DecisionRecord. Append-only: no update/delete
// path is exposed.
func (s *Store) AppendDecision(ctx context.Context, d domain.DecisionRecord) error {
	reasonsJSON, err := json.Marshal(d.Reasons)
	if err != nil {
		return gatewayerr.Internal(err, "marshal reasons")
	}
	summaryJSON, err := json.Marshal(d.FindingsSummary)
	if err != nil {
		return gatewayerr.Internal(err, "marshal findings summary")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decision_logs
			(tenant, user_id, session_id, timestamp, route, input_digest, input_length,
			 decision, reasons, bundle_name, bundle_version, channel, latency_ms, findings_summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Tenant, d.UserID, d.SessionID, d.Timestamp, d.Route, d.InputDigest, d.InputLength,
		d.Decision.String(), string(reasonsJSON), d.BundleName, d.BundleVersion, string(d.Channel),
		d.LatencyMs, string(summaryJSON),
	)
	if err != nil {
		return gatewayerr.Internal(err, "append decision")
	}
	return nil
}

// QueryDecisionsOptions filters a decision-log scan.
type QueryDecisionsOptions struct {
	Tenant   string
	Decision string
	Since    *time.Time
	Limit    int
}

// QueryDecisions lists decision records with filtering, newest first.
func (s *Store) QueryDecisions(ctx context.Context, opts QueryDecisionsOptions) ([]domain.DecisionRecord, error) {
	query := `SELECT id, tenant, user_id, session_id, timestamp, route, input_digest, input_length,
		decision, reasons, bundle_name, bundle_version, channel, latency_ms, findings_summary
		FROM decision_logs WHERE 1=1`
	var args []any
	if opts.Tenant != "" {
		query += " AND tenant = ?"
		args = append(args, opts.Tenant)
	}
	if opts.Decision != "" {
		query += " AND decision = ?"
		args = append(args, opts.Decision)
	}
	if opts.Since != nil {
		query += " AND timestamp >= ?"
		args = append(args, *opts.Since)
	}
	query += " ORDER BY timestamp DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, gatewayerr.Internal(err, "query decisions")
	}
	defer rows.Close()

	var out []domain.DecisionRecord
	for rows.Next() {
		var d domain.DecisionRecord
		var userID, bundleName sql.NullString
		var bundleVersion sql.NullInt64
		var decision, channel, reasonsJSON, summaryJSON string
		if err := rows.Scan(&d.ID, &d.Tenant, &userID, &d.SessionID, &d.Timestamp, &d.Route,
			&d.InputDigest, &d.InputLength, &decision, &reasonsJSON, &bundleName, &bundleVersion,
			&channel, &d.LatencyMs, &summaryJSON); err != nil {
			return nil, gatewayerr.Internal(err, "scan decision")
		}
		d.UserID = userID.String
		d.BundleName = bundleName.String
		d.BundleVersion = int(bundleVersion.Int64)
		d.Decision = domain.ParseAction(decision)
		d.Channel = domain.Channel(channel)
		json.Unmarshal([]byte(reasonsJSON), &d.Reasons)
		json.Unmarshal([]byte(summaryJSON), &d.FindingsSummary)
		out = append(out, d)
	}
	return out, nil
}

// DecisionStats is an aggregate rolling-window view over decision_logs.
type DecisionStats struct {
	Total      int64            `json:"total"`
	ByDecision map[string]int64 `json:"by_decision"`
	Since      time.Time        `json:"since"`
}

// Stats computes decision counts since the given time.
func (s *Store) Stats(ctx context.Context, since time.Time) (*DecisionStats, error) {
	stats := &DecisionStats{ByDecision: make(map[string]int64), Since: since}

	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM decision_logs WHERE timestamp >= ?`, since)
	if err := row.Scan(&stats.Total); err != nil {
		return nil, gatewayerr.Internal(err, "count decisions")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT decision, COUNT(*) FROM decision_logs WHERE timestamp >= ? GROUP BY decision`, since)
	if err != nil {
		return nil, gatewayerr.Internal(err, "group decisions")
	}
	defer rows.Close()
	for rows.Next() {
		var decision string
		var count int64
		if err := rows.Scan(&decision, &count); err != nil {
			return nil, gatewayerr.Internal(err, "scan decision group")
		}
		stats.ByDecision[decision] = count
	}
	return stats, nil
}
