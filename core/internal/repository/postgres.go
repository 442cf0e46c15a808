package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/faultline-systems/faultline/common/database"
	"github.com/faultline-systems/faultline/core/internal/model"
)

const pgUniqueViolation = "23505"

// PoolConfig tunes the connection pool. Zero values keep the defaults.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
	Timeouts database.Timeouts
}

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	pool     *pgxpool.Pool
	timeouts database.Timeouts
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(ctx context.Context, connString string, pc PoolConfig) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 5
	if pc.MaxConns > 0 {
		config.MaxConns = pc.MaxConns
	}
	if pc.MinConns > 0 {
		config.MinConns = pc.MinConns
	}
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool, timeouts: pc.Timeouts}, nil
}

// Ping checks database connectivity.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close releases the pool.
func (r *PostgresRepository) Close() {
	r.pool.Close()
}

const rawErrorColumns = `
	id, project_id, service, environment, level, message,
	exception_type, exception_value, exception_module, stack_trace,
	tags, extra,
	user_id, user_username, user_email, user_ip,
	request_method, request_url, request_headers, request_data,
	release, timestamp, received_at, processed,
	is_duplicate, duplicate_of,
	fingerprint, grouping_key, title, culprit,
	group_id, grouped_at`

// CreateRawError inserts a new raw error row.
func (r *PostgresRepository) CreateRawError(ctx context.Context, e *model.RawEvent) error {
	ctx, cancel := r.timeouts.WriteContext(ctx)
	defer cancel()

	query := `
		INSERT INTO raw_errors (
			id, project_id, service, environment, level, message,
			exception_type, exception_value, exception_module, stack_trace,
			tags, extra,
			user_id, user_username, user_email, user_ip,
			request_method, request_url, request_headers, request_data,
			release, timestamp, received_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12,
			$13, $14, $15, $16,
			$17, $18, $19, $20,
			$21, $22, $23
		)
	`

	var excType, excValue, excModule *string
	if e.Exception != nil {
		excType = &e.Exception.Type
		excValue = nullString(e.Exception.Value)
		excModule = nullString(e.Exception.Module)
	}

	var userID, username, email, ip *string
	if e.User != nil {
		userID = nullString(e.User.ID)
		username = nullString(e.User.Username)
		email = nullString(e.User.Email)
		ip = nullString(e.User.IPAddress)
	}

	var method, url *string
	var headers map[string]string
	var data map[string]any
	if e.Request != nil {
		method = nullString(e.Request.Method)
		url = nullString(e.Request.URL)
		headers = e.Request.Headers
		data = e.Request.Data
	}

	_, err := r.pool.Exec(ctx, query,
		e.ID, e.ProjectID, e.Service, e.Environment, e.Level, e.Message,
		excType, excValue, excModule, nullString(e.StackTrace),
		e.Tags, e.Extra,
		userID, username, email, ip,
		method, url, headers, data,
		nullString(e.Release), e.Timestamp, e.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create raw error: %w", err)
	}
	return nil
}

// GetRawError retrieves a raw error by ID.
func (r *PostgresRepository) GetRawError(ctx context.Context, id string) (*model.RawEvent, error) {
	ctx, cancel := r.timeouts.QueryContext(ctx)
	defer cancel()

	query := `SELECT ` + rawErrorColumns + ` FROM raw_errors WHERE id = $1`

	e, err := scanRawEvent(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRawErrorNotFound
		}
		return nil, fmt.Errorf("failed to get raw error: %w", err)
	}
	return e, nil
}

// SetDerived stores fingerprint stage output on the raw row.
func (r *PostgresRepository) SetDerived(ctx context.Context, id string, d model.Derived) error {
	ctx, cancel := r.timeouts.WriteContext(ctx)
	defer cancel()

	query := `
		UPDATE raw_errors
		SET fingerprint = $2, grouping_key = $3, title = $4, culprit = $5
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query, id, d.Fingerprint, d.GroupingKey, d.Title, d.Culprit)
	if err != nil {
		return fmt.Errorf("failed to store fingerprint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRawErrorNotFound
	}
	return nil
}

// MarkProcessed flags the raw error as fully processed.
func (r *PostgresRepository) MarkProcessed(ctx context.Context, id string) error {
	ctx, cancel := r.timeouts.WriteContext(ctx)
	defer cancel()

	tag, err := r.pool.Exec(ctx, `UPDATE raw_errors SET processed = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark raw error processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRawErrorNotFound
	}
	return nil
}

// ListRawErrors returns the most recent raw errors of a group.
func (r *PostgresRepository) ListRawErrors(ctx context.Context, projectID, fingerprint string, limit int) ([]*model.RawEvent, error) {
	query := `SELECT ` + rawErrorColumns + `
		FROM raw_errors
		WHERE project_id = $1 AND fingerprint = $2
		ORDER BY timestamp DESC, id DESC
		LIMIT $3`
	return r.queryRawEvents(ctx, query, projectID, fingerprint, clampLimit(limit))
}

// ListUnprocessed returns stuck raw errors, oldest first.
func (r *PostgresRepository) ListUnprocessed(ctx context.Context, olderThan time.Time, limit int) ([]*model.RawEvent, error) {
	query := `SELECT ` + rawErrorColumns + `
		FROM raw_errors
		WHERE processed = FALSE AND received_at < $1
		ORDER BY received_at ASC
		LIMIT $2`
	return r.queryRawEvents(ctx, query, olderThan, clampLimit(limit))
}

// ListForDedup returns the dedup scan set ordered by (timestamp, id).
func (r *PostgresRepository) ListForDedup(ctx context.Context, projectID, groupingKey string, since time.Time) ([]*model.RawEvent, error) {
	query := `SELECT ` + rawErrorColumns + `
		FROM raw_errors
		WHERE project_id = $1 AND grouping_key = $2 AND timestamp >= $3
		ORDER BY timestamp ASC, id ASC`
	return r.queryRawEvents(ctx, query, projectID, groupingKey, since)
}

// MarkDuplicate is a conditional single-row update; existing markings never change.
func (r *PostgresRepository) MarkDuplicate(ctx context.Context, id, primaryID string) (bool, error) {
	ctx, cancel := r.timeouts.WriteContext(ctx)
	defer cancel()

	query := `
		UPDATE raw_errors
		SET is_duplicate = TRUE, duplicate_of = $2
		WHERE id = $1 AND duplicate_of IS NULL AND id <> $2
	`
	tag, err := r.pool.Exec(ctx, query, id, primaryID)
	if err != nil {
		return false, fmt.Errorf("failed to mark duplicate: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) queryRawEvents(ctx context.Context, query string, args ...any) ([]*model.RawEvent, error) {
	ctx, cancel := r.timeouts.BulkContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query raw errors: %w", err)
	}
	defer rows.Close()

	var events []*model.RawEvent
	for rows.Next() {
		e, err := scanRawEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan raw error: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate raw errors: %w", err)
	}
	return events, nil
}

const groupColumns = `
	id, project_id, fingerprint, grouping_key, service, environment,
	title, culprit, level, status, health, frequency,
	first_seen, last_seen, occurrences, users_affected, example_message,
	created_at, updated_at`

// UpsertGroup counts event into its group in a single transaction:
//  1. claim the raw row (grouped_at IS NULL guard) so replays do not recount
//  2. INSERT ... ON CONFLICT DO UPDATE the group counters
//  3. record the user in error_group_users and bump users_affected on first sight
//  4. link the raw row to the group
func (r *PostgresRepository) UpsertGroup(ctx context.Context, projectID string, d model.Derived, e *model.RawEvent) (*model.Group, bool, error) {
	ctx, cancel := r.timeouts.WriteContext(ctx)
	defer cancel()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE raw_errors SET grouped_at = NOW() WHERE id = $1 AND grouped_at IS NULL`, e.ID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim raw error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		g, err := r.groupForGroupedRaw(ctx, tx, projectID, d.Fingerprint, e.ID)
		if err != nil {
			return nil, false, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return g, false, nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, false, fmt.Errorf("failed to generate group id: %w", err)
	}

	upsert := `
		INSERT INTO error_groups (
			id, project_id, fingerprint, grouping_key, service, environment,
			title, culprit, level, status,
			first_seen, last_seen, occurrences, users_affected, example_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'unresolved', $10, $10, 1, 0, $11)
		ON CONFLICT (project_id, fingerprint) DO UPDATE SET
			occurrences = error_groups.occurrences + 1,
			last_seen   = GREATEST(error_groups.last_seen, EXCLUDED.last_seen),
			first_seen  = LEAST(error_groups.first_seen, EXCLUDED.first_seen),
			updated_at  = NOW()
		RETURNING ` + groupColumns + `, (xmax = 0) AS inserted`

	g, created, err := scanGroupInserted(tx.QueryRow(ctx, upsert,
		id.String(), projectID, d.Fingerprint, d.GroupingKey, e.Service, e.Environment,
		d.Title, d.Culprit, e.Level, e.Timestamp, e.Message,
	))
	if err != nil {
		return nil, false, classifyWriteErr("failed to upsert group", err)
	}

	if userID := e.UserID(); userID != "" {
		tag, err := tx.Exec(ctx,
			`INSERT INTO error_group_users (group_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			g.ID, userID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to record affected user: %w", err)
		}
		if tag.RowsAffected() == 1 {
			err := tx.QueryRow(ctx,
				`UPDATE error_groups SET users_affected = users_affected + 1 WHERE id = $1 RETURNING users_affected`,
				g.ID).Scan(&g.UsersAffected)
			if err != nil {
				return nil, false, fmt.Errorf("failed to count affected user: %w", err)
			}
		}
	}

	if _, err := tx.Exec(ctx, `UPDATE raw_errors SET group_id = $2 WHERE id = $1`, e.ID, g.ID); err != nil {
		return nil, false, fmt.Errorf("failed to link raw error: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, classifyWriteErr("failed to commit group upsert", err)
	}

	return g, created, nil
}

// groupForGroupedRaw resolves the group of a raw error that was already grouped.
func (r *PostgresRepository) groupForGroupedRaw(ctx context.Context, tx pgx.Tx, projectID, fingerprint, rawID string) (*model.Group, error) {
	var groupID *string
	err := tx.QueryRow(ctx, `SELECT group_id FROM raw_errors WHERE id = $1`, rawID).Scan(&groupID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRawErrorNotFound
		}
		return nil, fmt.Errorf("failed to load raw error: %w", err)
	}

	var row pgx.Row
	if groupID != nil {
		row = tx.QueryRow(ctx, `SELECT `+groupColumns+` FROM error_groups WHERE id = $1`, *groupID)
	} else {
		row = tx.QueryRow(ctx, `SELECT `+groupColumns+` FROM error_groups WHERE project_id = $1 AND fingerprint = $2`, projectID, fingerprint)
	}

	g, err := scanGroup(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: raw error %s is grouped but its group is missing", ErrConsistency, rawID)
		}
		return nil, fmt.Errorf("failed to load group: %w", err)
	}
	return g, nil
}

// GetGroup retrieves a group by fingerprint.
func (r *PostgresRepository) GetGroup(ctx context.Context, projectID, fingerprint string) (*model.Group, error) {
	ctx, cancel := r.timeouts.QueryContext(ctx)
	defer cancel()

	query := `SELECT ` + groupColumns + ` FROM error_groups WHERE project_id = $1 AND fingerprint = $2`

	g, err := scanGroup(r.pool.QueryRow(ctx, query, projectID, fingerprint))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGroupNotFound
		}
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	return g, nil
}

func buildGroupWhere(projectID string, f model.GroupFilter) (string, []any) {
	clauses := []string{"project_id = $1"}
	args := []any{projectID}

	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if f.Service != "" {
		add("service = $%d", f.Service)
	}
	if f.Environment != "" {
		add("environment = $%d", f.Environment)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if !f.Since.IsZero() {
		add("last_seen >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("last_seen <= $%d", f.Until)
	}

	return "WHERE " + strings.Join(clauses, " AND "), args
}

// ListGroups returns groups ordered by most recently seen.
func (r *PostgresRepository) ListGroups(ctx context.Context, projectID string, filter model.GroupFilter) ([]*model.Group, error) {
	ctx, cancel := r.timeouts.QueryContext(ctx)
	defer cancel()

	where, args := buildGroupWhere(projectID, filter)
	args = append(args, clampLimit(filter.Limit))
	query := fmt.Sprintf(`SELECT %s FROM error_groups %s ORDER BY last_seen DESC, id DESC LIMIT $%d`,
		groupColumns, where, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	var groups []*model.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate groups: %w", err)
	}
	return groups, nil
}

// CountGroups returns per-status totals for the filter.
func (r *PostgresRepository) CountGroups(ctx context.Context, projectID string, filter model.GroupFilter) (model.GroupCounts, error) {
	ctx, cancel := r.timeouts.QueryContext(ctx)
	defer cancel()

	where, args := buildGroupWhere(projectID, filter)
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'unresolved'),
			COUNT(*) FILTER (WHERE status = 'resolved'),
			COUNT(*) FILTER (WHERE status = 'ignored')
		FROM error_groups ` + where

	var c model.GroupCounts
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&c.Total, &c.Unresolved, &c.Resolved, &c.Ignored); err != nil {
		return model.GroupCounts{}, fmt.Errorf("failed to count groups: %w", err)
	}
	return c, nil
}

// UpdateStatus sets the lifecycle status of a group.
func (r *PostgresRepository) UpdateStatus(ctx context.Context, projectID, fingerprint string, status model.GroupStatus) (*model.Group, error) {
	ctx, cancel := r.timeouts.WriteContext(ctx)
	defer cancel()

	query := `
		UPDATE error_groups SET status = $3, updated_at = NOW()
		WHERE project_id = $1 AND fingerprint = $2
		RETURNING ` + groupColumns

	g, err := scanGroup(r.pool.QueryRow(ctx, query, projectID, fingerprint, string(status)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGroupNotFound
		}
		return nil, fmt.Errorf("failed to update group status: %w", err)
	}
	return g, nil
}

// GroupEventStats aggregates the grouped raw errors of a fingerprint.
func (r *PostgresRepository) GroupEventStats(ctx context.Context, projectID, fingerprint string, recentSince time.Time) (EventStats, error) {
	ctx, cancel := r.timeouts.QueryContext(ctx)
	defer cancel()

	query := `
		SELECT
			COUNT(*),
			COUNT(DISTINCT user_id),
			MIN(timestamp),
			MAX(timestamp),
			COUNT(*) FILTER (WHERE timestamp >= $3)
		FROM raw_errors
		WHERE project_id = $1 AND fingerprint = $2 AND grouped_at IS NOT NULL
	`

	var s EventStats
	var first, last *time.Time
	err := r.pool.QueryRow(ctx, query, projectID, fingerprint, recentSince).
		Scan(&s.Occurrences, &s.UsersAffected, &first, &last, &s.Recent)
	if err != nil {
		return EventStats{}, fmt.Errorf("failed to aggregate group events: %w", err)
	}
	if first != nil {
		s.FirstSeen = first.UTC()
	}
	if last != nil {
		s.LastSeen = last.UTC()
	}
	return s, nil
}

// ApplyStats writes the recomputed columns with one single-row update.
// Counters and the seen range only grow, so a recomputation that read its
// aggregate before a concurrent upsert cannot move them backwards.
func (r *PostgresRepository) ApplyStats(ctx context.Context, projectID, fingerprint string, u StatsUpdate) (bool, error) {
	ctx, cancel := r.timeouts.WriteContext(ctx)
	defer cancel()

	// SET expressions see the row as locked by this statement, so an upsert
	// that committed after the observation falls through to the monotonic
	// branch. A NULL $9 never matches.
	query := `
		UPDATE error_groups SET
			occurrences    = CASE WHEN updated_at = $9 AND occurrences = $10 THEN $3 ELSE GREATEST(occurrences, $3) END,
			users_affected = CASE WHEN updated_at = $9 AND occurrences = $10 THEN $4 ELSE GREATEST(users_affected, $4) END,
			first_seen     = CASE WHEN updated_at = $9 AND occurrences = $10 THEN $5 ELSE LEAST(first_seen, $5) END,
			last_seen      = CASE WHEN updated_at = $9 AND occurrences = $10 THEN $6 ELSE GREATEST(last_seen, $6) END,
			frequency      = $7,
			health         = $8,
			updated_at     = NOW()
		WHERE project_id = $1 AND fingerprint = $2
	`
	var observedAt *time.Time
	if !u.ObservedUpdatedAt.IsZero() {
		observedAt = &u.ObservedUpdatedAt
	}
	tag, err := r.pool.Exec(ctx, query, projectID, fingerprint,
		u.Occurrences, u.UsersAffected, u.FirstSeen, u.LastSeen, u.Frequency, string(u.Health),
		observedAt, u.ObservedOccurrences)
	if err != nil {
		return false, fmt.Errorf("failed to apply group stats: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListActiveGroups returns groups seen since the given time, most recent first.
func (r *PostgresRepository) ListActiveGroups(ctx context.Context, since time.Time, limit int) ([]GroupRef, error) {
	ctx, cancel := r.timeouts.BulkContext(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 10000
	}
	rows, err := r.pool.Query(ctx,
		`SELECT project_id, fingerprint FROM error_groups WHERE last_seen >= $1 ORDER BY last_seen DESC LIMIT $2`,
		since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list active groups: %w", err)
	}
	defer rows.Close()

	var refs []GroupRef
	for rows.Next() {
		var ref GroupRef
		if err := rows.Scan(&ref.ProjectID, &ref.Fingerprint); err != nil {
			return nil, fmt.Errorf("failed to scan group ref: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func classifyWriteErr(msg string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s: %s", ErrConsistency, msg, pgErr.Message)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func scanRawEvent(row pgx.Row) (*model.RawEvent, error) {
	var (
		e                            model.RawEvent
		excType, excValue, excModule *string
		stack, release               *string
		userID, username, email, ip  *string
		method, url                  *string
		headers                      map[string]string
		data                         map[string]any
		fingerprint, groupingKey     *string
		title, culprit               *string
	)

	err := row.Scan(
		&e.ID, &e.ProjectID, &e.Service, &e.Environment, &e.Level, &e.Message,
		&excType, &excValue, &excModule, &stack,
		&e.Tags, &e.Extra,
		&userID, &username, &email, &ip,
		&method, &url, &headers, &data,
		&release, &e.Timestamp, &e.ReceivedAt, &e.Processed,
		&e.IsDuplicate, &e.DuplicateOf,
		&fingerprint, &groupingKey, &title, &culprit,
		&e.GroupID, &e.GroupedAt,
	)
	if err != nil {
		return nil, err
	}

	if excType != nil {
		e.Exception = &model.ExceptionInfo{Type: *excType, Value: deref(excValue), Module: deref(excModule)}
	}
	if userID != nil || username != nil || email != nil || ip != nil {
		e.User = &model.UserContext{ID: deref(userID), Username: deref(username), Email: deref(email), IPAddress: deref(ip)}
	}
	if method != nil || url != nil || headers != nil || data != nil {
		e.Request = &model.RequestContext{Method: deref(method), URL: deref(url), Headers: headers, Data: data}
	}
	e.StackTrace = deref(stack)
	e.Release = deref(release)
	e.Fingerprint = deref(fingerprint)
	e.GroupingKey = deref(groupingKey)
	e.Title = deref(title)
	e.Culprit = deref(culprit)
	e.Timestamp = e.Timestamp.UTC()
	e.ReceivedAt = e.ReceivedAt.UTC()

	return &e, nil
}

func scanGroupInto(row pgx.Row, extra ...any) (*model.Group, error) {
	var (
		g       model.Group
		culprit *string
		status  string
		health  *string
	)

	dest := []any{
		&g.ID, &g.ProjectID, &g.Fingerprint, &g.GroupingKey, &g.Service, &g.Environment,
		&g.Title, &culprit, &g.Level, &status, &health, &g.Frequency,
		&g.FirstSeen, &g.LastSeen, &g.Occurrences, &g.UsersAffected, &g.ExampleMessage,
		&g.CreatedAt, &g.UpdatedAt,
	}
	dest = append(dest, extra...)

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	g.Culprit = deref(culprit)
	g.Status = model.GroupStatus(status)
	if health != nil {
		h := model.Health(*health)
		g.Health = &h
	}
	g.FirstSeen = g.FirstSeen.UTC()
	g.LastSeen = g.LastSeen.UTC()
	return &g, nil
}

func scanGroup(row pgx.Row) (*model.Group, error) {
	return scanGroupInto(row)
}

func scanGroupInserted(row pgx.Row) (*model.Group, bool, error) {
	var inserted bool
	g, err := scanGroupInto(row, &inserted)
	if err != nil {
		return nil, false, err
	}
	return g, inserted, nil
}
