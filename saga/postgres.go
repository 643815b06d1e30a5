package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rbaliyan/event/v3/health"
)

/*
PostgreSQL Schema (table prefix "saga_"):

CREATE TABLE saga_definitions (
    id          VARCHAR(36) PRIMARY KEY,
    tenant_id   VARCHAR(255) NOT NULL,
    name        VARCHAR(255) NOT NULL,
    version     INT NOT NULL,
    active      BOOLEAN NOT NULL DEFAULT FALSE,
    steps       JSONB NOT NULL,
    timeout_ms  BIGINT NOT NULL DEFAULT 0,
    max_retries INT NOT NULL DEFAULT 0,
    retry_delay_ms BIGINT NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ NOT NULL,
    UNIQUE (tenant_id, name, version)
);

CREATE UNIQUE INDEX idx_saga_definitions_active ON saga_definitions(tenant_id, name) WHERE active;

CREATE TABLE saga_instances (
    id                 VARCHAR(36) PRIMARY KEY,
    tenant_id          VARCHAR(255) NOT NULL,
    definition_id      VARCHAR(36) NOT NULL REFERENCES saga_definitions(id),
    definition_version INT NOT NULL,
    saga_name          VARCHAR(255) NOT NULL,
    status             VARCHAR(32) NOT NULL,
    current_step       INT NOT NULL DEFAULT 0,
    context            JSONB NOT NULL,
    entity_type        VARCHAR(255) NOT NULL DEFAULT '',
    entity_id          VARCHAR(255) NOT NULL DEFAULT '',
    actor_id           VARCHAR(255) NOT NULL DEFAULT '',
    started_at         TIMESTAMPTZ NOT NULL,
    completed_at       TIMESTAMPTZ,
    failed_at          TIMESTAMPTZ,
    compensated_at     TIMESTAMPTZ,
    error_message      TEXT NOT NULL DEFAULT '',
    error_detail       TEXT NOT NULL DEFAULT '',
    retry_count        INT NOT NULL DEFAULT 0,
    deadline           TIMESTAMPTZ,
    updated_at         TIMESTAMPTZ NOT NULL,
    version            BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX idx_saga_instances_tenant_status ON saga_instances(tenant_id, status);
CREATE INDEX idx_saga_instances_status ON saga_instances(status);
CREATE INDEX idx_saga_instances_started_at ON saga_instances(started_at);

CREATE TABLE saga_step_executions (
    id           VARCHAR(36) PRIMARY KEY,
    instance_id  VARCHAR(36) NOT NULL REFERENCES saga_instances(id),
    step_index   INT NOT NULL,
    step_name    VARCHAR(255) NOT NULL,
    direction    VARCHAR(16) NOT NULL,
    status       VARCHAR(32) NOT NULL,
    input        JSONB,
    output       JSONB,
    started_at   TIMESTAMPTZ,
    completed_at TIMESTAMPTZ,
    error        TEXT NOT NULL DEFAULT '',
    retry_count  INT NOT NULL DEFAULT 0,
    updated_at   TIMESTAMPTZ NOT NULL,
    UNIQUE (instance_id, step_index, direction)
);

CREATE TABLE saga_events (
    id                VARCHAR(36) PRIMARY KEY,
    instance_id       VARCHAR(36) NOT NULL REFERENCES saga_instances(id),
    tenant_id         VARCHAR(255) NOT NULL,
    step_execution_id VARCHAR(36) NOT NULL DEFAULT '',
    step_name         VARCHAR(255) NOT NULL DEFAULT '',
    step_index        INT NOT NULL DEFAULT -1,
    type              VARCHAR(64) NOT NULL,
    message           TEXT NOT NULL DEFAULT '',
    payload           JSONB,
    sequence          BIGINT NOT NULL,
    created_at        TIMESTAMPTZ NOT NULL,
    UNIQUE (instance_id, sequence)
);
*/

const pgUniqueViolation = "23505"

// PostgresStore is a PostgreSQL-based saga store.
//
// Every Commit runs in one SQL transaction. Instance updates are guarded by
// the version column.
type PostgresStore struct {
	db          *sql.DB
	definitions string
	instances   string
	steps       string
	events      string
}

// PostgresStoreOption configures a PostgresStore.
type PostgresStoreOption func(*postgresStoreOptions)

type postgresStoreOptions struct {
	prefix string
}

// WithTablePrefix sets the prefix of the four saga tables.
func WithTablePrefix(prefix string) PostgresStoreOption {
	return func(o *postgresStoreOptions) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

// NewPostgresStore creates a new PostgreSQL saga store.
//
// The default table prefix is "saga_".
func NewPostgresStore(db *sql.DB, opts ...PostgresStoreOption) *PostgresStore {
	o := &postgresStoreOptions{
		prefix: "saga_",
	}
	for _, opt := range opts {
		opt(o)
	}

	return &PostgresStore{
		db:          db,
		definitions: o.prefix + "definitions",
		instances:   o.prefix + "instances",
		steps:       o.prefix + "step_executions",
		events:      o.prefix + "events",
	}
}

// Schema returns the DDL creating the store's tables if they do not exist.
func (s *PostgresStore) Schema() []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(36) PRIMARY KEY,
			tenant_id VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL,
			version INT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT FALSE,
			steps JSONB NOT NULL,
			timeout_ms BIGINT NOT NULL DEFAULT 0,
			max_retries INT NOT NULL DEFAULT 0,
			retry_delay_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (tenant_id, name, version)
		)`, s.definitions),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_active ON %s(tenant_id, name) WHERE active`, s.definitions, s.definitions),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(36) PRIMARY KEY,
			tenant_id VARCHAR(255) NOT NULL,
			definition_id VARCHAR(36) NOT NULL REFERENCES %s(id),
			definition_version INT NOT NULL,
			saga_name VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			current_step INT NOT NULL DEFAULT 0,
			context JSONB NOT NULL,
			entity_type VARCHAR(255) NOT NULL DEFAULT '',
			entity_id VARCHAR(255) NOT NULL DEFAULT '',
			actor_id VARCHAR(255) NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			failed_at TIMESTAMPTZ,
			compensated_at TIMESTAMPTZ,
			error_message TEXT NOT NULL DEFAULT '',
			error_detail TEXT NOT NULL DEFAULT '',
			retry_count INT NOT NULL DEFAULT 0,
			deadline TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL,
			version BIGINT NOT NULL DEFAULT 0
		)`, s.instances, s.definitions),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_tenant_status ON %s(tenant_id, status)`, s.instances, s.instances),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_status ON %s(status)`, s.instances, s.instances),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_started_at ON %s(started_at)`, s.instances, s.instances),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(36) PRIMARY KEY,
			instance_id VARCHAR(36) NOT NULL REFERENCES %s(id),
			step_index INT NOT NULL,
			step_name VARCHAR(255) NOT NULL,
			direction VARCHAR(16) NOT NULL,
			status VARCHAR(32) NOT NULL,
			input JSONB,
			output JSONB,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			error TEXT NOT NULL DEFAULT '',
			retry_count INT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE (instance_id, step_index, direction)
		)`, s.steps, s.instances),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(36) PRIMARY KEY,
			instance_id VARCHAR(36) NOT NULL REFERENCES %s(id),
			tenant_id VARCHAR(255) NOT NULL,
			step_execution_id VARCHAR(36) NOT NULL DEFAULT '',
			step_name VARCHAR(255) NOT NULL DEFAULT '',
			step_index INT NOT NULL DEFAULT -1,
			type VARCHAR(64) NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			payload JSONB,
			sequence BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (instance_id, sequence)
		)`, s.events, s.instances),
	}
}

// EnsureSchema creates the store's tables and indexes if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range s.Schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation
}

// withTx runs fn in a transaction, committing on success.
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func marshalJSON(v map[string]any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalJSON(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

const definitionColumns = `id, tenant_id, name, version, active, steps, timeout_ms, max_retries, retry_delay_ms, created_at`

// SaveDefinition stores a new definition version.
func (s *PostgresStore) SaveDefinition(ctx context.Context, def *Definition) error {
	if def == nil {
		return fmt.Errorf("definition is nil")
	}

	steps, err := json.Marshal(def.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if def.Version == 0 {
			query := fmt.Sprintf(`SELECT COALESCE(MAX(version), 0) FROM %s WHERE tenant_id = $1 AND name = $2`, s.definitions)
			var latest int
			if err := tx.QueryRowContext(ctx, query, def.TenantID, def.Name).Scan(&latest); err != nil {
				return fmt.Errorf("latest version: %w", err)
			}
			def.Version = latest + 1
		}
		if def.ID == "" {
			def.ID = newID()
		}
		if def.CreatedAt.IsZero() {
			def.CreatedAt = time.Now()
		}

		if def.Active {
			query := fmt.Sprintf(`UPDATE %s SET active = FALSE WHERE tenant_id = $1 AND name = $2 AND active`, s.definitions)
			if _, err := tx.ExecContext(ctx, query, def.TenantID, def.Name); err != nil {
				return fmt.Errorf("deactivate: %w", err)
			}
		}

		query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, s.definitions, definitionColumns)
		_, err := tx.ExecContext(ctx, query,
			def.ID,
			def.TenantID,
			def.Name,
			def.Version,
			def.Active,
			steps,
			def.Timeout.Milliseconds(),
			def.MaxRetries,
			def.RetryDelay.Milliseconds(),
			def.CreatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s/%s v%d", ErrDefinitionExists, def.TenantID, def.Name, def.Version)
			}
			return fmt.Errorf("insert definition: %w", err)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (*Definition, error) {
	var (
		d          Definition
		steps      []byte
		timeoutMS  int64
		retryDelay int64
	)
	if err := row.Scan(&d.ID, &d.TenantID, &d.Name, &d.Version, &d.Active, &steps, &timeoutMS, &d.MaxRetries, &retryDelay, &d.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(steps, &d.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	d.Timeout = time.Duration(timeoutMS) * time.Millisecond
	d.RetryDelay = time.Duration(retryDelay) * time.Millisecond
	return &d, nil
}

func (s *PostgresStore) queryDefinition(ctx context.Context, notFound string, where string, args ...any) (*Definition, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s`, definitionColumns, s.definitions, where)
	d, err := scanDefinition(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, notFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query definition: %w", err)
	}
	return d, nil
}

// GetDefinition returns a definition by ID.
func (s *PostgresStore) GetDefinition(ctx context.Context, id string) (*Definition, error) {
	return s.queryDefinition(ctx, id, `id = $1`, id)
}

// GetActiveDefinition returns the active version for (tenant, name).
func (s *PostgresStore) GetActiveDefinition(ctx context.Context, tenantID, name string) (*Definition, error) {
	return s.queryDefinition(ctx, tenantID+"/"+name,
		`tenant_id = $1 AND name = $2 AND active ORDER BY version DESC LIMIT 1`, tenantID, name)
}

// LatestDefinition returns the highest version for (tenant, name).
func (s *PostgresStore) LatestDefinition(ctx context.Context, tenantID, name string) (*Definition, error) {
	return s.queryDefinition(ctx, tenantID+"/"+name,
		`tenant_id = $1 AND name = $2 ORDER BY version DESC LIMIT 1`, tenantID, name)
}

// SetDefinitionActive activates or deactivates a version.
func (s *PostgresStore) SetDefinitionActive(ctx context.Context, id string, active bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var tenantID, name string
		query := fmt.Sprintf(`SELECT tenant_id, name FROM %s WHERE id = $1`, s.definitions)
		err := tx.QueryRowContext(ctx, query, id).Scan(&tenantID, &name)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrDefinitionNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("query definition: %w", err)
		}

		if active {
			query = fmt.Sprintf(`UPDATE %s SET active = FALSE WHERE tenant_id = $1 AND name = $2 AND active`, s.definitions)
			if _, err := tx.ExecContext(ctx, query, tenantID, name); err != nil {
				return fmt.Errorf("deactivate: %w", err)
			}
		}

		query = fmt.Sprintf(`UPDATE %s SET active = $2 WHERE id = $1`, s.definitions)
		if _, err := tx.ExecContext(ctx, query, id, active); err != nil {
			return fmt.Errorf("update definition: %w", err)
		}
		return nil
	})
}

const instanceColumns = `id, tenant_id, definition_id, definition_version, saga_name, status, current_step, context, entity_type, entity_id, actor_id, started_at, completed_at, failed_at, compensated_at, error_message, error_detail, retry_count, deadline, updated_at, version`

// CreateInstance persists a new instance and its first events.
func (s *PostgresStore) CreateInstance(ctx context.Context, inst *Instance, events ...*Event) error {
	if inst == nil {
		return fmt.Errorf("instance is nil")
	}
	if inst.ID == "" {
		return fmt.Errorf("instance ID is required")
	}

	data, err := json.Marshal(inst.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
			s.instances, instanceColumns)
		_, err := tx.ExecContext(ctx, query,
			inst.ID,
			inst.TenantID,
			inst.DefinitionID,
			inst.DefinitionVersion,
			inst.SagaName,
			inst.Status,
			inst.CurrentStep,
			data,
			inst.EntityType,
			inst.EntityID,
			inst.ActorID,
			inst.StartedAt,
			nullTime(inst.CompletedAt),
			nullTime(inst.FailedAt),
			nullTime(inst.CompensatedAt),
			inst.ErrorMessage,
			inst.ErrorDetail,
			inst.RetryCount,
			nullTime(inst.Deadline),
			inst.UpdatedAt,
			inst.Version,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrInstanceExists, inst.ID)
			}
			return fmt.Errorf("insert instance: %w", err)
		}
		return s.insertEvents(ctx, tx, events)
	})
}

// Commit atomically applies a transition in one SQL transaction.
func (s *PostgresStore) Commit(ctx context.Context, t *Transition) error {
	if t == nil {
		return fmt.Errorf("transition is nil")
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if t.Instance != nil {
			if err := s.updateInstance(ctx, tx, t.Instance); err != nil {
				return err
			}
		}
		if t.Step != nil {
			if err := s.upsertStep(ctx, tx, t.Step); err != nil {
				return err
			}
		}
		return s.insertEvents(ctx, tx, t.Events)
	})
	if err != nil {
		return err
	}
	if t.Instance != nil {
		t.Instance.Version++
	}
	return nil
}

func (s *PostgresStore) updateInstance(ctx context.Context, tx *sql.Tx, inst *Instance) error {
	data, err := json.Marshal(inst.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	query := fmt.Sprintf(`
		UPDATE %s SET
			status = $1, current_step = $2, context = $3, completed_at = $4, failed_at = $5,
			compensated_at = $6, error_message = $7, error_detail = $8, retry_count = $9,
			deadline = $10, updated_at = $11, version = version + 1
		WHERE id = $12 AND version = $13
	`, s.instances)

	result, err := tx.ExecContext(ctx, query,
		inst.Status,
		inst.CurrentStep,
		data,
		nullTime(inst.CompletedAt),
		nullTime(inst.FailedAt),
		nullTime(inst.CompensatedAt),
		inst.ErrorMessage,
		inst.ErrorDetail,
		inst.RetryCount,
		nullTime(inst.Deadline),
		inst.UpdatedAt,
		inst.ID,
		inst.Version,
	)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	// Distinguish a missing instance from a concurrent update.
	var actual int64
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT version FROM %s WHERE id = $1`, s.instances), inst.ID).Scan(&actual)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, inst.ID)
	}
	if err != nil {
		return fmt.Errorf("check version: %w", err)
	}
	return NewVersionConflictError(inst.ID, inst.Version, actual)
}

const stepColumns = `id, instance_id, step_index, step_name, direction, status, input, output, started_at, completed_at, error, retry_count, updated_at`

func (s *PostgresStore) upsertStep(ctx context.Context, tx *sql.Tx, row *StepExecution) error {
	input, err := marshalJSON(row.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	output, err := marshalJSON(row.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	if row.ID == "" {
		row.ID = newID()
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (instance_id, step_index, direction) DO UPDATE SET
			status = EXCLUDED.status, input = EXCLUDED.input, output = EXCLUDED.output,
			started_at = EXCLUDED.started_at, completed_at = EXCLUDED.completed_at,
			error = EXCLUDED.error, retry_count = EXCLUDED.retry_count, updated_at = EXCLUDED.updated_at
		RETURNING id
	`, s.steps, stepColumns)

	var id string
	err = tx.QueryRowContext(ctx, query,
		row.ID,
		row.InstanceID,
		row.StepIndex,
		row.StepName,
		row.Direction,
		row.Status,
		input,
		output,
		nullTime(row.StartedAt),
		nullTime(row.CompletedAt),
		row.Error,
		row.RetryCount,
		row.UpdatedAt,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("upsert step execution: %w", err)
	}
	row.ID = id
	return nil
}

func (s *PostgresStore) insertEvents(ctx context.Context, tx *sql.Tx, events []*Event) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, instance_id, tenant_id, step_execution_id, step_name, step_index, type, message, payload, sequence, created_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE(MAX(sequence), 0) + 1, $10
		FROM %s WHERE instance_id = $2
		RETURNING sequence
	`, s.events, s.events)

	for _, ev := range events {
		if ev == nil {
			continue
		}
		if ev.ID == "" {
			ev.ID = newID()
		}
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = time.Now()
		}
		payload, err := marshalJSON(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}

		err = tx.QueryRowContext(ctx, query,
			ev.ID,
			ev.InstanceID,
			ev.TenantID,
			ev.StepExecutionID,
			ev.StepName,
			ev.StepIndex,
			ev.Type,
			ev.Message,
			payload,
			ev.CreatedAt,
		).Scan(&ev.Sequence)
		if err != nil {
			return fmt.Errorf("insert event %s: %w", ev.Type, err)
		}
	}
	return nil
}

func scanInstance(row rowScanner) (*Instance, error) {
	var (
		inst                                 Instance
		data                                 []byte
		completedAt, failedAt, compensatedAt sql.NullTime
		deadline                             sql.NullTime
	)
	err := row.Scan(
		&inst.ID,
		&inst.TenantID,
		&inst.DefinitionID,
		&inst.DefinitionVersion,
		&inst.SagaName,
		&inst.Status,
		&inst.CurrentStep,
		&data,
		&inst.EntityType,
		&inst.EntityID,
		&inst.ActorID,
		&inst.StartedAt,
		&completedAt,
		&failedAt,
		&compensatedAt,
		&inst.ErrorMessage,
		&inst.ErrorDetail,
		&inst.RetryCount,
		&deadline,
		&inst.UpdatedAt,
		&inst.Version,
	)
	if err != nil {
		return nil, err
	}

	m, err := unmarshalJSON(data)
	if err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	inst.Context = Context(m)
	if inst.Context == nil {
		inst.Context = Context{}
	}
	inst.CompletedAt = timePtr(completedAt)
	inst.FailedAt = timePtr(failedAt)
	inst.CompensatedAt = timePtr(compensatedAt)
	inst.Deadline = timePtr(deadline)
	return &inst, nil
}

// GetInstance returns an instance by ID.
func (s *PostgresStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, instanceColumns, s.instances)

	inst, err := scanInstance(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query instance: %w", err)
	}
	return inst, nil
}

// ListInstances returns instances matching the filter.
func (s *PostgresStore) ListInstances(ctx context.Context, filter InstanceFilter) (*InstancePage, error) {
	var conditions []string
	var args []any
	argNum := 1

	if filter.TenantID != "" {
		conditions = append(conditions, fmt.Sprintf("tenant_id = $%d", argNum))
		args = append(args, filter.TenantID)
		argNum++
	}
	if filter.SagaName != "" {
		conditions = append(conditions, fmt.Sprintf("saga_name = $%d", argNum))
		args = append(args, filter.SagaName)
		argNum++
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			statuses[i] = string(st)
		}
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", argNum))
		args = append(args, pq.Array(statuses))
		argNum++
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s%s`, s.instances, where)
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count instances: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY started_at DESC, id`, instanceColumns, s.instances, where)
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, filter.Limit)
		argNum++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argNum)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	page := &InstancePage{Total: total, Items: []*Instance{}}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		page.Items = append(page.Items, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instances: %w", err)
	}
	return page, nil
}

func scanStep(row rowScanner) (*StepExecution, error) {
	var (
		st                     StepExecution
		input, output          []byte
		startedAt, completedAt sql.NullTime
	)
	err := row.Scan(
		&st.ID,
		&st.InstanceID,
		&st.StepIndex,
		&st.StepName,
		&st.Direction,
		&st.Status,
		&input,
		&output,
		&startedAt,
		&completedAt,
		&st.Error,
		&st.RetryCount,
		&st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if st.Input, err = unmarshalJSON(input); err != nil {
		return nil, fmt.Errorf("unmarshal input: %w", err)
	}
	if st.Output, err = unmarshalJSON(output); err != nil {
		return nil, fmt.Errorf("unmarshal output: %w", err)
	}
	st.StartedAt = timePtr(startedAt)
	st.CompletedAt = timePtr(completedAt)
	return &st, nil
}

// GetStepExecution returns the row for (instance, step index, direction).
func (s *PostgresStore) GetStepExecution(ctx context.Context, instanceID string, stepIndex int, dir Direction) (*StepExecution, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE instance_id = $1 AND step_index = $2 AND direction = $3`, stepColumns, s.steps)

	st, err := scanStep(s.db.QueryRowContext(ctx, query, instanceID, stepIndex, dir))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrStepExecutionNotFound, stepKey(instanceID, stepIndex, dir))
	}
	if err != nil {
		return nil, fmt.Errorf("query step execution: %w", err)
	}
	return st, nil
}

// ListStepExecutions returns the rows of an instance.
func (s *PostgresStore) ListStepExecutions(ctx context.Context, instanceID string) ([]*StepExecution, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s WHERE instance_id = $1
		ORDER BY step_index, CASE direction WHEN 'forward' THEN 0 ELSE 1 END
	`, stepColumns, s.steps)

	rows, err := s.db.QueryContext(ctx, query, instanceID)
	if err != nil {
		return nil, fmt.Errorf("query step executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := []*StepExecution{}
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step execution: %w", err)
		}
		result = append(result, st)
	}
	return result, rows.Err()
}

// ListEvents returns the events of an instance.
func (s *PostgresStore) ListEvents(ctx context.Context, instanceID string) ([]*Event, error) {
	query := fmt.Sprintf(`
		SELECT id, instance_id, tenant_id, step_execution_id, step_name, step_index, type, message, payload, sequence, created_at
		FROM %s WHERE instance_id = $1 ORDER BY sequence
	`, s.events)

	rows, err := s.db.QueryContext(ctx, query, instanceID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := []*Event{}
	for rows.Next() {
		var ev Event
		var payload []byte
		err := rows.Scan(&ev.ID, &ev.InstanceID, &ev.TenantID, &ev.StepExecutionID, &ev.StepName,
			&ev.StepIndex, &ev.Type, &ev.Message, &payload, &ev.Sequence, &ev.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if ev.Payload, err = unmarshalJSON(payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		result = append(result, &ev)
	}
	return result, rows.Err()
}

// Health performs a health check on the PostgreSQL saga store.
func (s *PostgresStore) Health(ctx context.Context) *health.Result {
	start := time.Now()

	if err := s.db.PingContext(ctx); err != nil {
		return &health.Result{
			Status:    health.StatusUnhealthy,
			Message:   fmt.Sprintf("postgres ping failed: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	var total int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", s.instances)
	if err := s.db.QueryRowContext(ctx, query).Scan(&total); err != nil {
		return &health.Result{
			Status:    health.StatusDegraded,
			Message:   fmt.Sprintf("failed to count instances: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	var running, compensating int64
	byStatus := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE status = $1", s.instances)
	_ = s.db.QueryRowContext(ctx, byStatus, StatusRunning).Scan(&running)
	_ = s.db.QueryRowContext(ctx, byStatus, StatusCompensating).Scan(&compensating)

	return &health.Result{
		Status:    health.StatusHealthy,
		Latency:   time.Since(start),
		CheckedAt: start,
		Details: map[string]any{
			"total_instances":        total,
			"running_instances":      running,
			"compensating_instances": compensating,
			"table":                  s.instances,
		},
	}
}

// Compile-time checks
var (
	_ Store          = (*PostgresStore)(nil)
	_ health.Checker = (*PostgresStore)(nil)
)
