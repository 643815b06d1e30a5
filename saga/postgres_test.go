package saga

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/rbaliyan/event/v3/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPostgres(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return NewPostgresStore(db), mock
}

var instanceColumnNames = []string{
	"id", "tenant_id", "definition_id", "definition_version", "saga_name", "status",
	"current_step", "context", "entity_type", "entity_id", "actor_id", "started_at",
	"completed_at", "failed_at", "compensated_at", "error_message", "error_detail",
	"retry_count", "deadline", "updated_at", "version",
}

func TestPostgresStore_CreateInstance(t *testing.T) {
	store, mock := newMockPostgres(t)
	ctx := context.Background()

	now := time.Now()
	inst := &Instance{
		ID:        "inst-1",
		TenantID:  testTenant,
		SagaName:  testSaga,
		Status:    StatusStarted,
		Context:   Context{"customer_id": "c-1"},
		StartedAt: now,
		UpdatedAt: now,
	}
	ev := &Event{InstanceID: inst.ID, TenantID: testTenant, StepIndex: -1, Type: EventSagaStarted}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO saga_instances").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO saga_events").
		WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(1))
	mock.ExpectCommit()

	require.NoError(t, store.CreateInstance(ctx, inst, ev))
	assert.Equal(t, int64(1), ev.Sequence)
	assert.NotEmpty(t, ev.ID)
}

func TestPostgresStore_CreateInstanceDuplicate(t *testing.T) {
	store, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO saga_instances").WillReturnError(&pq.Error{Code: pgUniqueViolation})
	mock.ExpectRollback()

	err := store.CreateInstance(context.Background(), &Instance{ID: "inst-1", Context: Context{}})
	assert.ErrorIs(t, err, ErrInstanceExists)
}

func TestPostgresStore_Commit(t *testing.T) {
	store, mock := newMockPostgres(t)
	ctx := context.Background()

	now := time.Now()
	inst := &Instance{ID: "inst-1", TenantID: testTenant, Status: StatusRunning, CurrentStep: 1, Context: Context{}, UpdatedAt: now, Version: 3}
	row := &StepExecution{InstanceID: "inst-1", StepIndex: 0, StepName: "a", Direction: DirectionForward, Status: StepCompleted, UpdatedAt: now}
	ev := &Event{InstanceID: "inst-1", TenantID: testTenant, StepName: "a", Type: EventStepCompleted}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE saga_instances SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO saga_step_executions .* ON CONFLICT \(instance_id, step_index, direction\)`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("row-1"))
	mock.ExpectQuery("INSERT INTO saga_events").
		WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(4))
	mock.ExpectCommit()

	require.NoError(t, store.Commit(ctx, &Transition{Instance: inst, Step: row, Events: []*Event{ev}}))
	assert.Equal(t, int64(4), inst.Version)
	assert.Equal(t, "row-1", row.ID)
	assert.Equal(t, int64(4), ev.Sequence)
}

func TestPostgresStore_CommitVersionConflict(t *testing.T) {
	store, mock := newMockPostgres(t)

	inst := &Instance{ID: "inst-1", Status: StatusRunning, Context: Context{}, Version: 2}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE saga_instances SET`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT version FROM saga_instances WHERE id = \$1`).
		WithArgs("inst-1").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(5))
	mock.ExpectRollback()

	err := store.Commit(context.Background(), &Transition{Instance: inst})
	assert.True(t, IsVersionConflict(err))
	assert.Equal(t, int64(2), inst.Version)
}

func TestPostgresStore_CommitMissingInstance(t *testing.T) {
	store, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE saga_instances SET`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT version FROM saga_instances`).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := store.Commit(context.Background(), &Transition{Instance: &Instance{ID: "missing", Context: Context{}}})
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestPostgresStore_GetInstance(t *testing.T) {
	store, mock := newMockPostgres(t)
	ctx := context.Background()

	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	completed := started.Add(time.Minute)

	mock.ExpectQuery(`SELECT .* FROM saga_instances WHERE id = \$1`).
		WithArgs("inst-1").
		WillReturnRows(sqlmock.NewRows(instanceColumnNames).AddRow(
			"inst-1", testTenant, "def-1", 2, testSaga, "completed",
			3, []byte(`{"customer_id":"c-1","a":{"quote_id":"q-1"}}`), "quote", "q-1", "user-1", started,
			completed, nil, nil, "", "",
			0, nil, completed, int64(7),
		))

	inst, err := store.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, inst.Status)
	assert.Equal(t, 3, inst.CurrentStep)
	assert.Equal(t, 2, inst.DefinitionVersion)
	assert.Equal(t, int64(7), inst.Version)
	require.NotNil(t, inst.CompletedAt)
	assert.True(t, completed.Equal(*inst.CompletedAt))
	assert.Nil(t, inst.FailedAt)
	assert.Nil(t, inst.Deadline)

	quoteID, ok := Lookup[string](inst.Context, "a", "quote_id")
	assert.True(t, ok)
	assert.Equal(t, "q-1", quoteID)

	mock.ExpectQuery(`SELECT .* FROM saga_instances WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err = store.GetInstance(ctx, "missing")
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestPostgresStore_ListInstances(t *testing.T) {
	store, mock := newMockPostgres(t)

	now := time.Now()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM saga_instances WHERE tenant_id = \$1 AND status = ANY\(\$2\)`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(`SELECT .* FROM saga_instances WHERE tenant_id = \$1 AND status = ANY\(\$2\) ORDER BY started_at DESC, id LIMIT \$3 OFFSET \$4`).
		WillReturnRows(sqlmock.NewRows(instanceColumnNames).AddRow(
			"inst-2", testTenant, "def-1", 1, testSaga, "failed",
			1, []byte(`{}`), "", "", "", now,
			nil, now, nil, "boom", "",
			0, nil, now, int64(4),
		))

	page, err := store.ListInstances(context.Background(), InstanceFilter{
		TenantID: testTenant,
		Status:   []Status{StatusFailed, StatusCompensated},
		Limit:    1,
		Offset:   1,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "inst-2", page.Items[0].ID)
	assert.Equal(t, "boom", page.Items[0].ErrorMessage)
}

func TestPostgresStore_Definitions(t *testing.T) {
	store, mock := newMockPostgres(t)
	ctx := context.Background()

	t.Run("GetActiveDefinition", func(t *testing.T) {
		mock.ExpectQuery(`SELECT .* FROM saga_definitions WHERE tenant_id = \$1 AND name = \$2 AND active`).
			WithArgs(testTenant, testSaga).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "tenant_id", "name", "version", "active", "steps",
				"timeout_ms", "max_retries", "retry_delay_ms", "created_at",
			}).AddRow(
				"def-1", testTenant, testSaga, 2, true,
				[]byte(`[{"name":"a","kind":"internal","target":"orders","action":"a","compensation_action":"undo-a","retryable":true}]`),
				int64(60000), 3, int64(500), time.Now(),
			))

		def, err := store.GetActiveDefinition(ctx, testTenant, testSaga)
		require.NoError(t, err)
		assert.Equal(t, 2, def.Version)
		assert.Equal(t, time.Minute, def.Timeout)
		assert.Equal(t, 500*time.Millisecond, def.RetryDelay)
		require.Len(t, def.Steps, 1)
		assert.Equal(t, "undo-a", def.Steps[0].CompensationAction)
	})

	t.Run("LatestDefinition not found", func(t *testing.T) {
		mock.ExpectQuery(`SELECT .* FROM saga_definitions WHERE tenant_id = \$1 AND name = \$2 ORDER BY version DESC`).
			WillReturnError(sql.ErrNoRows)

		_, err := store.LatestDefinition(ctx, testTenant, "unknown")
		assert.ErrorIs(t, err, ErrDefinitionNotFound)
	})

	t.Run("SaveDefinition assigns the next version", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\) FROM saga_definitions`).
			WithArgs(testTenant, testSaga).
			WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(2))
		mock.ExpectExec(`UPDATE saga_definitions SET active = FALSE`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO saga_definitions`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		def := &Definition{TenantID: testTenant, Name: testSaga, Active: true, Steps: []StepConfig{step("a", true)}}
		require.NoError(t, store.SaveDefinition(ctx, def))
		assert.Equal(t, 3, def.Version)
		assert.NotEmpty(t, def.ID)
	})

	t.Run("SaveDefinition duplicate version", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO saga_definitions`).WillReturnError(&pq.Error{Code: pgUniqueViolation})
		mock.ExpectRollback()

		def := &Definition{TenantID: testTenant, Name: testSaga, Version: 1, Steps: []StepConfig{step("a", true)}}
		assert.ErrorIs(t, store.SaveDefinition(ctx, def), ErrDefinitionExists)
	})
}

func TestPostgresStore_ListEvents(t *testing.T) {
	store, mock := newMockPostgres(t)

	now := time.Now()
	mock.ExpectQuery(`SELECT .* FROM saga_events WHERE instance_id = \$1 ORDER BY sequence`).
		WithArgs("inst-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "instance_id", "tenant_id", "step_execution_id", "step_name", "step_index",
			"type", "message", "payload", "sequence", "created_at",
		}).
			AddRow("ev-1", "inst-1", testTenant, "", "", -1, "saga_started", "saga started", []byte(`{"total_steps":2}`), int64(1), now).
			AddRow("ev-2", "inst-1", testTenant, "row-1", "a", 0, "step_completed", "", nil, int64(2), now))

	events, err := store.ListEvents(context.Background(), "inst-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventSagaStarted, events[0].Type)
	assert.Equal(t, -1, events[0].StepIndex)
	assert.EqualValues(t, 2, events[0].Payload["total_steps"])
	assert.Equal(t, "a", events[1].StepName)
	assert.Nil(t, events[1].Payload)
}

func TestPostgresStore_EnsureSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db, WithTablePrefix("billing_saga_"))
	for range store.Schema() {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, store.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Contains(t, store.Schema()[0], "billing_saga_definitions")
}

func TestPostgresStore_Health(t *testing.T) {
	store, mock := newMockPostgres(t)

	mock.ExpectPing()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM saga_instances$`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(10))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM saga_instances WHERE status = \$1`).
		WithArgs(StatusRunning).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM saga_instances WHERE status = \$1`).
		WithArgs(StatusCompensating).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	result := store.Health(context.Background())
	assert.Equal(t, health.StatusHealthy, result.Status)
	assert.Equal(t, int64(10), result.Details["total_instances"])
	assert.Equal(t, int64(2), result.Details["running_instances"])
}
