package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3/health"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

/*
MongoDB Schema (collection prefix "saga_"):

Collection: saga_definitions
{
    "_id": string, "tenant_id": string, "name": string, "version": int,
    "active": bool, "steps": [StepConfig], "timeout_ms": long,
    "max_retries": int, "retry_delay_ms": long, "created_at": ISODate
}

Collection: saga_instances
{
    "_id": string, "tenant_id": string, "definition_id": string,
    "definition_version": int, "saga_name": string, "status": string,
    "current_step": int, "context": document, "entity_type": string,
    "entity_id": string, "actor_id": string, "started_at": ISODate,
    "completed_at": ISODate, "failed_at": ISODate, "compensated_at": ISODate,
    "error_message": string, "error_detail": string, "retry_count": int,
    "deadline": ISODate, "updated_at": ISODate, "version": long,
    "event_seq": long
}

Collection: saga_step_executions
{
    "_id": string, "instance_id": string, "step_index": int, "step_name": string,
    "direction": string, "status": string, "input": document, "output": document,
    "started_at": ISODate, "completed_at": ISODate, "error": string,
    "retry_count": int, "updated_at": ISODate
}

Collection: saga_events
{
    "_id": string, "instance_id": string, "tenant_id": string,
    "step_execution_id": string, "step_name": string, "step_index": int,
    "type": string, "message": string, "payload": document,
    "sequence": long, "created_at": ISODate
}

Indexes: see MongoStore.Indexes.
*/

type mongoDefinition struct {
	ID           string       `bson:"_id"`
	TenantID     string       `bson:"tenant_id"`
	Name         string       `bson:"name"`
	Version      int          `bson:"version"`
	Active       bool         `bson:"active"`
	Steps        []StepConfig `bson:"steps"`
	TimeoutMS    int64        `bson:"timeout_ms"`
	MaxRetries   int          `bson:"max_retries"`
	RetryDelayMS int64        `bson:"retry_delay_ms"`
	CreatedAt    time.Time    `bson:"created_at"`
}

func (m *mongoDefinition) toDefinition() *Definition {
	return &Definition{
		ID:         m.ID,
		TenantID:   m.TenantID,
		Name:       m.Name,
		Version:    m.Version,
		Active:     m.Active,
		Steps:      m.Steps,
		Timeout:    time.Duration(m.TimeoutMS) * time.Millisecond,
		MaxRetries: m.MaxRetries,
		RetryDelay: time.Duration(m.RetryDelayMS) * time.Millisecond,
		CreatedAt:  m.CreatedAt,
	}
}

func fromDefinition(d *Definition) *mongoDefinition {
	return &mongoDefinition{
		ID:           d.ID,
		TenantID:     d.TenantID,
		Name:         d.Name,
		Version:      d.Version,
		Active:       d.Active,
		Steps:        d.Steps,
		TimeoutMS:    d.Timeout.Milliseconds(),
		MaxRetries:   d.MaxRetries,
		RetryDelayMS: d.RetryDelay.Milliseconds(),
		CreatedAt:    d.CreatedAt,
	}
}

// MongoInstance is the instance document stored in MongoDB.
type MongoInstance struct {
	ID                string     `bson:"_id"`
	TenantID          string     `bson:"tenant_id"`
	DefinitionID      string     `bson:"definition_id"`
	DefinitionVersion int        `bson:"definition_version"`
	SagaName          string     `bson:"saga_name"`
	Status            Status     `bson:"status"`
	CurrentStep       int        `bson:"current_step"`
	Context           bson.M     `bson:"context"`
	EntityType        string     `bson:"entity_type,omitempty"`
	EntityID          string     `bson:"entity_id,omitempty"`
	ActorID           string     `bson:"actor_id,omitempty"`
	StartedAt         time.Time  `bson:"started_at"`
	CompletedAt       *time.Time `bson:"completed_at,omitempty"`
	FailedAt          *time.Time `bson:"failed_at,omitempty"`
	CompensatedAt     *time.Time `bson:"compensated_at,omitempty"`
	ErrorMessage      string     `bson:"error_message,omitempty"`
	ErrorDetail       string     `bson:"error_detail,omitempty"`
	RetryCount        int        `bson:"retry_count"`
	Deadline          *time.Time `bson:"deadline,omitempty"`
	UpdatedAt         time.Time  `bson:"updated_at"`
	Version           int64      `bson:"version"`
	EventSeq          int64      `bson:"event_seq"`
}

// ToInstance converts the document to an Instance.
func (m *MongoInstance) ToInstance() *Instance {
	return &Instance{
		ID:                m.ID,
		TenantID:          m.TenantID,
		DefinitionID:      m.DefinitionID,
		DefinitionVersion: m.DefinitionVersion,
		SagaName:          m.SagaName,
		Status:            m.Status,
		CurrentStep:       m.CurrentStep,
		Context:           Context(normalizeDocument(m.Context)),
		EntityType:        m.EntityType,
		EntityID:          m.EntityID,
		ActorID:           m.ActorID,
		StartedAt:         m.StartedAt,
		CompletedAt:       m.CompletedAt,
		FailedAt:          m.FailedAt,
		CompensatedAt:     m.CompensatedAt,
		ErrorMessage:      m.ErrorMessage,
		ErrorDetail:       m.ErrorDetail,
		RetryCount:        m.RetryCount,
		Deadline:          m.Deadline,
		UpdatedAt:         m.UpdatedAt,
		Version:           m.Version,
	}
}

// FromInstance creates a MongoInstance from an Instance.
func FromInstance(i *Instance) *MongoInstance {
	return &MongoInstance{
		ID:                i.ID,
		TenantID:          i.TenantID,
		DefinitionID:      i.DefinitionID,
		DefinitionVersion: i.DefinitionVersion,
		SagaName:          i.SagaName,
		Status:            i.Status,
		CurrentStep:       i.CurrentStep,
		Context:           bson.M(i.Context.Clone()),
		EntityType:        i.EntityType,
		EntityID:          i.EntityID,
		ActorID:           i.ActorID,
		StartedAt:         i.StartedAt,
		CompletedAt:       i.CompletedAt,
		FailedAt:          i.FailedAt,
		CompensatedAt:     i.CompensatedAt,
		ErrorMessage:      i.ErrorMessage,
		ErrorDetail:       i.ErrorDetail,
		RetryCount:        i.RetryCount,
		Deadline:          i.Deadline,
		UpdatedAt:         i.UpdatedAt,
		Version:           i.Version,
	}
}

type mongoStep struct {
	ID          string     `bson:"_id"`
	InstanceID  string     `bson:"instance_id"`
	StepIndex   int        `bson:"step_index"`
	StepName    string     `bson:"step_name"`
	Direction   Direction  `bson:"direction"`
	Status      StepStatus `bson:"status"`
	Input       bson.M     `bson:"input,omitempty"`
	Output      bson.M     `bson:"output,omitempty"`
	StartedAt   *time.Time `bson:"started_at,omitempty"`
	CompletedAt *time.Time `bson:"completed_at,omitempty"`
	Error       string     `bson:"error,omitempty"`
	RetryCount  int        `bson:"retry_count"`
	UpdatedAt   time.Time  `bson:"updated_at"`
}

func (m *mongoStep) toStepExecution() *StepExecution {
	return &StepExecution{
		ID:          m.ID,
		InstanceID:  m.InstanceID,
		StepIndex:   m.StepIndex,
		StepName:    m.StepName,
		Direction:   m.Direction,
		Status:      m.Status,
		Input:       normalizeDocument(m.Input),
		Output:      normalizeDocument(m.Output),
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
		Error:       m.Error,
		RetryCount:  m.RetryCount,
		UpdatedAt:   m.UpdatedAt,
	}
}

type mongoEvent struct {
	ID              string    `bson:"_id"`
	InstanceID      string    `bson:"instance_id"`
	TenantID        string    `bson:"tenant_id"`
	StepExecutionID string    `bson:"step_execution_id,omitempty"`
	StepName        string    `bson:"step_name,omitempty"`
	StepIndex       int       `bson:"step_index"`
	Type            EventType `bson:"type"`
	Message         string    `bson:"message,omitempty"`
	Payload         bson.M    `bson:"payload,omitempty"`
	Sequence        int64     `bson:"sequence"`
	CreatedAt       time.Time `bson:"created_at"`
}

func (m *mongoEvent) toEvent() *Event {
	return &Event{
		ID:              m.ID,
		InstanceID:      m.InstanceID,
		TenantID:        m.TenantID,
		StepExecutionID: m.StepExecutionID,
		StepName:        m.StepName,
		StepIndex:       m.StepIndex,
		Type:            m.Type,
		Message:         m.Message,
		Payload:         normalizeDocument(m.Payload),
		Sequence:        m.Sequence,
		CreatedAt:       m.CreatedAt,
	}
}

// normalizeDocument converts decoded BSON into plain Go maps and slices so
// context values look the same whatever store produced them.
func normalizeDocument(m bson.M) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case bson.M:
		return normalizeDocument(val)
	case map[string]any:
		return normalizeDocument(bson.M(val))
	case bson.D:
		out := make(map[string]any, len(val))
		for _, e := range val {
			out[e.Key] = normalizeValue(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = normalizeValue(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = normalizeValue(e)
		}
		return out
	case int32:
		return int64(val)
	case bson.DateTime:
		return val.Time().UTC()
	default:
		return v
	}
}

// MongoStore is a MongoDB-based saga store.
//
// Commit uses a multi-document transaction, which requires a replica set
// or a sharded cluster.
type MongoStore struct {
	client      *mongo.Client
	definitions *mongo.Collection
	instances   *mongo.Collection
	steps       *mongo.Collection
	events      *mongo.Collection
}

// MongoStoreOption configures a MongoStore.
type MongoStoreOption func(*mongoStoreOptions)

type mongoStoreOptions struct {
	prefix string
}

// WithCollectionPrefix sets the prefix of the four saga collections.
func WithCollectionPrefix(prefix string) MongoStoreOption {
	return func(o *mongoStoreOptions) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

// NewMongoStore creates a new MongoDB saga store.
//
// The default collection prefix is "saga_".
func NewMongoStore(db *mongo.Database, opts ...MongoStoreOption) *MongoStore {
	o := &mongoStoreOptions{
		prefix: "saga_",
	}
	for _, opt := range opts {
		opt(o)
	}

	return &MongoStore{
		client:      db.Client(),
		definitions: db.Collection(o.prefix + "definitions"),
		instances:   db.Collection(o.prefix + "instances"),
		steps:       db.Collection(o.prefix + "step_executions"),
		events:      db.Collection(o.prefix + "events"),
	}
}

// Indexes returns the required indexes keyed by collection name.
// Users can use this to create indexes manually or merge with their own indexes.
func (s *MongoStore) Indexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		s.definitions.Name(): {
			{
				Keys: bson.D{
					{Key: "tenant_id", Value: 1},
					{Key: "name", Value: 1},
					{Key: "version", Value: 1},
				},
				Options: options.Index().SetUnique(true),
			},
			{
				Keys: bson.D{
					{Key: "tenant_id", Value: 1},
					{Key: "name", Value: 1},
				},
				Options: options.Index().
					SetUnique(true).
					SetName("active_version").
					SetPartialFilterExpression(bson.M{"active": true}),
			},
		},
		s.instances.Name(): {
			{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "started_at", Value: -1}}},
		},
		s.steps.Name(): {
			{
				Keys: bson.D{
					{Key: "instance_id", Value: 1},
					{Key: "step_index", Value: 1},
					{Key: "direction", Value: 1},
				},
				Options: options.Index().SetUnique(true),
			},
		},
		s.events.Name(): {
			{
				Keys: bson.D{
					{Key: "instance_id", Value: 1},
					{Key: "sequence", Value: 1},
				},
				Options: options.Index().SetUnique(true),
			},
		},
	}
}

// EnsureIndexes creates the required indexes for all saga collections.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	collections := map[string]*mongo.Collection{
		s.definitions.Name(): s.definitions,
		s.instances.Name():   s.instances,
		s.steps.Name():       s.steps,
		s.events.Name():      s.events,
	}
	for name, models := range s.Indexes() {
		if _, err := collections[name].Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create indexes on %s: %w", name, err)
		}
	}
	return nil
}

// withTransaction runs fn inside a multi-document transaction.
func (s *MongoStore) withTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// SaveDefinition stores a new definition version.
func (s *MongoStore) SaveDefinition(ctx context.Context, def *Definition) error {
	if def == nil {
		return fmt.Errorf("definition is nil")
	}

	return s.withTransaction(ctx, func(ctx context.Context) error {
		if def.Version == 0 {
			latest, err := s.LatestDefinition(ctx, def.TenantID, def.Name)
			switch {
			case err == nil:
				def.Version = latest.Version + 1
			case errors.Is(err, ErrDefinitionNotFound):
				def.Version = 1
			default:
				return err
			}
		}
		if def.ID == "" {
			def.ID = newID()
		}
		if def.CreatedAt.IsZero() {
			def.CreatedAt = time.Now()
		}

		if def.Active {
			filter := bson.M{"tenant_id": def.TenantID, "name": def.Name, "active": true}
			if _, err := s.definitions.UpdateMany(ctx, filter, bson.M{"$set": bson.M{"active": false}}); err != nil {
				return fmt.Errorf("deactivate: %w", err)
			}
		}

		if _, err := s.definitions.InsertOne(ctx, fromDefinition(def)); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return fmt.Errorf("%w: %s/%s v%d", ErrDefinitionExists, def.TenantID, def.Name, def.Version)
			}
			return fmt.Errorf("insert definition: %w", err)
		}
		return nil
	})
}

func (s *MongoStore) findDefinition(ctx context.Context, notFound string, filter bson.M, opts ...options.Lister[options.FindOneOptions]) (*Definition, error) {
	var doc mongoDefinition
	err := s.definitions.FindOne(ctx, filter, opts...).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, notFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find definition: %w", err)
	}
	return doc.toDefinition(), nil
}

// GetDefinition returns a definition by ID.
func (s *MongoStore) GetDefinition(ctx context.Context, id string) (*Definition, error) {
	return s.findDefinition(ctx, id, bson.M{"_id": id})
}

// GetActiveDefinition returns the active version for (tenant, name).
func (s *MongoStore) GetActiveDefinition(ctx context.Context, tenantID, name string) (*Definition, error) {
	return s.findDefinition(ctx, tenantID+"/"+name,
		bson.M{"tenant_id": tenantID, "name": name, "active": true},
		options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}}))
}

// LatestDefinition returns the highest version for (tenant, name).
func (s *MongoStore) LatestDefinition(ctx context.Context, tenantID, name string) (*Definition, error) {
	return s.findDefinition(ctx, tenantID+"/"+name,
		bson.M{"tenant_id": tenantID, "name": name},
		options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}}))
}

// SetDefinitionActive activates or deactivates a version.
func (s *MongoStore) SetDefinitionActive(ctx context.Context, id string, active bool) error {
	return s.withTransaction(ctx, func(ctx context.Context) error {
		def, err := s.GetDefinition(ctx, id)
		if err != nil {
			return err
		}
		if active {
			filter := bson.M{"tenant_id": def.TenantID, "name": def.Name, "active": true}
			if _, err := s.definitions.UpdateMany(ctx, filter, bson.M{"$set": bson.M{"active": false}}); err != nil {
				return fmt.Errorf("deactivate: %w", err)
			}
		}
		if _, err := s.definitions.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"active": active}}); err != nil {
			return fmt.Errorf("update definition: %w", err)
		}
		return nil
	})
}

// CreateInstance persists a new instance and its first events.
func (s *MongoStore) CreateInstance(ctx context.Context, inst *Instance, events ...*Event) error {
	if inst == nil {
		return fmt.Errorf("instance is nil")
	}
	if inst.ID == "" {
		return fmt.Errorf("instance ID is required")
	}

	return s.withTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.instances.InsertOne(ctx, FromInstance(inst)); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return fmt.Errorf("%w: %s", ErrInstanceExists, inst.ID)
			}
			return fmt.Errorf("insert instance: %w", err)
		}
		return s.appendEvents(ctx, inst.ID, events)
	})
}

// Commit atomically applies a transition in one multi-document transaction.
func (s *MongoStore) Commit(ctx context.Context, t *Transition) error {
	if t == nil {
		return fmt.Errorf("transition is nil")
	}

	err := s.withTransaction(ctx, func(ctx context.Context) error {
		if t.Instance != nil {
			if err := s.updateInstance(ctx, t.Instance); err != nil {
				return err
			}
		}
		if t.Step != nil {
			if err := s.upsertStep(ctx, t.Step); err != nil {
				return err
			}
		}
		if len(t.Events) == 0 {
			return nil
		}
		instanceID := t.Events[0].InstanceID
		if t.Instance != nil {
			instanceID = t.Instance.ID
		}
		return s.appendEvents(ctx, instanceID, t.Events)
	})
	if err != nil {
		return err
	}
	if t.Instance != nil {
		t.Instance.Version++
	}
	return nil
}

func (s *MongoStore) updateInstance(ctx context.Context, inst *Instance) error {
	doc := FromInstance(inst)
	filter := bson.M{
		"_id":     inst.ID,
		"version": inst.Version,
	}
	update := bson.M{
		"$set": bson.M{
			"status":         doc.Status,
			"current_step":   doc.CurrentStep,
			"context":        doc.Context,
			"completed_at":   doc.CompletedAt,
			"failed_at":      doc.FailedAt,
			"compensated_at": doc.CompensatedAt,
			"error_message":  doc.ErrorMessage,
			"error_detail":   doc.ErrorDetail,
			"retry_count":    doc.RetryCount,
			"deadline":       doc.Deadline,
			"updated_at":     doc.UpdatedAt,
		},
		"$inc": bson.M{"version": 1},
	}

	result, err := s.instances.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	if result.MatchedCount > 0 {
		return nil
	}

	// Distinguish a missing instance from a concurrent update.
	var current MongoInstance
	err = s.instances.FindOne(ctx, bson.M{"_id": inst.ID}).Decode(&current)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, inst.ID)
	}
	if err != nil {
		return fmt.Errorf("check version: %w", err)
	}
	return NewVersionConflictError(inst.ID, inst.Version, current.Version)
}

func (s *MongoStore) upsertStep(ctx context.Context, row *StepExecution) error {
	if row.ID == "" {
		row.ID = newID()
	}

	filter := bson.M{
		"instance_id": row.InstanceID,
		"step_index":  row.StepIndex,
		"direction":   row.Direction,
	}
	update := bson.M{
		"$set": bson.M{
			"step_name":    row.StepName,
			"status":       row.Status,
			"input":        bson.M(row.Input),
			"output":       bson.M(row.Output),
			"started_at":   row.StartedAt,
			"completed_at": row.CompletedAt,
			"error":        row.Error,
			"retry_count":  row.RetryCount,
			"updated_at":   row.UpdatedAt,
		},
		"$setOnInsert": bson.M{"_id": row.ID},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc mongoStep
	if err := s.steps.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		return fmt.Errorf("upsert step execution: %w", err)
	}
	row.ID = doc.ID
	return nil
}

// appendEvents reserves sequence numbers on the instance document, then
// inserts the events.
func (s *MongoStore) appendEvents(ctx context.Context, instanceID string, events []*Event) error {
	n := int64(0)
	for _, ev := range events {
		if ev != nil {
			n++
		}
	}
	if n == 0 {
		return nil
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var inst MongoInstance
	err := s.instances.FindOneAndUpdate(ctx, bson.M{"_id": instanceID}, bson.M{"$inc": bson.M{"event_seq": n}}, opts).Decode(&inst)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	if err != nil {
		return fmt.Errorf("reserve sequence: %w", err)
	}

	seq := inst.EventSeq - n
	docs := make([]any, 0, n)
	for _, ev := range events {
		if ev == nil {
			continue
		}
		seq++
		if ev.ID == "" {
			ev.ID = newID()
		}
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = time.Now()
		}
		ev.Sequence = seq
		docs = append(docs, &mongoEvent{
			ID:              ev.ID,
			InstanceID:      ev.InstanceID,
			TenantID:        ev.TenantID,
			StepExecutionID: ev.StepExecutionID,
			StepName:        ev.StepName,
			StepIndex:       ev.StepIndex,
			Type:            ev.Type,
			Message:         ev.Message,
			Payload:         bson.M(ev.Payload),
			Sequence:        ev.Sequence,
			CreatedAt:       ev.CreatedAt,
		})
	}

	if _, err := s.events.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("insert events: %w", err)
	}
	return nil
}

// GetInstance returns an instance by ID.
func (s *MongoStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	var doc MongoInstance
	err := s.instances.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("find instance: %w", err)
	}
	return doc.ToInstance(), nil
}

// ListInstances returns instances matching the filter.
func (s *MongoStore) ListInstances(ctx context.Context, filter InstanceFilter) (*InstancePage, error) {
	mongoFilter := bson.M{}
	if filter.TenantID != "" {
		mongoFilter["tenant_id"] = filter.TenantID
	}
	if filter.SagaName != "" {
		mongoFilter["saga_name"] = filter.SagaName
	}
	if len(filter.Status) > 0 {
		mongoFilter["status"] = bson.M{"$in": filter.Status}
	}

	total, err := s.instances.CountDocuments(ctx, mongoFilter)
	if err != nil {
		return nil, fmt.Errorf("count instances: %w", err)
	}

	opts := options.Find().SetSort(bson.D{
		{Key: "started_at", Value: -1},
		{Key: "_id", Value: 1},
	})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	if filter.Offset > 0 {
		opts.SetSkip(int64(filter.Offset))
	}

	cursor, err := s.instances.Find(ctx, mongoFilter, opts)
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	page := &InstancePage{Total: int(total), Items: []*Instance{}}
	for cursor.Next(ctx) {
		var doc MongoInstance
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		page.Items = append(page.Items, doc.ToInstance())
	}
	return page, cursor.Err()
}

// GetStepExecution returns the row for (instance, step index, direction).
func (s *MongoStore) GetStepExecution(ctx context.Context, instanceID string, stepIndex int, dir Direction) (*StepExecution, error) {
	filter := bson.M{
		"instance_id": instanceID,
		"step_index":  stepIndex,
		"direction":   dir,
	}

	var doc mongoStep
	err := s.steps.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", ErrStepExecutionNotFound, stepKey(instanceID, stepIndex, dir))
	}
	if err != nil {
		return nil, fmt.Errorf("find step execution: %w", err)
	}
	return doc.toStepExecution(), nil
}

// ListStepExecutions returns the rows of an instance.
func (s *MongoStore) ListStepExecutions(ctx context.Context, instanceID string) ([]*StepExecution, error) {
	opts := options.Find().SetSort(bson.D{
		{Key: "step_index", Value: 1},
		{Key: "direction", Value: -1}, // "forward" sorts after "compensation"
	})

	cursor, err := s.steps.Find(ctx, bson.M{"instance_id": instanceID}, opts)
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	result := []*StepExecution{}
	for cursor.Next(ctx) {
		var doc mongoStep
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		result = append(result, doc.toStepExecution())
	}
	return result, cursor.Err()
}

// ListEvents returns the events of an instance.
func (s *MongoStore) ListEvents(ctx context.Context, instanceID string) ([]*Event, error) {
	opts := options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}})

	cursor, err := s.events.Find(ctx, bson.M{"instance_id": instanceID}, opts)
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	result := []*Event{}
	for cursor.Next(ctx) {
		var doc mongoEvent
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		result = append(result, doc.toEvent())
	}
	return result, cursor.Err()
}

// Health performs a health check on the MongoDB saga store.
func (s *MongoStore) Health(ctx context.Context) *health.Result {
	start := time.Now()

	if err := s.client.Ping(ctx, nil); err != nil {
		return &health.Result{
			Status:    health.StatusUnhealthy,
			Message:   fmt.Sprintf("mongodb ping failed: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	count, err := s.instances.CountDocuments(ctx, bson.M{})
	if err != nil {
		return &health.Result{
			Status:    health.StatusDegraded,
			Message:   fmt.Sprintf("failed to count instances: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	running, _ := s.instances.CountDocuments(ctx, bson.M{"status": StatusRunning})
	compensating, _ := s.instances.CountDocuments(ctx, bson.M{"status": StatusCompensating})

	return &health.Result{
		Status:    health.StatusHealthy,
		Latency:   time.Since(start),
		CheckedAt: start,
		Details: map[string]any{
			"total_instances":        count,
			"running_instances":      running,
			"compensating_instances": compensating,
			"collection":             s.instances.Name(),
		},
	}
}

// Compile-time checks
var (
	_ Store          = (*MongoStore)(nil)
	_ health.Checker = (*MongoStore)(nil)
)
