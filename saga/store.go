package saga

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/event/v3/health"
)

// Store persists definitions, instances, step executions and events.
//
// Implementations must be safe for concurrent use. Each Commit is atomic:
// either the instance, the step row and all events are written, or none is.
//
// Implementations:
//   - MemoryStore: for tests and single-process use
//   - PostgresStore: SQL transactions (see postgres.go)
//   - MongoStore: multi-document transactions (see mongodb.go)
type Store interface {
	// SaveDefinition stores a new definition version. A zero Version is
	// assigned latest+1. Saving an active version deactivates the other
	// versions of the same (tenant, name).
	SaveDefinition(ctx context.Context, def *Definition) error

	// GetDefinition returns a definition by ID.
	GetDefinition(ctx context.Context, id string) (*Definition, error)

	// GetActiveDefinition returns the active version for (tenant, name).
	// Returns ErrDefinitionNotFound when no version is active.
	GetActiveDefinition(ctx context.Context, tenantID, name string) (*Definition, error)

	// LatestDefinition returns the highest version for (tenant, name),
	// active or not.
	LatestDefinition(ctx context.Context, tenantID, name string) (*Definition, error)

	// SetDefinitionActive activates or deactivates a version. Activating
	// deactivates the other versions of the same (tenant, name).
	SetDefinitionActive(ctx context.Context, id string, active bool) error

	// CreateInstance persists a new instance together with its first events.
	CreateInstance(ctx context.Context, inst *Instance, events ...*Event) error

	// Commit atomically applies a transition.
	Commit(ctx context.Context, tx *Transition) error

	// GetInstance returns an instance by ID.
	GetInstance(ctx context.Context, id string) (*Instance, error)

	// ListInstances returns instances matching the filter, most recently
	// started first.
	ListInstances(ctx context.Context, filter InstanceFilter) (*InstancePage, error)

	// GetStepExecution returns the row for (instance, step index, direction).
	GetStepExecution(ctx context.Context, instanceID string, stepIndex int, dir Direction) (*StepExecution, error)

	// ListStepExecutions returns the rows of an instance ordered by step
	// index, forward before compensation.
	ListStepExecutions(ctx context.Context, instanceID string) ([]*StepExecution, error)

	// ListEvents returns the events of an instance ordered by sequence.
	ListEvents(ctx context.Context, instanceID string) ([]*Event, error)
}

// Transition is one atomic state change.
//
// All fields are optional.
//   - Instance is written with optimistic locking: the stored Version must
//     equal Instance.Version, which is incremented on success. Otherwise
//     the commit fails with ErrVersionConflict and nothing is written.
//   - Step is upserted by (instance, step index, direction). An existing
//     row keeps its ID.
//   - Events are appended. ID, Sequence and CreatedAt are assigned.
type Transition struct {
	Instance *Instance
	Step     *StepExecution
	Events   []*Event
}

// InstanceFilter specifies criteria for listing instances.
//
// All fields are optional. Empty filter returns all instances.
//
// Example:
//
//	// Find failed demand-to-cash sagas of a tenant
//	filter := saga.InstanceFilter{
//	    TenantID: "acme",
//	    SagaName: "demand-to-cash",
//	    Status:   []saga.Status{saga.StatusFailed},
//	    Limit:    50,
//	}
type InstanceFilter struct {
	TenantID string   // Filter by tenant (empty = all tenants)
	Status   []Status // Filter by status (empty = all statuses)
	SagaName string   // Filter by saga name (empty = all names)
	Limit    int      // Maximum results (0 = no limit)
	Offset   int      // Results to skip
}

// InstancePage is one page of ListInstances results.
type InstancePage struct {
	Items []*Instance `json:"items"`
	Total int         `json:"total"` // matches before pagination
}

func newID() string {
	return uuid.NewString()
}

func stepKey(instanceID string, idx int, dir Direction) string {
	return fmt.Sprintf("%s/%d/%s", instanceID, idx, dir)
}

func statusIn(s Status, set []Status) bool {
	if len(set) == 0 {
		return true
	}
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}

func directionOrder(d Direction) int {
	if d == DirectionCompensation {
		return 1
	}
	return 0
}

// MemoryStore is an in-memory store for testing and single-process use.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]*Definition
	instances   map[string]*Instance
	steps       map[string]*StepExecution
	events      map[string][]*Event
	now         func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]*Definition),
		instances:   make(map[string]*Instance),
		steps:       make(map[string]*StepExecution),
		events:      make(map[string][]*Event),
		now:         time.Now,
	}
}

func cloneDefinition(d *Definition) *Definition {
	c := *d
	c.Steps = append([]StepConfig(nil), d.Steps...)
	return &c
}

// SaveDefinition stores a new definition version.
func (s *MemoryStore) SaveDefinition(ctx context.Context, def *Definition) error {
	if def == nil {
		return fmt.Errorf("definition is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	latest := 0
	for _, d := range s.definitions {
		if d.TenantID != def.TenantID || d.Name != def.Name {
			continue
		}
		if def.Version != 0 && d.Version == def.Version {
			return fmt.Errorf("%w: %s/%s v%d", ErrDefinitionExists, def.TenantID, def.Name, def.Version)
		}
		if d.Version > latest {
			latest = d.Version
		}
	}

	if def.ID == "" {
		def.ID = newID()
	}
	if def.Version == 0 {
		def.Version = latest + 1
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = s.now()
	}
	if def.Active {
		s.deactivateLocked(def.TenantID, def.Name)
	}
	s.definitions[def.ID] = cloneDefinition(def)
	return nil
}

func (s *MemoryStore) deactivateLocked(tenantID, name string) {
	for _, d := range s.definitions {
		if d.TenantID == tenantID && d.Name == name {
			d.Active = false
		}
	}
}

// GetDefinition returns a definition by ID.
func (s *MemoryStore) GetDefinition(ctx context.Context, id string) (*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.definitions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, id)
	}
	return cloneDefinition(d), nil
}

// GetActiveDefinition returns the active version for (tenant, name).
func (s *MemoryStore) GetActiveDefinition(ctx context.Context, tenantID, name string) (*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, d := range s.definitions {
		if d.TenantID == tenantID && d.Name == name && d.Active {
			return cloneDefinition(d), nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrDefinitionNotFound, tenantID, name)
}

// LatestDefinition returns the highest version for (tenant, name).
func (s *MemoryStore) LatestDefinition(ctx context.Context, tenantID, name string) (*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *Definition
	for _, d := range s.definitions {
		if d.TenantID != tenantID || d.Name != name {
			continue
		}
		if latest == nil || d.Version > latest.Version {
			latest = d
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrDefinitionNotFound, tenantID, name)
	}
	return cloneDefinition(latest), nil
}

// SetDefinitionActive activates or deactivates a version.
func (s *MemoryStore) SetDefinitionActive(ctx context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.definitions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDefinitionNotFound, id)
	}
	if active {
		s.deactivateLocked(d.TenantID, d.Name)
	}
	d.Active = active
	return nil
}

// CreateInstance persists a new instance and its first events.
func (s *MemoryStore) CreateInstance(ctx context.Context, inst *Instance, events ...*Event) error {
	if inst == nil {
		return fmt.Errorf("instance is nil")
	}
	if inst.ID == "" {
		return fmt.Errorf("instance ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return fmt.Errorf("%w: %s", ErrInstanceExists, inst.ID)
	}
	s.instances[inst.ID] = inst.Clone()
	s.appendEventsLocked(events)
	return nil
}

// Commit atomically applies a transition.
func (s *MemoryStore) Commit(ctx context.Context, tx *Transition) error {
	if tx == nil {
		return fmt.Errorf("transition is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.Instance != nil {
		existing, ok := s.instances[tx.Instance.ID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrInstanceNotFound, tx.Instance.ID)
		}
		if existing.Version != tx.Instance.Version {
			return NewVersionConflictError(tx.Instance.ID, tx.Instance.Version, existing.Version)
		}
	}

	if tx.Instance != nil {
		tx.Instance.Version++
		s.instances[tx.Instance.ID] = tx.Instance.Clone()
	}

	if tx.Step != nil {
		key := stepKey(tx.Step.InstanceID, tx.Step.StepIndex, tx.Step.Direction)
		if existing, ok := s.steps[key]; ok {
			tx.Step.ID = existing.ID
		} else if tx.Step.ID == "" {
			tx.Step.ID = newID()
		}
		s.steps[key] = tx.Step.Clone()
	}

	s.appendEventsLocked(tx.Events)
	return nil
}

func (s *MemoryStore) appendEventsLocked(events []*Event) {
	for _, ev := range events {
		if ev == nil {
			continue
		}
		if ev.ID == "" {
			ev.ID = newID()
		}
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = s.now()
		}
		ev.Sequence = int64(len(s.events[ev.InstanceID]) + 1)
		s.events[ev.InstanceID] = append(s.events[ev.InstanceID], ev.Clone())
	}
}

// GetInstance returns an instance by ID.
func (s *MemoryStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	return inst.Clone(), nil
}

// ListInstances returns instances matching the filter.
func (s *MemoryStore) ListInstances(ctx context.Context, filter InstanceFilter) (*InstancePage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Instance
	for _, inst := range s.instances {
		if filter.TenantID != "" && inst.TenantID != filter.TenantID {
			continue
		}
		if filter.SagaName != "" && inst.SagaName != filter.SagaName {
			continue
		}
		if !statusIn(inst.Status, filter.Status) {
			continue
		}
		matched = append(matched, inst)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].StartedAt.Equal(matched[j].StartedAt) {
			return matched[i].StartedAt.After(matched[j].StartedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	page := &InstancePage{Total: len(matched), Items: []*Instance{}}
	if filter.Offset >= len(matched) {
		return page, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	for _, inst := range matched {
		page.Items = append(page.Items, inst.Clone())
	}
	return page, nil
}

// GetStepExecution returns the row for (instance, step index, direction).
func (s *MemoryStore) GetStepExecution(ctx context.Context, instanceID string, stepIndex int, dir Direction) (*StepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.steps[stepKey(instanceID, stepIndex, dir)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStepExecutionNotFound, stepKey(instanceID, stepIndex, dir))
	}
	return row.Clone(), nil
}

// ListStepExecutions returns the rows of an instance.
func (s *MemoryStore) ListStepExecutions(ctx context.Context, instanceID string) ([]*StepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := []*StepExecution{}
	for _, row := range s.steps {
		if row.InstanceID == instanceID {
			rows = append(rows, row.Clone())
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].StepIndex != rows[j].StepIndex {
			return rows[i].StepIndex < rows[j].StepIndex
		}
		return directionOrder(rows[i].Direction) < directionOrder(rows[j].Direction)
	})
	return rows, nil
}

// ListEvents returns the events of an instance.
func (s *MemoryStore) ListEvents(ctx context.Context, instanceID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]*Event, 0, len(s.events[instanceID]))
	for _, ev := range s.events[instanceID] {
		events = append(events, ev.Clone())
	}
	return events, nil
}

// Health performs a health check on the memory store.
// Always returns healthy since in-memory stores don't have connectivity issues.
func (s *MemoryStore) Health(ctx context.Context) *health.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()

	active := 0
	for _, inst := range s.instances {
		if !inst.Status.Terminal() {
			active++
		}
	}

	return &health.Result{
		Status:    health.StatusHealthy,
		CheckedAt: time.Now(),
		Details: map[string]any{
			"definitions_count": len(s.definitions),
			"instances_count":   len(s.instances),
			"active_count":      active,
		},
	}
}

// Compile-time checks
var (
	_ Store          = (*MemoryStore)(nil)
	_ health.Checker = (*MemoryStore)(nil)
)
