package saga

import (
	"context"
	"errors"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/rbaliyan/event-saga/dispatch"
)

// Validate checks a step configuration.
func (c StepConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Name, validation.Required),
		validation.Field(&c.Kind, validation.Required, validation.By(validKind)),
		validation.Field(&c.Target, validation.Required),
		validation.Field(&c.Action, validation.Required),
		validation.Field(&c.CompensationAction, validation.Required.Error("must be declared, use saga.NoCompensation for none")),
		validation.Field(&c.Timeout, validation.Min(0)),
		validation.Field(&c.MaxRetries, validation.Min(0)),
	)
}

func validKind(value any) error {
	kind, _ := value.(dispatch.Kind)
	if !kind.Valid() {
		return fmt.Errorf("unknown target kind %q", kind)
	}
	return nil
}

// Validate checks a definition.
func (d *Definition) Validate() error {
	err := validation.ValidateStruct(d,
		validation.Field(&d.TenantID, validation.Required),
		validation.Field(&d.Name, validation.Required),
		validation.Field(&d.Steps, validation.Required),
		validation.Field(&d.Timeout, validation.Min(0)),
		validation.Field(&d.MaxRetries, validation.Min(0)),
		validation.Field(&d.RetryDelay, validation.Min(0)),
	)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(d.Steps))
	for _, step := range d.Steps {
		if seen[step.Name] {
			return validation.Errors{"steps": fmt.Errorf("duplicate step name %q", step.Name)}
		}
		seen[step.Name] = true
	}
	return nil
}

// EnsureDefinition saves def as version 1 when (tenant, name) has no
// definition yet, and returns the latest stored version otherwise.
//
// Trigger adapters call it on every start. The returned definition may be
// inactive, in which case StartSaga fails with ErrDefinitionInactive.
func EnsureDefinition(ctx context.Context, store Store, def *Definition) (*Definition, error) {
	latest, err := store.LatestDefinition(ctx, def.TenantID, def.Name)
	if err == nil {
		return latest, nil
	}
	if !errors.Is(err, ErrDefinitionNotFound) {
		return nil, fmt.Errorf("load definition: %w", err)
	}

	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid definition %s: %w", def.Name, err)
	}

	stored := cloneDefinition(def)
	stored.ID = ""
	stored.Version = 1
	stored.Active = true
	if err := store.SaveDefinition(ctx, stored); err != nil {
		// Lost a race with another process creating version 1.
		if errors.Is(err, ErrDefinitionExists) {
			return store.LatestDefinition(ctx, def.TenantID, def.Name)
		}
		return nil, fmt.Errorf("save definition: %w", err)
	}
	return stored, nil
}

// PublishDefinition saves def as a new active version (latest+1).
// Running instances keep the version they started with.
func PublishDefinition(ctx context.Context, store Store, def *Definition) (*Definition, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid definition %s: %w", def.Name, err)
	}

	stored := cloneDefinition(def)
	stored.ID = ""
	stored.Version = 0
	stored.Active = true
	if err := store.SaveDefinition(ctx, stored); err != nil {
		return nil, fmt.Errorf("save definition: %w", err)
	}
	return stored, nil
}
