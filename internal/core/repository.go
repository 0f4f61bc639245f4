package core

import (
	"context"
)

// Repository is the typed view of one entity kind over a Service. Every
// write still runs through the service, so typed callers get the same
// idempotency, audit and event behaviour as untyped ones.
type Repository[T any] struct {
	svc   *Service
	model *Model[T]
}

// NewRepository binds model to svc. The model's kind must be registered
// with the service.
func NewRepository[T any](svc *Service, model *Model[T]) *Repository[T] {
	return &Repository[T]{svc: svc, model: model}
}

// Kind returns the entity kind the repository serves.
func (r *Repository[T]) Kind() EntityKind { return r.model.Kind }

// Create inserts a new entity.
func (r *Repository[T]) Create(ctx context.Context, meta Meta, fields map[string]any) (T, error) {
	res, err := r.svc.Create(ctx, CreateRequest{Meta: meta, Kind: r.model.Kind, Fields: fields})
	return r.decode(res.Entity, err)
}

// Get loads a live entity.
func (r *Repository[T]) Get(ctx context.Context, tenantID, id string) (T, error) {
	entity, err := r.svc.Get(ctx, tenantID, r.model.Kind, id)
	return r.decode(entity, err)
}

// List pages live entities, newest first.
func (r *Repository[T]) List(ctx context.Context, tenantID string, page Page) ([]T, error) {
	entities, err := r.svc.List(ctx, tenantID, r.model.Kind, page)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(entities))
	for _, e := range entities {
		v, err := r.model.Decode(e)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Update patches fields at the expected version.
func (r *Repository[T]) Update(ctx context.Context, meta Meta, id string, expectedVersion int64, fields map[string]any) (T, error) {
	res, err := r.svc.Update(ctx, UpdateRequest{Meta: meta, Kind: r.model.Kind, ID: id, ExpectedVersion: expectedVersion, Fields: fields})
	return r.decode(res.Entity, err)
}

// Transition moves the entity to target at the expected version.
func (r *Repository[T]) Transition(ctx context.Context, meta Meta, id string, expectedVersion int64, target Status, reason string) (T, error) {
	res, err := r.svc.Transition(ctx, TransitionRequest{
		Meta:            meta,
		Kind:            r.model.Kind,
		ID:              id,
		ExpectedVersion: expectedVersion,
		Target:          target,
		Reason:          reason,
	})
	return r.decode(res.Entity, err)
}

// Delete soft-deletes the entity.
func (r *Repository[T]) Delete(ctx context.Context, meta Meta, id string) error {
	_, err := r.svc.Delete(ctx, DeleteRequest{Meta: meta, Kind: r.model.Kind, ID: id})
	return err
}

func (r *Repository[T]) decode(entity map[string]any, err error) (T, error) {
	if err != nil {
		var zero T
		return zero, err
	}
	return r.model.Decode(entity)
}
