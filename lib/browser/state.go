package browser

import (
	"context"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// StateStore persists storage-state blobs between scrapes, keyed by the
// entity that owns the session. the blobs are opaque to everyone else.
type StateStore struct {
	db *badger.DB
}

func NewStateStore(db *badger.DB) StateStore {
	return StateStore{db: db}
}

func (s StateStore) key(entityId string) []byte {
	return []byte("storage_state:" + entityId)
}

// Get returns nil bytes when no state has been captured yet; a cold
// start is not an error, every scrape must work without a seed.
func (s StateStore) Get(ctx context.Context, entityId string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "state:Get")
	defer span.End()
	span.SetAttributes(attribute.String("entity", entityId))

	tx := s.db.NewTransaction(false)
	defer tx.Discard()

	item, err := tx.Get(s.key(entityId))
	if err == badger.ErrKeyNotFound {
		span.SetStatus(codes.Ok, "STATE MISS")
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read state from badger")
		return nil, err
	}

	state, err := item.ValueCopy(nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to copy state value")
		return nil, err
	}
	return state, nil
}

func (s StateStore) Set(ctx context.Context, entityId string, state []byte) error {
	ctx, span := tracer.Start(ctx, "state:Set")
	defer span.End()
	span.SetAttributes(
		attribute.String("entity", entityId),
		attribute.Int("size", len(state)),
	)

	if len(state) == 0 {
		return nil
	}

	tx := s.db.NewTransaction(true)
	defer tx.Discard()

	err := tx.Set(s.key(entityId), state)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to set badger item")
		return err
	}
	err = tx.Commit()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to commit badger tx")
		return err
	}
	return nil
}

func (s StateStore) Delete(ctx context.Context, entityId string) error {
	tx := s.db.NewTransaction(true)
	defer tx.Discard()

	err := tx.Delete(s.key(entityId))
	if err != nil {
		return err
	}
	return tx.Commit()
}
