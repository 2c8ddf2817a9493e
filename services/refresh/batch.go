package refresh

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// chunk-size ceiling: every in-flight item may hold a whole browser
// process, so unbounded fan-out is resource exhaustion
const MaxBatchSize = 5

const defaultBatchSize = 3

type BatchItem struct {
	EntityID string         `json:"entityId"`
	Kind     Kind           `json:"kind"`
	Result   *RefreshResult `json:"result,omitempty"`
	Skipped  bool           `json:"skipped,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Error    string         `json:"error,omitempty"`
}

type batchEntity struct {
	id   string
	kind Kind
}

// RefreshAll fans the refresh pipeline out over every entity the user
// owns, in bounded chunks. Chunks run sequentially; items inside a
// chunk run concurrently and one item's failure never aborts or blocks
// its siblings. The quota is consumed once per kind for the whole
// batch, not once per entity, since the user issued a single call.
func (s Service) RefreshAll(ctx context.Context, identity string, batchSize int) ([]BatchItem, error) {
	ctx, span := tracer.Start(ctx, "RefreshAll")
	defer span.End()
	span.SetAttributes(
		attribute.String("identity", identity),
		attribute.Int("batch_size", batchSize),
	)

	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if batchSize > MaxBatchSize {
		batchSize = MaxBatchSize
	}

	entities, err := s.listEntities(ctx, identity)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	privileged := s.config.IsPrivileged(identity)
	quotaErr := map[Kind]error{}
	if !privileged {
		for _, kind := range []Kind{KindWallet, KindBill} {
			if !containsKind(entities, kind) {
				continue
			}
			err := s.consumeQuota(ctx, identity, kind)
			var exceeded QuotaExceededError
			if err != nil && !errors.As(err, &exceeded) {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
			quotaErr[kind] = err
		}
	}

	results := make([]BatchItem, len(entities))
	for start := 0; start < len(entities); start += batchSize {
		end := start + batchSize
		if end > len(entities) {
			end = len(entities)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = s.refreshBatchItem(ctx, entities[i], privileged, quotaErr[entities[i].kind])
			}(i)
		}
		wg.Wait()
	}

	return results, nil
}

func (s Service) listEntities(ctx context.Context, identity string) ([]batchEntity, error) {
	var entities []batchEntity

	accounts, err := s.qry.ListWalletAccounts(ctx, identity)
	if err != nil {
		return nil, err
	}
	for _, a := range accounts {
		entities = append(entities, batchEntity{id: a.ID, kind: KindWallet})
	}

	services, err := s.qry.ListBillableServices(ctx, identity)
	if err != nil {
		return nil, err
	}
	for _, svc := range services {
		entities = append(entities, batchEntity{id: svc.ServiceNumber, kind: KindBill})
	}

	return entities, nil
}

func (s Service) refreshBatchItem(ctx context.Context, entity batchEntity, privileged bool, quotaErr error) BatchItem {
	item := BatchItem{EntityID: entity.id, Kind: entity.kind}

	if quotaErr != nil {
		item.Skipped = true
		item.Reason = quotaErr.Error()
		return item
	}

	result, err := s.refreshEntity(ctx, entity.kind, entity.id, privileged)
	switch {
	case err == nil:
		item.Result = &result
	case IsControlFlowRejection(err):
		item.Skipped = true
		item.Reason = err.Error()
	default:
		// the pipeline already persisted last_error for this entity
		item.Error = err.Error()
	}
	return item
}

func containsKind(entities []batchEntity, kind Kind) bool {
	for _, e := range entities {
		if e.kind == kind {
			return true
		}
	}
	return false
}
