package refresh

import (
	"context"
	"time"

	"walletwatch-backend/lib/timezone"
	"walletwatch-backend/services/refresh/db"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Daily refresh quota, bucketed by the calendar day the call lands in
// (fixed timezone, see lib/timezone). Independent of the per-entity
// cooldown: it limits how many refresh calls one user may issue per day
// across all their entities, not how often one entity may be refreshed.

func (s Service) quotaLimit(kind Kind) int64 {
	switch kind {
	case KindWallet:
		return s.config.WalletDailyQuota
	case KindBill:
		return s.config.BillDailyQuota
	}
	return 0
}

func (s Service) consumeQuota(ctx context.Context, identity string, kind Kind) error {
	ctx, span := tracer.Start(ctx, "consumeQuota")
	defer span.End()
	span.SetAttributes(
		attribute.String("identity", identity),
		attribute.String("kind", string(kind)),
	)

	limit := s.quotaLimit(kind)
	if limit <= 0 {
		return nil
	}

	now := s.now()
	rows, err := s.qry.IncrementQuota(ctx, db.IncrementQuotaParams{
		UserEmail: identity,
		Day:       timezone.DayKey(now),
		Kind:      string(kind),
		Limit:     limit,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if rows == 0 {
		span.SetStatus(codes.Error, "quota exceeded")
		return QuotaExceededError{
			Limit:   limit,
			ResetAt: timezone.NextDayStart(now),
		}
	}
	return nil
}

type QuotaState struct {
	Limited   bool
	Remaining int64
	ResetAt   time.Time
}

// QuotaState reports the caller's remaining budget for response
// headers. Privileged identities are never limited.
func (s Service) QuotaState(ctx context.Context, identity string, kind Kind) (QuotaState, error) {
	limit := s.quotaLimit(kind)
	if limit <= 0 || s.config.IsPrivileged(identity) {
		return QuotaState{}, nil
	}

	now := s.now()
	count, err := s.qry.GetQuotaCount(ctx, db.GetQuotaCountParams{
		UserEmail: identity,
		Day:       timezone.DayKey(now),
		Kind:      string(kind),
	})
	if err != nil {
		return QuotaState{}, err
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return QuotaState{
		Limited:   true,
		Remaining: remaining,
		ResetAt:   timezone.NextDayStart(now),
	}, nil
}
