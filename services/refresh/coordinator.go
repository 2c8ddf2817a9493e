package refresh

import (
	"context"
	"time"

	"walletwatch-backend/services/refresh/db"
)

// Per-entity admission. The persisted refresh_in_progress flag is the
// only mutual-exclusion primitive; acquisition is a single conditional
// update so two near-simultaneous requests can never both observe
// "unlocked" and both proceed. A lock whose locked_at is older than the
// staleness threshold was abandoned by a crashed process and is
// reclaimed by the same statement.

func (s Service) acquireWalletLock(ctx context.Context, account db.WalletAccount, privileged bool) error {
	now := s.now()

	if privileged {
		return s.qry.ForceWalletLock(ctx, db.ForceWalletLockParams{
			LockedAt: now.Unix(),
			ID:       account.ID,
		})
	}

	if err := cooldownRemaining(now, account.NextAllowedAt); err != nil {
		return err
	}

	rows, err := s.qry.AcquireWalletLock(ctx, db.AcquireWalletLockParams{
		LockedAt:    now.Unix(),
		ID:          account.ID,
		StaleBefore: now.Add(-s.config.StaleLockThreshold).Unix(),
	})
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAlreadyRefreshing
	}
	return nil
}

func (s Service) acquireServiceLock(ctx context.Context, service db.BillableService, privileged bool) error {
	now := s.now()

	if privileged {
		return s.qry.ForceServiceLock(ctx, db.ForceServiceLockParams{
			LockedAt:      now.Unix(),
			ServiceNumber: service.ServiceNumber,
		})
	}

	if err := cooldownRemaining(now, service.NextAllowedAt); err != nil {
		return err
	}

	rows, err := s.qry.AcquireServiceLock(ctx, db.AcquireServiceLockParams{
		LockedAt:      now.Unix(),
		ServiceNumber: service.ServiceNumber,
		StaleBefore:   now.Add(-s.config.StaleLockThreshold).Unix(),
	})
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAlreadyRefreshing
	}
	return nil
}

func cooldownRemaining(now time.Time, nextAllowedAt int64) error {
	if now.Unix() >= nextAllowedAt {
		return nil
	}
	return CooldownActiveError{
		Remaining: time.Unix(nextAllowedAt, 0).Sub(now),
	}
}
