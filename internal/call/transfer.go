package call

import (
	"context"
	"log/slog"
	"time"

	"github.com/chadiek/call-receptionist/internal/telephony"
)

// runTransfer waits for the announcement to finish, then asks the switch to move
// the call. Every attempt carries the same idempotency key. A rejection is final;
// errors are retried with doubling backoff.
func (s *Session) runTransfer(ctx context.Context, req telephony.TransferRequest, announced <-chan struct{}) (telephony.TransferResult, error) {
	select {
	case <-announced:
	case <-ctx.Done():
		return telephony.TransferResult{}, ctx.Err()
	}
	policy := s.cfg.Transfer
	if err := sleep(ctx, policy.Delay); err != nil {
		return telephony.TransferResult{}, err
	}

	backoff := policy.Backoff
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		// an attempt in flight is not abandoned when the session is canceled
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), policy.AttemptTimeout)
		res, err := s.tel.Transfer(actx, req)
		cancel()
		if err == nil {
			s.logger.Info("transfer answered",
				slog.String("status", string(res.Status)),
				slog.String("reason", res.Reason),
				slog.Int("attempt", attempt))
			return res, nil
		}
		lastErr = err
		s.logger.Warn("transfer attempt failed", slog.Int("attempt", attempt), slog.Any("err", err))
		if attempt < policy.MaxAttempts {
			s.obs.TransferAttempt("retry")
			if err := sleep(ctx, backoff); err != nil {
				return telephony.TransferResult{}, err
			}
			backoff *= 2
		}
	}
	return telephony.TransferResult{}, lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
