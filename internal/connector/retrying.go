package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/logger"
	"github.com/dvloznov/bank-reconciler/internal/retry"
)

// Retrying wraps a Connector with the shared retry policy and a per-call timeout.
type Retrying struct {
	next    Connector
	policy  retry.Policy
	timeout time.Duration
}

// NewRetrying retries transient failures of next according to policy. A zero
// timeout leaves each call bounded only by the caller's context.
func NewRetrying(next Connector, policy retry.Policy, timeout time.Duration) *Retrying {
	policy.Retryable = IsTransient
	return &Retrying{next: next, policy: policy, timeout: timeout}
}

// FetchPage implements Connector. Failures come back as *FetchError.
func (r *Retrying) FetchPage(ctx context.Context, accountID, cursor string, pageSize int) (Page, error) {
	log := logger.FromContext(ctx)

	var (
		page     Page
		attempts int
	)
	err := r.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		attempts = attempt

		callCtx := ctx
		if r.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}

		p, err := r.next.FetchPage(callCtx, accountID, cursor, pageSize)
		if err != nil {
			if IsTransient(err) {
				log.Warn().
					Err(err).
					Str("account_id", accountID).
					Str("cursor", cursor).
					Int("attempt", attempt).
					Msg("Transient connector error")
			}
			return err
		}
		page = p
		return nil
	})
	if err != nil {
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			err = exhausted.Err
		}
		return Page{}, &FetchError{AccountID: accountID, Cursor: cursor, Attempts: attempts, Err: err}
	}

	for i := range page.Records {
		if page.Records[i].AccountID == "" {
			page.Records[i].AccountID = accountID
		}
	}
	return page, nil
}

// CursorAt implements Seeker when the wrapped connector does, with the same
// retries and timeout as FetchPage.
func (r *Retrying) CursorAt(ctx context.Context, accountID string, since time.Time) (string, error) {
	seeker, ok := r.next.(Seeker)
	if !ok {
		return "", ErrSeekUnsupported
	}

	var cursor string
	err := r.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		callCtx := ctx
		if r.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		c, err := seeker.CursorAt(callCtx, accountID, since)
		if err != nil {
			return err
		}
		cursor = c
		return nil
	})
	if err != nil {
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			err = exhausted.Err
		}
		return "", fmt.Errorf("seeking account %s to %s: %w", accountID, since.Format(time.DateOnly), err)
	}
	return cursor, nil
}

var (
	_ Connector = (*Retrying)(nil)
	_ Seeker    = (*Retrying)(nil)
)
