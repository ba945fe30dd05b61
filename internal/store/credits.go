package store

import (
	"context"
	"database/sql"
	"errors"

	"surplus-service/internal/models"
)

const creditColumns = `user_id, period, credits_total, credits_used, plan_amount, active, updated_at`

// UpsertSubscription creates a subscription with a full allowance for period, or
// updates the plan of an existing one. A plan change applies from the next rollover.
func (s *Store) UpsertSubscription(ctx context.Context, userID string, planAmount int, period string) (*models.SubscriptionCredit, error) {
	var c models.SubscriptionCredit
	err := s.db.GetContext(ctx, &c, `
		INSERT INTO subscription_credits (user_id, period, credits_total, credits_used, plan_amount, active)
		VALUES ($1, $2, $3, 0, $3, TRUE)
		ON CONFLICT (user_id) DO UPDATE
		SET plan_amount = EXCLUDED.plan_amount, active = TRUE, updated_at = NOW()
		RETURNING `+creditColumns, userID, period, planAmount)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCredit retrieves the subscription credit row of a user
func (s *Store) GetCredit(ctx context.Context, userID string) (*models.SubscriptionCredit, error) {
	var c models.SubscriptionCredit
	err := s.db.GetContext(ctx, &c, "SELECT "+creditColumns+" FROM subscription_credits WHERE user_id = $1", userID)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// ConsumeCredit atomically increments credits_used within period while below the total
func (s *Store) ConsumeCredit(ctx context.Context, userID, period string) (*models.SubscriptionCredit, error) {
	var c models.SubscriptionCredit
	err := s.db.GetContext(ctx, &c, `
		UPDATE subscription_credits
		SET credits_used = credits_used + 1, updated_at = NOW()
		WHERE user_id = $1 AND period = $2 AND active AND credits_used < credits_total
		RETURNING `+creditColumns, userID, period)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoCredits
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// RefundCredit gives back one credit consumed in period
func (s *Store) RefundCredit(ctx context.Context, userID, period string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscription_credits
		SET credits_used = credits_used - 1, updated_at = NOW()
		WHERE user_id = $1 AND period = $2 AND credits_used > 0`, userID, period)
	if err != nil {
		return false, err
	}
	return applied(res)
}

// RolloverCredit starts period for a user, forfeiting unused credits. Rows already
// in period (or later) are left untouched so concurrent rollovers cannot wipe
// consumptions made after the first one.
func (s *Store) RolloverCredit(ctx context.Context, userID, period string) (*models.SubscriptionCredit, bool, error) {
	var c models.SubscriptionCredit
	err := s.db.GetContext(ctx, &c, `
		UPDATE subscription_credits
		SET period = $2, credits_used = 0, credits_total = plan_amount, updated_at = NOW()
		WHERE user_id = $1 AND period < $2
		RETURNING `+creditColumns, userID, period)
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := s.GetCredit(ctx, userID)
		if getErr != nil {
			return nil, false, getErr
		}
		return current, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &c, true, nil
}

// ListStaleSubscriptions returns active users whose credit period precedes period
func (s *Store) ListStaleSubscriptions(ctx context.Context, period string) ([]string, error) {
	var users []string
	err := s.db.SelectContext(ctx, &users,
		"SELECT user_id FROM subscription_credits WHERE active AND period < $1 ORDER BY user_id", period)
	return users, err
}
