package service

import (
	"context"
	"errors"
	"time"

	"surplus-service/internal/apperr"
	"surplus-service/internal/models"
	"surplus-service/internal/store"
	"surplus-service/internal/util"

	"go.uber.org/zap"
)

// SubscriptionLedger tracks monthly prepaid credits (bonos). Unused credits are
// forfeited when a new period starts.
type SubscriptionLedger struct {
	store  Store
	policy *Policy
	logger *zap.Logger
	loc    *time.Location
	now    Clock
}

// NewSubscriptionLedger creates a new ledger
func NewSubscriptionLedger(store Store, policy *Policy, loc *time.Location, now Clock) *SubscriptionLedger {
	if now == nil {
		now = time.Now
	}
	return &SubscriptionLedger{
		store:  store,
		policy: policy,
		logger: util.GetLogger(),
		loc:    loc,
		now:    now,
	}
}

func (l *SubscriptionLedger) currentPeriod() string {
	return models.PeriodOf(l.now().In(l.loc))
}

// Subscribe creates or updates a user's plan
func (l *SubscriptionLedger) Subscribe(ctx context.Context, actor Actor, userID string, planAmount int) (*models.SubscriptionCredit, error) {
	ctx, span := util.StartSpan(ctx, "SubscriptionLedger.Subscribe")
	defer span.End()

	if err := l.policy.Authorize(actor, OpManageSubscription, Target{UserID: userID}); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "user_id is required")
	}
	if planAmount <= 0 {
		return nil, apperr.New(apperr.CodeInvalidInput, "plan_amount must be positive")
	}

	credit, err := l.store.UpsertSubscription(ctx, userID, planAmount, l.currentPeriod())
	if err != nil {
		return nil, err
	}

	l.logger.Info("Subscription updated",
		zap.String("user_id", userID),
		zap.Int("plan_amount", planAmount))
	return credit, nil
}

// GetBalance returns a user's credits for the current period
func (l *SubscriptionLedger) GetBalance(ctx context.Context, actor Actor, userID string) (*models.SubscriptionCredit, error) {
	ctx, span := util.StartSpan(ctx, "SubscriptionLedger.GetBalance")
	defer span.End()

	if actor.UserID != userID {
		if err := l.policy.Authorize(actor, OpManageSubscription, Target{UserID: userID}); err != nil {
			return nil, err
		}
	}

	period := l.currentPeriod()
	credit, err := l.store.GetCredit(ctx, userID)
	if err != nil {
		return nil, storeError(err, "subscription")
	}
	if credit.Period == period {
		return credit, nil
	}

	credit, _, err = l.store.RolloverCredit(ctx, userID, period)
	if err != nil {
		return nil, storeError(err, "subscription")
	}
	return credit, nil
}

// ConsumeCredit spends one credit of the current period. A stale period is
// rolled over first, so the first reservation of a month sees a fresh allowance.
func (l *SubscriptionLedger) ConsumeCredit(ctx context.Context, userID string) (*models.SubscriptionCredit, error) {
	ctx, span := util.StartSpan(ctx, "SubscriptionLedger.ConsumeCredit")
	defer span.End()

	period := l.currentPeriod()

	if _, _, err := l.store.RolloverCredit(ctx, userID, period); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			util.CreditsRejectedTotal.Inc()
			return nil, apperr.Wrap(err, apperr.CodeNoCredits, "user has no subscription")
		}
		return nil, err
	}

	credit, err := l.store.ConsumeCredit(ctx, userID, period)
	if err != nil {
		if errors.Is(err, store.ErrNoCredits) {
			util.CreditsRejectedTotal.Inc()
		}
		return nil, storeError(err, "subscription")
	}

	util.CreditsConsumedTotal.Inc()
	l.logger.Info("Credit consumed",
		zap.String("user_id", userID),
		zap.String("period", period),
		zap.Int("credits_used", credit.CreditsUsed),
		zap.Int("credits_total", credit.CreditsTotal))
	return credit, nil
}

// RefundCredit returns a credit consumed in period. Refunds for a period that has
// already rolled over are dropped, as are refunds that would go below zero.
func (l *SubscriptionLedger) RefundCredit(ctx context.Context, userID, period string) (bool, error) {
	ctx, span := util.StartSpan(ctx, "SubscriptionLedger.RefundCredit")
	defer span.End()

	refunded, err := l.store.RefundCredit(ctx, userID, period)
	if err != nil {
		return false, err
	}
	if !refunded {
		l.logger.Warn("Credit refund not applied",
			zap.String("user_id", userID),
			zap.String("period", period))
	}
	return refunded, nil
}

// ResetPeriod starts the current period for a user: credits_used=0 and
// credits_total=plan_amount. Already-current rows are left unchanged.
func (l *SubscriptionLedger) ResetPeriod(ctx context.Context, userID string) (*models.SubscriptionCredit, bool, error) {
	ctx, span := util.StartSpan(ctx, "SubscriptionLedger.ResetPeriod")
	defer span.End()

	credit, reset, err := l.store.RolloverCredit(ctx, userID, l.currentPeriod())
	if err != nil {
		return nil, false, storeError(err, "subscription")
	}
	if reset {
		l.logger.Info("Credit period reset",
			zap.String("user_id", userID),
			zap.String("period", credit.Period),
			zap.Int("credits_total", credit.CreditsTotal))
	}
	return credit, reset, nil
}

// RolloverAll resets every active subscription whose period is stale and returns
// how many were reset. One user's failure does not stop the others.
func (l *SubscriptionLedger) RolloverAll(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "SubscriptionLedger.RolloverAll")
	defer span.End()

	users, err := l.store.ListStaleSubscriptions(ctx, l.currentPeriod())
	if err != nil {
		return 0, err
	}

	count := 0
	for _, userID := range users {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}
		_, reset, err := l.ResetPeriod(ctx, userID)
		if err != nil {
			l.logger.Error("Failed to roll over credits", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		if reset {
			count++
		}
	}

	l.logger.Info("Credit rollover completed", zap.Int("reset", count), zap.Int("stale", len(users)))
	return count, nil
}
