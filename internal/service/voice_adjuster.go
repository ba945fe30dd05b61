package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"surplus-service/internal/apperr"
	"surplus-service/internal/models"
	"surplus-service/internal/util"
	"surplus-service/internal/voice"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Parse outcomes
const (
	ParseCandidate = "candidate"
	ParseAmbiguous = "ambiguous"
	ParseNotFound  = "not_found"
)

// CandidateDelta is a proposed additive correction for one menu
type CandidateDelta struct {
	MenuID      string `json:"menu_id" binding:"required"`
	CafeteriaID string `json:"cafeteria_id"`
	DishName    string `json:"dish_name"`
	Quantity    int    `json:"quantity" binding:"required,min=1"`
}

// ParseResult is the outcome of ParseCommand. Ambiguous results list every
// matching menu and never pick one.
type ParseResult struct {
	Outcome    string           `json:"outcome"`
	Fragment   string           `json:"fragment"`
	Quantity   int              `json:"quantity"`
	Candidate  *CandidateDelta  `json:"candidate,omitempty"`
	Candidates []CandidateDelta `json:"candidates,omitempty"`
}

// VoiceConfig bounds staged deltas
type VoiceConfig struct {
	DeltaTTL time.Duration
	MaxDelta int
}

// VoiceStockAdjuster turns voice transcripts into staged, human-confirmed
// additive stock corrections
type VoiceStockAdjuster struct {
	catalog   *MenuCatalog
	store     Store
	parser    voice.Parser
	staging   voice.Staging
	publisher EventPublisher
	policy    *Policy
	logger    *zap.Logger
	cfg       VoiceConfig
	loc       *time.Location
	now       Clock
}

// NewVoiceStockAdjuster creates a new adjuster
func NewVoiceStockAdjuster(
	catalog *MenuCatalog,
	store Store,
	parser voice.Parser,
	staging voice.Staging,
	publisher EventPublisher,
	policy *Policy,
	cfg VoiceConfig,
	loc *time.Location,
	now Clock,
) *VoiceStockAdjuster {
	if now == nil {
		now = time.Now
	}
	return &VoiceStockAdjuster{
		catalog:   catalog,
		store:     store,
		parser:    parser,
		staging:   staging,
		publisher: publisher,
		policy:    policy,
		logger:    util.GetLogger(),
		cfg:       cfg,
		loc:       loc,
		now:       now,
	}
}

// ParseCommand extracts a dish and quantity from transcript and matches the dish
// against the cafeteria's menus for date (today when zero)
func (v *VoiceStockAdjuster) ParseCommand(ctx context.Context, actor Actor, cafeteriaID string, date time.Time, transcript string) (*ParseResult, error) {
	ctx, span := util.StartSpan(ctx, "VoiceStockAdjuster.ParseCommand")
	defer span.End()

	if err := v.policy.Authorize(actor, OpAdjustStock, Target{CafeteriaID: cafeteriaID}); err != nil {
		return nil, err
	}

	cmd, err := v.parser.Parse(ctx, transcript)
	if err != nil {
		if errors.Is(err, voice.ErrSubtractive) || errors.Is(err, voice.ErrNoQuantity) || errors.Is(err, voice.ErrNoDish) {
			util.VoiceDeltasTotal.WithLabelValues("unparsed").Inc()
			return nil, apperr.Wrap(err, apperr.CodeInvalidInput, "could not understand %q", transcript)
		}
		return nil, err
	}

	if date.IsZero() {
		date = localDate(v.now(), v.loc)
	}
	menus, err := v.store.ListMenus(ctx, cafeteriaID, date)
	if err != nil {
		return nil, err
	}

	result := &ParseResult{Fragment: cmd.DishFragment, Quantity: cmd.Quantity}
	for _, m := range menus {
		if voice.Matches(m.Name, cmd.DishFragment) {
			result.Candidates = append(result.Candidates, CandidateDelta{
				MenuID:      m.ID,
				CafeteriaID: m.CafeteriaID,
				DishName:    m.Name,
				Quantity:    cmd.Quantity,
			})
		}
	}

	switch len(result.Candidates) {
	case 0:
		result.Outcome = ParseNotFound
	case 1:
		result.Outcome = ParseCandidate
		result.Candidate = &result.Candidates[0]
		result.Candidates = nil
	default:
		result.Outcome = ParseAmbiguous
	}
	util.VoiceDeltasTotal.WithLabelValues(result.Outcome).Inc()
	return result, nil
}

// StageDelta holds a candidate until confirmed, discarded or timed out
func (v *VoiceStockAdjuster) StageDelta(ctx context.Context, actor Actor, cand *CandidateDelta) (*models.StagedDelta, error) {
	ctx, span := util.StartSpan(ctx, "VoiceStockAdjuster.StageDelta")
	defer span.End()

	if cand.Quantity <= 0 {
		return nil, apperr.New(apperr.CodeInvalidInput, "only additive corrections are accepted")
	}
	if v.cfg.MaxDelta > 0 && cand.Quantity > v.cfg.MaxDelta {
		return nil, apperr.New(apperr.CodeInvalidInput, "quantity %d exceeds the limit of %d", cand.Quantity, v.cfg.MaxDelta)
	}

	menu, err := v.store.GetMenu(ctx, cand.MenuID)
	if err != nil {
		return nil, storeError(err, "menu")
	}
	if err := v.policy.Authorize(actor, OpAdjustStock, Target{CafeteriaID: menu.CafeteriaID}); err != nil {
		return nil, err
	}

	delta := &models.StagedDelta{
		ID:          uuid.New().String(),
		MenuID:      menu.ID,
		CafeteriaID: menu.CafeteriaID,
		DishName:    menu.Name,
		Quantity:    cand.Quantity,
		StagedBy:    actor.UserID,
		ExpiresAt:   v.now().Add(v.cfg.DeltaTTL),
	}
	if err := v.staging.Stage(ctx, delta); err != nil {
		if errors.Is(err, voice.ErrStagingFull) {
			return nil, apperr.Wrap(err, apperr.CodeTooManyStaged, "too many corrections awaiting confirmation")
		}
		return nil, fmt.Errorf("failed to stage delta: %w", err)
	}

	util.VoiceDeltasTotal.WithLabelValues("staged").Inc()
	v.logger.Info("Stock delta staged",
		zap.String("delta_id", delta.ID),
		zap.String("menu_id", delta.MenuID),
		zap.Int("quantity", delta.Quantity),
		zap.String("staged_by", delta.StagedBy))
	return delta, nil
}

// peek loads a staged delta and checks the actor may act on it
func (v *VoiceStockAdjuster) peek(ctx context.Context, actor Actor, deltaID string) error {
	delta, err := v.staging.Peek(ctx, deltaID)
	if err != nil {
		return fmt.Errorf("failed to read delta: %w", err)
	}
	if delta == nil {
		return apperr.New(apperr.CodeDeltaExpired, "delta %s expired or unknown", deltaID)
	}
	return v.policy.Authorize(actor, OpAdjustStock, Target{CafeteriaID: delta.CafeteriaID})
}

// ConfirmDelta applies a staged delta to both stock counters. Each delta applies once.
func (v *VoiceStockAdjuster) ConfirmDelta(ctx context.Context, actor Actor, deltaID string) (*models.Menu, error) {
	ctx, span := util.StartSpan(ctx, "VoiceStockAdjuster.ConfirmDelta")
	defer span.End()

	if err := v.peek(ctx, actor, deltaID); err != nil {
		return nil, err
	}

	delta, err := v.staging.Take(ctx, deltaID)
	if err != nil {
		return nil, fmt.Errorf("failed to take delta: %w", err)
	}
	if delta == nil {
		return nil, apperr.New(apperr.CodeDeltaExpired, "delta %s expired or already applied", deltaID)
	}

	menu, err := v.catalog.addStock(ctx, delta.MenuID, delta.Quantity)
	if err != nil {
		return nil, err
	}

	util.VoiceDeltasTotal.WithLabelValues("confirmed").Inc()
	v.logger.Info("Stock delta applied",
		zap.String("delta_id", delta.ID),
		zap.String("menu_id", menu.ID),
		zap.Int("quantity", delta.Quantity),
		zap.Int("stock_total", menu.StockTotal),
		zap.Int("stock_available", menu.StockAvailable))

	event := &models.StockAdjustedEvent{
		BaseEvent:      baseEvent(models.EventTypeStockAdjusted, v.now()),
		MenuID:         menu.ID,
		Delta:          delta.Quantity,
		StockTotal:     menu.StockTotal,
		StockAvailable: menu.StockAvailable,
		AdjustedBy:     actor.UserID,
	}
	if err := v.publisher.PublishStockAdjusted(ctx, event); err != nil {
		v.logger.Error("Failed to publish StockAdjusted event", zap.Error(err))
	}
	return menu, nil
}

// DiscardDelta drops a staged delta without applying it
func (v *VoiceStockAdjuster) DiscardDelta(ctx context.Context, actor Actor, deltaID string) error {
	ctx, span := util.StartSpan(ctx, "VoiceStockAdjuster.DiscardDelta")
	defer span.End()

	if err := v.peek(ctx, actor, deltaID); err != nil {
		return err
	}
	if _, err := v.staging.Take(ctx, deltaID); err != nil {
		return fmt.Errorf("failed to discard delta: %w", err)
	}

	util.VoiceDeltasTotal.WithLabelValues("discarded").Inc()
	v.logger.Info("Stock delta discarded", zap.String("delta_id", deltaID))
	return nil
}
