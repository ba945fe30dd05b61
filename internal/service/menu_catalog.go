package service

import (
	"context"
	"strings"
	"time"

	"surplus-service/internal/apperr"
	"surplus-service/internal/models"
	"surplus-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MenuCatalog owns menus and their stock counters
type MenuCatalog struct {
	store  Store
	policy *Policy
	logger *zap.Logger
	loc    *time.Location
	now    Clock
}

// NewMenuCatalog creates a new menu catalog
func NewMenuCatalog(store Store, policy *Policy, loc *time.Location, now Clock) *MenuCatalog {
	if now == nil {
		now = time.Now
	}
	return &MenuCatalog{
		store:  store,
		policy: policy,
		logger: util.GetLogger(),
		loc:    loc,
		now:    now,
	}
}

// CreateMenuRequest represents a staff-created menu
type CreateMenuRequest struct {
	CafeteriaID      string    `json:"cafeteria_id" binding:"required"`
	Name             string    `json:"name" binding:"required"`
	Description      string    `json:"description"`
	Date             string    `json:"date" binding:"required"`
	Stock            int       `json:"stock" binding:"min=0"`
	PriceOriginal    int64     `json:"price_original" binding:"min=0"`
	PriceDiscounted  int64     `json:"price_discounted" binding:"min=0"`
	ReservationStart time.Time `json:"reservation_start" binding:"required"`
	ReservationEnd   time.Time `json:"reservation_end" binding:"required"`
	PickupStart      time.Time `json:"pickup_start" binding:"required"`
	PickupEnd        time.Time `json:"pickup_end" binding:"required"`
	IsSurprise       bool      `json:"is_surprise"`
}

// CreateMenu validates and stores a one-off menu
func (c *MenuCatalog) CreateMenu(ctx context.Context, actor Actor, req *CreateMenuRequest) (*models.Menu, error) {
	ctx, span := util.StartSpan(ctx, "MenuCatalog.CreateMenu")
	defer span.End()

	if err := c.policy.Authorize(actor, OpManageMenu, Target{CafeteriaID: req.CafeteriaID}); err != nil {
		return nil, err
	}

	date, err := time.Parse(models.DateLayout, req.Date)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInvalidInput, "date must be YYYY-MM-DD")
	}

	menu := &models.Menu{
		ID:               uuid.New().String(),
		CafeteriaID:      req.CafeteriaID,
		Name:             strings.TrimSpace(req.Name),
		Description:      req.Description,
		Date:             date,
		StockTotal:       req.Stock,
		StockAvailable:   req.Stock,
		PriceOriginal:    req.PriceOriginal,
		PriceDiscounted:  req.PriceDiscounted,
		ReservationStart: req.ReservationStart,
		ReservationEnd:   req.ReservationEnd,
		PickupStart:      req.PickupStart,
		PickupEnd:        req.PickupEnd,
		IsSurprise:       req.IsSurprise,
	}
	if err := validateMenu(menu); err != nil {
		return nil, err
	}

	if err := c.store.CreateMenu(ctx, menu); err != nil {
		return nil, storeError(err, "menu")
	}

	c.logger.Info("Menu created",
		zap.String("menu_id", menu.ID),
		zap.String("cafeteria_id", menu.CafeteriaID),
		zap.Int("stock", menu.StockTotal))

	return menu, nil
}

func validateMenu(m *models.Menu) error {
	switch {
	case m.CafeteriaID == "":
		return apperr.New(apperr.CodeInvalidInput, "cafeteria_id is required")
	case m.Name == "":
		return apperr.New(apperr.CodeInvalidInput, "name is required")
	case m.StockTotal < 0 || m.StockAvailable < 0 || m.StockAvailable > m.StockTotal:
		return apperr.New(apperr.CodeInvalidInput, "stock must satisfy 0 <= available <= total")
	case m.PriceOriginal < 0 || m.PriceDiscounted < 0:
		return apperr.New(apperr.CodeInvalidInput, "prices must not be negative")
	case m.PriceDiscounted > m.PriceOriginal:
		return apperr.New(apperr.CodeInvalidInput, "discounted price exceeds original price")
	case !m.ReservationStart.Before(m.ReservationEnd):
		return apperr.New(apperr.CodeInvalidInput, "reservation window must end after it starts")
	case !m.PickupStart.Before(m.PickupEnd):
		return apperr.New(apperr.CodeInvalidInput, "pickup window must end after it starts")
	}
	return nil
}

// GetMenu retrieves a menu
func (c *MenuCatalog) GetMenu(ctx context.Context, actor Actor, id string) (*models.Menu, error) {
	ctx, span := util.StartSpan(ctx, "MenuCatalog.GetMenu")
	defer span.End()

	menu, err := c.store.GetMenu(ctx, id)
	if err != nil {
		return nil, storeError(err, "menu")
	}
	if err := c.policy.Authorize(actor, OpViewMenu, Target{CafeteriaID: menu.CafeteriaID}); err != nil {
		return nil, err
	}
	return menu, nil
}

// ListMenus lists a cafeteria's menus for a date; a zero date means today
func (c *MenuCatalog) ListMenus(ctx context.Context, actor Actor, cafeteriaID string, date time.Time) ([]models.Menu, error) {
	ctx, span := util.StartSpan(ctx, "MenuCatalog.ListMenus")
	defer span.End()

	if err := c.policy.Authorize(actor, OpViewMenu, Target{CafeteriaID: cafeteriaID}); err != nil {
		return nil, err
	}
	if cafeteriaID == "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "cafeteria_id is required")
	}
	if date.IsZero() {
		date = localDate(c.now(), c.loc)
	}

	menus, err := c.store.ListMenus(ctx, cafeteriaID, date)
	if err != nil {
		return nil, err
	}
	return menus, nil
}

// DeleteMenu removes a menu that no live reservation references
func (c *MenuCatalog) DeleteMenu(ctx context.Context, actor Actor, id string) error {
	ctx, span := util.StartSpan(ctx, "MenuCatalog.DeleteMenu")
	defer span.End()

	menu, err := c.store.GetMenu(ctx, id)
	if err != nil {
		return storeError(err, "menu")
	}
	if err := c.policy.Authorize(actor, OpManageMenu, Target{CafeteriaID: menu.CafeteriaID}); err != nil {
		return err
	}

	if err := c.store.DeleteMenu(ctx, id); err != nil {
		return storeError(err, "menu")
	}

	c.logger.Info("Menu deleted", zap.String("menu_id", id))
	return nil
}

// addStock applies an additive correction to both counters
func (c *MenuCatalog) addStock(ctx context.Context, menuID string, quantity int) (*models.Menu, error) {
	if quantity <= 0 {
		return nil, apperr.New(apperr.CodeInvalidInput, "only additive stock corrections are allowed")
	}
	menu, err := c.store.AddStock(ctx, menuID, quantity)
	if err != nil {
		return nil, storeError(err, "menu")
	}
	return menu, nil
}
