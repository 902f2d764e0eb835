package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mediasense/mediasense/internal/runtime"
	"github.com/mediasense/mediasense/internal/store"
)

type budgetLedger interface {
	CeilingFor(tier string) float64
	PeriodSpend(ctx context.Context, userID string) (float64, error)
}

type budgetUserStore interface {
	GetUser(ctx context.Context, id string) (store.User, error)
}

type BudgetHandler struct {
	Store    budgetUserStore
	Ledger   budgetLedger
	Currency string
}

func (h *BudgetHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.GET("", h.status)
}

// status reports the caller's spend against their tier ceiling for the
// current billing period.
func (h *BudgetHandler) status(c echo.Context) error {
	ctx := c.Request().Context()
	userID := c.Get("user_id").(string)

	user, err := h.Store.GetUser(ctx, userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	spent, err := h.Ledger.PeriodSpend(ctx, userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	ceiling := h.Ledger.CeilingFor(user.Tier)
	remaining := ceiling - spent
	if remaining < 0 {
		remaining = 0
	}
	return c.JSON(http.StatusOK, BudgetStatusResponse{
		Tier:        user.Tier,
		Ceiling:     ceiling,
		PeriodSpend: spent,
		Remaining:   remaining,
		Currency:    h.Currency,
	})
}
