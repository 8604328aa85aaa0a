package handler

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/makeastudio/api/internal/middleware"
	"github.com/makeastudio/api/internal/model"
	"github.com/makeastudio/api/pkg/response"
)

const maxHistory = 200

// CreditReader is the read side of the credit ledger.
type CreditReader interface {
	Balance(ctx context.Context, ownerID string) (int, error)
	History(ctx context.Context, ownerID string, limit int) ([]*model.LedgerEntry, error)
}

type CreditsHandler struct {
	ledger CreditReader
}

func NewCreditsHandler(ledger CreditReader) *CreditsHandler {
	return &CreditsHandler{ledger: ledger}
}

// Get handles GET /api/credits
// @Summary      Credit balance
// @Description  Current balance and the most recent ledger entries
// @Tags         Credits
// @Produce      json
// @Param        limit query int false "Number of entries (default 20, max 200)"
// @Success      200 {object} model.CreditsResponse
// @Failure      401 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/credits [get]
func (h *CreditsHandler) Get(c *fiber.Ctx) error {
	ownerID := middleware.GetUserID(c)
	limit := c.QueryInt("limit", 20)
	if limit <= 0 || limit > maxHistory {
		return response.ValidationError(c, "limit must be between 1 and 200", nil)
	}

	balance, err := h.ledger.Balance(c.UserContext(), ownerID)
	if err != nil {
		return writeError(c, err)
	}
	entries, err := h.ledger.History(c.UserContext(), ownerID, limit)
	if err != nil {
		return writeError(c, err)
	}
	if entries == nil {
		entries = []*model.LedgerEntry{}
	}

	return response.OK(c, model.CreditsResponse{
		OwnerID: ownerID,
		Balance: balance,
		Entries: entries,
	})
}
