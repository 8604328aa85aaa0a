package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/makeastudio/api/internal/model"
)

// LedgerStore is the slice of persistence the credit ledger needs.
type LedgerStore interface {
	AppendLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error
	GetLedgerEntry(ctx context.Context, refType model.ReferenceType, refID string) (*model.LedgerEntry, error)
	Balance(ctx context.Context, ownerID string) (int, error)
	ListLedger(ctx context.Context, ownerID string, limit int) ([]*model.LedgerEntry, error)
	GetOwnerPreferences(ctx context.Context, ownerID string) (*model.OwnerPreferences, error)
	SetOwnerPreferences(ctx context.Context, prefs *model.OwnerPreferences) error
}

// RefundOutcome reports what a refund call did.
type RefundOutcome string

const (
	RefundIssued          RefundOutcome = "refunded"
	RefundAlreadyIssued   RefundOutcome = "already_refunded"
	RefundWithheld        RefundOutcome = "withheld"
	RefundSkippedNoCharge RefundOutcome = "skipped"
)

const ledgerSource = "generation"

// CreditLedger charges and refunds jobs. Every entry is keyed by
// (reference type, job id), so repeating a call for the same job is a no-op.
type CreditLedger struct {
	store           LedgerStore
	courtesyRefunds bool
	now             func() time.Time
	logger          zerolog.Logger
}

func NewCreditLedger(store LedgerStore, courtesyRefunds bool, logger zerolog.Logger) *CreditLedger {
	return &CreditLedger{
		store:           store,
		courtesyRefunds: courtesyRefunds,
		now:             time.Now,
		logger:          logger.With().Str("component", "ledger").Logger(),
	}
}

func (l *CreditLedger) Balance(ctx context.Context, ownerID string) (int, error) {
	return l.store.Balance(ctx, ownerID)
}

func (l *CreditLedger) History(ctx context.Context, ownerID string, limit int) ([]*model.LedgerEntry, error) {
	return l.store.ListLedger(ctx, ownerID, limit)
}

// EnsureEnoughCredits fails with *model.InsufficientCreditsError when the
// balance is below amount. It does not reserve anything.
func (l *CreditLedger) EnsureEnoughCredits(ctx context.Context, ownerID string, amount int) (int, error) {
	balance, err := l.store.Balance(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	if balance < amount {
		return balance, &model.InsufficientCreditsError{Balance: balance, Needed: amount}
	}
	return balance, nil
}

// Charge debits amount for the job once. It reports whether this call
// wrote the entry.
func (l *CreditLedger) Charge(ctx context.Context, ownerID, jobID string, amount int, reason string) (bool, error) {
	if amount <= 0 {
		return false, nil
	}

	if _, err := l.store.GetLedgerEntry(ctx, model.ReferenceCharge, jobID); err == nil {
		return false, nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return false, fmt.Errorf("look up charge: %w", err)
	}

	err := l.store.AppendLedgerEntry(ctx, &model.LedgerEntry{
		OwnerID:       ownerID,
		Delta:         -amount,
		Reason:        reason,
		Source:        ledgerSource,
		ReferenceType: model.ReferenceCharge,
		ReferenceID:   jobID,
		CreatedAt:     l.now().UTC(),
	})
	if errors.Is(err, model.ErrDuplicateReference) {
		// a concurrent run charged first
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("write charge: %w", err)
	}

	l.logger.Info().Str("owner_id", ownerID).Str("job_id", jobID).Int("amount", amount).Msg("charged")
	return true, nil
}

// Refund credits back what the job was charged, at most once. Safety
// blocks are refunded once per owner per UTC day; later ones are withheld.
func (l *CreditLedger) Refund(ctx context.Context, ownerID, jobID string, amount int, cause error) (RefundOutcome, error) {
	if _, err := l.store.GetLedgerEntry(ctx, model.ReferenceRefund, jobID); err == nil {
		return RefundAlreadyIssued, nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return "", fmt.Errorf("look up refund: %w", err)
	}

	charge, err := l.store.GetLedgerEntry(ctx, model.ReferenceCharge, jobID)
	if errors.Is(err, model.ErrNotFound) {
		return RefundSkippedNoCharge, nil
	}
	if err != nil {
		return "", fmt.Errorf("look up charge: %w", err)
	}
	if charged := -charge.Delta; amount <= 0 || amount > charged {
		amount = charged
	}

	class := model.Classify(cause)
	log := l.logger.With().Str("owner_id", ownerID).Str("job_id", jobID).Str("class", string(class)).Logger()

	if class == model.ClassSafetyBlocked && l.courtesyRefunds {
		granted, err := l.claimCourtesy(ctx, ownerID)
		if err != nil {
			return "", err
		}
		if !granted {
			log.Warn().Int("amount", amount).Msg("courtesy refund already used today, refund withheld")
			return RefundWithheld, nil
		}
	}

	err = l.store.AppendLedgerEntry(ctx, &model.LedgerEntry{
		OwnerID:       ownerID,
		Delta:         amount,
		Reason:        "refund: " + string(class),
		Source:        ledgerSource,
		ReferenceType: model.ReferenceRefund,
		ReferenceID:   jobID,
		CreatedAt:     l.now().UTC(),
	})
	if errors.Is(err, model.ErrDuplicateReference) {
		return RefundAlreadyIssued, nil
	}
	if err != nil {
		return "", fmt.Errorf("write refund: %w", err)
	}

	log.Info().Int("amount", amount).Msg("refunded")
	return RefundIssued, nil
}

// claimCourtesy sets today's courtesy flag, reporting false when it was
// already set.
func (l *CreditLedger) claimCourtesy(ctx context.Context, ownerID string) (bool, error) {
	prefs, err := l.store.GetOwnerPreferences(ctx, ownerID)
	if err != nil {
		return false, fmt.Errorf("read owner preferences: %w", err)
	}

	today := utcDay(l.now())
	if prefs.CourtesyRefundDay == today {
		return false, nil
	}

	prefs.OwnerID = ownerID
	prefs.CourtesyRefundDay = today
	if err := l.store.SetOwnerPreferences(ctx, prefs); err != nil {
		return false, fmt.Errorf("save courtesy flag: %w", err)
	}
	return true, nil
}

// Grant adds credits under an external reference, once per reference.
func (l *CreditLedger) Grant(ctx context.Context, ownerID string, amount int, reason string, refType model.ReferenceType, refID string) (bool, error) {
	if amount <= 0 {
		return false, &model.ValidationError{Field: "amount", Message: "must be positive"}
	}
	if refType != model.ReferenceGrant && refType != model.ReferencePurchase {
		return false, &model.ValidationError{Field: "referenceType", Message: "must be grant or purchase"}
	}

	err := l.store.AppendLedgerEntry(ctx, &model.LedgerEntry{
		OwnerID:       ownerID,
		Delta:         amount,
		Reason:        reason,
		Source:        "operator",
		ReferenceType: refType,
		ReferenceID:   refID,
		CreatedAt:     l.now().UTC(),
	})
	if errors.Is(err, model.ErrDuplicateReference) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("write grant: %w", err)
	}
	return true, nil
}

func utcDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
