package service

import (
	"context"

	"github.com/baechuer/advert-service/internal/domain"
)

// CreditLedger draws and refunds order credit. The repository makes each
// check-and-decrement atomic per order.
type CreditLedger struct {
	repo domain.LedgerRepository
}

func NewCreditLedger(repo domain.LedgerRepository) *CreditLedger {
	return &CreditLedger{repo: repo}
}

// Draw decrements the order by amount and returns the new balance. A short
// balance fails with *domain.InsufficientCreditError and changes nothing.
func (l *CreditLedger) Draw(ctx context.Context, orderID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, domain.ErrInvalidAmount
	}
	return l.repo.DrawCredits(ctx, orderID, amount)
}

// Refund reverses a draw whose play record could not be written.
func (l *CreditLedger) Refund(ctx context.Context, orderID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, domain.ErrInvalidAmount
	}
	return l.repo.RefundCredits(ctx, orderID, amount)
}
