package ports

import (
	"context"

	"github.com/alejandrodnm/liquidator/internal/domain"
)

// PositionSource lista las cuentas prestatarias que vale la pena evaluar.
type PositionSource interface {
	// ListAccounts devuelve el universo actual de cuentas. Puede fallar de forma transitoria.
	ListAccounts(ctx context.Context) ([]domain.Account, error)
}
