package ports

import (
	"context"

	"github.com/alejandrodnm/liquidator/internal/domain"
)

// Market es el contrato del lending market, consumido mediante dos llamadas.
type Market interface {
	// IsLiquidatable simula el predicado de solo lectura. Gratis, se puede
	// llamar en paralelo y de forma repetida.
	IsLiquidatable(ctx context.Context, account domain.Account) (bool, error)

	// Absorb envía el absorb de las cuentas al gas price dado (wei) y bloquea
	// hasta que la transacción se mina o ctx termina. Un revert del contrato
	// se devuelve como *domain.RevertError; un envío que el nodo rechaza
	// envuelve domain.ErrRejected.
	Absorb(ctx context.Context, accounts []domain.Account, feeBid uint64) (domain.Receipt, error)
}
