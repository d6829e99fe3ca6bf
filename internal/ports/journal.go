package ports

import (
	"context"

	"github.com/alejandrodnm/liquidator/internal/domain"
)

// InFlightJournal persiste las entradas en vuelo por cuenta para que un reinicio
// re-valide las cuentas cuyas transacciones pueden seguir pendientes on-chain.
type InFlightJournal interface {
	SaveInFlight(ctx context.Context, entry domain.InFlightEntry) error
	DeleteInFlight(ctx context.Context, account domain.Account) error
	LoadInFlight(ctx context.Context) ([]domain.InFlightEntry, error)
}
