package positions

import (
	"context"
	"fmt"

	"github.com/alejandrodnm/liquidator/internal/domain"
)

// Static es una lista fija de cuentas, para markets locales y tests.
type Static struct {
	accounts []domain.Account
}

// NewStatic parsea direcciones hex a una fuente estática.
func NewStatic(hexAccounts []string) (*Static, error) {
	accounts := make([]domain.Account, 0, len(hexAccounts))
	for _, h := range hexAccounts {
		a, err := domain.ParseAccount(h)
		if err != nil {
			return nil, fmt.Errorf("positions.NewStatic: %w", err)
		}
		accounts = append(accounts, a)
	}
	return &Static{accounts: accounts}, nil
}

// ListAccounts devuelve una copia de las cuentas configuradas.
func (s *Static) ListAccounts(_ context.Context) ([]domain.Account, error) {
	out := make([]domain.Account, len(s.accounts))
	copy(out, s.accounts)
	return out, nil
}
