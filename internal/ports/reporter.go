package ports

import (
	"context"

	"github.com/alejandrodnm/liquidator/internal/domain"
)

// Reporter consume los resultados terminales (logs, métricas, historial).
type Reporter interface {
	Report(ctx context.Context, event domain.Event) error
}

// QueueObserver lo implementan opcionalmente los reporters que siguen la profundidad de la cola.
type QueueObserver interface {
	ObserveQueue(stats domain.Stats)
}
