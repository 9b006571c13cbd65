package warehouse

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/arcade-insights/catalog-cli/internal/config"
)

// New opens the warehouse backend selected by the store config.
func New(ctx context.Context, cfg config.StoreConfig) (Warehouse, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgres(ctx, cfg.DatabaseURL)
	case "sqlite":
		return NewSQLite(cfg.DatabaseURL)
	default:
		return nil, eris.Errorf("warehouse: unknown store driver %q", cfg.Driver)
	}
}
