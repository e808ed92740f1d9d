package recordsync

import (
	"context"
	"fmt"
)

// Migrate creates or updates the schema of the configured store. It is
// safe to run repeatedly.
func (a *App) Migrate(ctx context.Context, cmd *MigrateCommand) error {
	a.logger.Info("running database migrations", "store", a.config.Store)
	if err := a.store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	a.logger.Info("migrations completed successfully")
	return nil
}
