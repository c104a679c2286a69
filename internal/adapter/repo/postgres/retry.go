package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/ace-collector/internal/config"
	"github.com/fairyhunter13/ace-collector/internal/domain"
)

// withDatabaseRetry runs op under the bounded exponential backoff described
// by retry, wrapping any surviving error in domain.ErrTransientStore unless
// it is pgx.ErrNoRows, which is not retryable.
func withDatabaseRetry(ctx context.Context, retry config.StoreRetryConfig, op func() error) error {
	wrapped := func() error {
		if err := op(); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return backoff.Permanent(err)
			}
			return fmt.Errorf("%w: %v", domain.ErrTransientStore, err)
		}
		return nil
	}
	err := backoff.Retry(wrapped, backoff.WithContext(retry.NewBackOff(), ctx))
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	return err
}
