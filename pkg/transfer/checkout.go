package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"github.com/yuya-takeyama/shaman-pack/pkg/store"
)

// Finalize asks the store to materialise set at checkoutPath and returns
// the path of the primary file inside the resolved checkout. With an empty
// checkoutPath nothing is requested and primaryRemotePath is returned as is.
func Finalize(ctx context.Context, c store.Checkouter, set *TransferSet, checkoutPath, primaryRemotePath string, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if checkoutPath == "" {
		logger.Warn("no checkout path configured, skipping checkout")
		return primaryRemotePath, nil
	}
	if ctx.Err() != nil {
		return "", interrupted("checkout")
	}

	res, err := c.Checkout(ctx, store.CheckoutRequest{Files: set.Files, CheckoutPath: checkoutPath})
	if err != nil {
		if ctx.Err() != nil {
			return "", interrupted("checkout")
		}
		if errors.Is(err, store.ErrMissingFiles) {
			return "", fmt.Errorf("checkout %s: files went missing since they were confirmed: %w", checkoutPath, err)
		}
		return "", fmt.Errorf("checkout %s: %w", checkoutPath, err)
	}

	resolved := checkoutPath
	if res != nil && res.CheckoutPath != "" {
		resolved = res.CheckoutPath
	}
	if resolved != checkoutPath {
		logger.Info("store picked a different checkout path", "requested", checkoutPath, "resolved", resolved)
	}
	logger.Info("checkout created", "checkout_path", resolved, "files", set.Len())
	return path.Join(resolved, primaryRemotePath), nil
}
