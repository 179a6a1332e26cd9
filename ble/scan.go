package ble

import (
  "context"
  "errors"
  "fmt"

  "github.com/go-ble/ble"
)

func WrapContextWithSigHandler(ctx context.Context, cancel func()) context.Context {
  return ble.WithSigHandler(ctx, cancel)
}

// Scan runs one continuous scan session, invoking onAdvertisement for every
// advertisement received (duplicates included, the node re-broadcasts the
// same frame every second) until ctx ends or the session fails.
func (h *Handle) Scan(ctx context.Context, onAdvertisement func(Advertisement)) error {
  err := h.dev.Scan(ctx, true, onAdvertisement)

  // swallow context.Canceled errors which are caused by our explicit cancellations.
  if errors.Is(err, context.Canceled) {
    return nil
  }

  if err != nil {
    return fmt.Errorf("scan session ended: %w", err)
  }

  return nil
}
