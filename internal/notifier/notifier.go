// Package notifier implements the abstract Notifier collaborator spec.md
// §1 treats as external ("Telegram alerting"): a narrow Notify surface the
// two delayed-order keepers call when an order is evicted after exhausting
// its failure budget (LiquidationKeeper sends no alerts), adapted from alanyoungcy-polymarketbot's multi-sender
// notify package down to the keeper's single-message use case.
package notifier

import "context"

// Notifier delivers a free-form alert. A nil Notifier is valid and a no-op,
// so keepers can be constructed without alerting configured.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Noop discards every notification; used when Telegram isn't configured.
type Noop struct{}

func (Noop) Notify(context.Context, string) error { return nil }
