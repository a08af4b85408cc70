package notifier

import (
	"context"

	"plantwatch/internal/models"
)

// Notifier pushes a newly raised alert to an outside channel.
type Notifier interface {
	Name() string
	Enabled() bool
	Notify(ctx context.Context, a models.Alert) error
}
