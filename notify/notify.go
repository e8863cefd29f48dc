// Package notify is the user-facing notification surface: every failure
// recovered at a synchronizer boundary is paired with a short notice the
// UI layer can render. The default sink writes structured logs.
package notify

import (
	"context"

	log "github.com/carousell/ct-go/pkg/logger/log_context"
)

// Notice is a short human-readable notification.
type Notice struct {
	Title  string
	Detail string
	Err    error
}

// Notifier receives notices; implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, n Notice)
}

// Func adapts a function to the Notifier interface.
type Func func(ctx context.Context, n Notice)

func (f Func) Notify(ctx context.Context, n Notice) {
	f(ctx, n)
}

type logNotifier struct{}

// NewLogNotifier returns a Notifier that logs notices; failures at warn,
// the rest at info.
func NewLogNotifier() Notifier {
	return logNotifier{}
}

func (logNotifier) Notify(ctx context.Context, n Notice) {
	if n.Err != nil {
		log.Warnw(ctx, n.Title, "detail", n.Detail, "error", n.Err)
		return
	}
	log.Infow(ctx, n.Title, "detail", n.Detail)
}
