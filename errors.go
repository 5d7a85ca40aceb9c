package uagent

import (
	"context"
	"log/slog"

	"github.com/zycelium/uagent/pkg/slogx"
)

// handleError fans err out to every eligible error handler in registration
// order. Failures of error handlers are logged and never routed back into the
// chain. An error no handler dealt with successfully is logged as unhandled.
func (a *Agent) handleError(ctx context.Context, err error) {
	if err == nil {
		return
	}

	handled := false
	for _, h := range a.registry.errorHandlers() {
		if !h.spec.accepts(err) {
			continue
		}
		log := a.log.With(slog.String("kind", "error"), slogx.Handler(h.spec.name))

		start := a.clock.Now()
		herr := invoke(func() error { return h.fn(ctx, err) })
		if took := a.clock.Now().Sub(start); h.spec.exceeded(took) {
			log.Warn("error handler exceeded timeout", slogx.Elapsed(took, h.spec.timeout))
		}
		if herr != nil {
			log.Error("error in error handler", slogx.Error(herr), slog.Group("handling", slogx.Error(err)))
			continue
		}
		handled = true
	}

	if !handled {
		a.stats.unhandled.Add(1)
		a.log.Error("unhandled error", slogx.Error(err))
	}
}
