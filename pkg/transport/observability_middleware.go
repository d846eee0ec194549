package transport

import (
	"context"
	"errors"
	"time"

	mcperrors "github.com/ajitpratap0/mcp-engine-go/pkg/errors"
	"github.com/ajitpratap0/mcp-engine-go/pkg/logging"
	"github.com/ajitpratap0/mcp-engine-go/pkg/observability"
	"github.com/ajitpratap0/mcp-engine-go/pkg/protocol"
)

// ObservabilityMiddleware logs and measures transport lifecycle calls and
// outbound deliveries
type ObservabilityMiddleware struct {
	logger  logging.Logger
	metrics observability.MetricsProvider
}

// NewObservabilityMiddleware creates a new observability middleware. Nil
// arguments fall back to the global logger and a no-op metrics provider.
func NewObservabilityMiddleware(logger logging.Logger, metrics observability.MetricsProvider) Middleware {
	return &ObservabilityMiddleware{
		logger:  logging.OrGlobal(logger),
		metrics: observability.OrNoop(metrics),
	}
}

// Wrap implements the Middleware interface
func (om *ObservabilityMiddleware) Wrap(transport Transport) Transport {
	return &observabilityTransport{
		middlewareTransport: middlewareTransport{next: transport},
		middleware:          om,
	}
}

// observabilityTransport wraps a transport with observability features
type observabilityTransport struct {
	middlewareTransport
	middleware *ObservabilityMiddleware
}

// Start wraps the underlying Start with observability
func (ot *observabilityTransport) Start(ctx context.Context) error {
	name := string(ot.Type())
	ot.middleware.logger.Info("Starting transport")
	ot.middleware.metrics.RecordTransportEvent(ctx, name, "start", "success")

	err := ot.middlewareTransport.Start(ctx)

	if err != nil && !errors.Is(err, context.Canceled) {
		ot.middleware.logger.Error("Transport failed", logging.ErrorField(err))
		ot.middleware.metrics.RecordTransportEvent(context.Background(), name, "serve", "error")
	} else {
		ot.middleware.logger.Info("Transport stopped")
	}
	return err
}

// Stop wraps the underlying Stop with observability
func (ot *observabilityTransport) Stop(ctx context.Context) error {
	start := time.Now()
	ot.middleware.logger.Info("Stopping transport")

	err := ot.middlewareTransport.Stop(ctx)

	status := "success"
	if err != nil {
		status = "error"
		ot.middleware.logger.Warn("Transport stop failed",
			logging.Duration("duration", time.Since(start)),
			logging.ErrorField(err),
		)
	}
	ot.middleware.metrics.RecordTransportEvent(ctx, string(ot.Type()), "stop", status)
	return err
}

// SendMessage wraps the underlying SendMessage with observability
func (ot *observabilityTransport) SendMessage(ctx context.Context, sessionID string, msg protocol.Envelope) error {
	start := time.Now()
	err := ot.middlewareTransport.SendMessage(ctx, sessionID, msg)

	fields := []logging.Field{
		logging.String(logging.SessionIDKey, sessionID),
		logging.Duration("duration", time.Since(start)),
	}
	if n, ok := msg.(*protocol.Notification); ok {
		fields = append(fields, logging.String("method", n.Method))
	}

	status := "success"
	switch {
	case err == nil:
		ot.middleware.logger.Debug("Message sent", fields...)
	case mcperrors.IsCode(err, mcperrors.CodePushUnsupported):
		// expected on request/response transports
		status = "unsupported"
		ot.middleware.logger.Debug("Push not supported", fields...)
	default:
		status = "error"
		ot.middleware.logger.Warn("Message delivery failed", append(fields, logging.ErrorField(err))...)
	}
	ot.middleware.metrics.RecordTransportEvent(ctx, string(ot.Type()), "send", status)
	return err
}
