package device

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// WithThermometer connects to mac, runs fn and always disconnects afterwards.
// No reconnect is attempted; a connection failure is returned as is.
func WithThermometer(ctx context.Context, connector Connector, mac string, opts Options, logger *zap.Logger, fn func(*Thermometer) error) (err error) {
	ctx, span := otel.Tracer("device").Start(ctx, "device.Session")
	span.SetAttributes(attribute.String("device.mac", mac))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "session failed")
		}
		span.End()
	}()

	logger.Info("connecting to device", zap.String("mac", mac))
	session, err := connector.Connect(ctx, mac)
	if err != nil {
		return fmt.Errorf("connect %s: %w", mac, err)
	}
	logger.Info("connected to device", zap.String("mac", mac))

	defer func() {
		if closeErr := session.Close(); closeErr != nil {
			logger.Warn("failed to disconnect", zap.String("mac", mac), zap.Error(closeErr))
		} else {
			logger.Debug("disconnected from device", zap.String("mac", mac))
		}
	}()

	return fn(NewThermometer(session, opts, logger))
}
