package nats_client

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Connect establishes a connection to the NATS server with reconnect logic
// suited to a long-running dispatch service.
func Connect(natsAddress string, logger *zap.Logger) (*nats.Conn, error) {
	logger.Info("Attempting to connect to NATS server", zap.String("address", natsAddress))

	nc, err := nats.Connect(
		natsAddress,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(50),
		nats.ReconnectWait(time.Second*5),
		nats.Timeout(10*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			} else {
				logger.Warn("NATS disconnected (no specific error)")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn("NATS connection closed permanently. Will not attempt to reconnect.")
		}),
	)

	if err != nil {
		logger.Error("Failed to connect to NATS after retries", zap.Error(err))
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", natsAddress, err)
	}

	logger.Info("Successfully connected to NATS", zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}

// ConnectJetStream establishes a JetStream context from a NATS connection.
// Deployments that want durable lifecycle events point a stream at the
// event subjects.
func ConnectJetStream(nc *nats.Conn, logger *zap.Logger) (nats.JetStreamContext, error) {
	js, err := nc.JetStream(nats.PublishAsyncMaxPending(256))
	if err != nil {
		logger.Error("Failed to get NATS JetStream context", zap.Error(err))
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}
	return js, nil
}

// EnsureStream checks if a stream with the given configuration exists,
// and creates it if it doesn't.
func EnsureStream(js nats.JetStreamContext, streamName string, subjects []string, logger *zap.Logger) error {
	streamInfo, err := js.StreamInfo(streamName)
	if err != nil && err == nats.ErrStreamNotFound {
		logger.Info("Stream not found, creating it", zap.String("stream_name", streamName), zap.Strings("subjects", subjects))
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     streamName,
			Subjects: subjects,
			Storage:  nats.FileStorage,
		})
		if err != nil {
			logger.Error("Failed to create NATS JetStream stream", zap.String("stream_name", streamName), zap.Error(err))
			return fmt.Errorf("failed to create stream %s: %w", streamName, err)
		}
		return nil
	}
	if err != nil {
		logger.Error("Failed to get NATS JetStream stream info", zap.String("stream_name", streamName), zap.Error(err))
		return fmt.Errorf("failed to get stream info for %s: %w", streamName, err)
	}

	logger.Info("NATS JetStream stream already exists",
		zap.String("stream_name", streamInfo.Config.Name),
		zap.Uint64("messages", streamInfo.State.Msgs),
	)
	return nil
}
