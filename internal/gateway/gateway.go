// Package gateway carries supervisor output to whatever front-end is
// attached: a log, WebSocket clients, metrics, or several at once.
package gateway

import (
	"encoding/json"

	"github.com/arqma/arqmavisor/pkg/logger"
	"go.uber.org/zap"
)

// Topics published by the supervisor.
const (
	TopicDaemonData   = "set_daemon_data"
	TopicNotification = "show_notification"
)

// Topics lists every topic a consumer may subscribe to.
var Topics = []string{TopicDaemonData, TopicNotification}

// Gateway receives every message the supervisor publishes. Publish must not
// block for long; it is called from polling and event goroutines.
type Gateway interface {
	Publish(topic string, payload interface{})
}

// Func adapts a function to Gateway.
type Func func(topic string, payload interface{})

// Publish implements Gateway.
func (f Func) Publish(topic string, payload interface{}) {
	f(topic, payload)
}

// Multi fans every message out to each gateway in order.
type Multi []Gateway

// Publish implements Gateway.
func (m Multi) Publish(topic string, payload interface{}) {
	for _, g := range m {
		if g != nil {
			g.Publish(topic, payload)
		}
	}
}

// LogGateway writes every message to the logger. Snapshots go to debug,
// notifications to info.
type LogGateway struct {
	logger *logger.Logger
}

// NewLogGateway creates a gateway over log.
func NewLogGateway(log *logger.Logger) *LogGateway {
	return &LogGateway{logger: log.Named("gateway")}
}

// Publish implements Gateway.
func (g *LogGateway) Publish(topic string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		g.logger.Warn("unencodable payload", zap.String("topic", topic), zap.Error(err))
		return
	}

	if topic == TopicNotification {
		g.logger.Info("notification", zap.ByteString("payload", data))
		return
	}
	g.logger.Debug(topic, zap.ByteString("payload", data))
}
