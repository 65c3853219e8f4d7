package gateway

import (
	"testing"

	"github.com/arqma/arqmavisor/pkg/logger"
	"github.com/arqma/arqmavisor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type published struct {
	topic   string
	payload interface{}
}

func TestMulti(t *testing.T) {
	var first, second []published
	m := Multi{
		Func(func(topic string, payload interface{}) { first = append(first, published{topic, payload}) }),
		nil,
		Func(func(topic string, payload interface{}) { second = append(second, published{topic, payload}) }),
	}

	m.Publish(TopicNotification, types.Notification{Message: "hello", Timeout: 2000})

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, TopicNotification, first[0].topic)
	assert.Equal(t, first, second)
}

func TestLogGateway(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	g := NewLogGateway(&logger.Logger{Logger: zap.New(core)})

	g.Publish(TopicNotification, types.Notification{Type: types.NotificationNegative, Message: "Error banning peer", Timeout: 2000})
	g.Publish(TopicDaemonData, types.DaemonData{Info: &types.Info{Height: 12}})
	g.Publish(TopicDaemonData, make(chan int))

	entries := logs.All()
	require.Len(t, entries, 3)

	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Contains(t, entries[0].ContextMap()["payload"], "Error banning peer")

	assert.Equal(t, zapcore.DebugLevel, entries[1].Level)
	assert.Equal(t, TopicDaemonData, entries[1].Message)
	assert.Contains(t, entries[1].ContextMap()["payload"], `"height":12`)

	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
}
