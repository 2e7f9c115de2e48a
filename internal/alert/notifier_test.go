package alert

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNoOpNotifier(t *testing.T) {
	var n Notifier = NewNoOpNotifier()
	assert.NoError(t, n.Send("hello"))
	assert.NoError(t, n.Close())
}

func TestLogNotifier_SendLogsAndKeepsRecent(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	n := NewLogNotifier(zap.New(core), 3)

	for i := 0; i < 5; i++ {
		assert.NoError(t, n.Send(fmt.Sprintf("msg-%d", i)))
	}

	assert.Equal(t, []string{"msg-2", "msg-3", "msg-4"}, n.Recent())
	assert.Equal(t, 5, logs.Len())
	assert.Equal(t, "alert", logs.All()[0].LoggerName)
	assert.NoError(t, n.Close())
}

func TestLogNotifier_DefaultLimit(t *testing.T) {
	n := NewLogNotifier(zap.NewNop(), 0)
	for i := 0; i < 25; i++ {
		_ = n.Send("x")
	}
	assert.Len(t, n.Recent(), 20)
}
