package ordermill_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ThreeDotsLabs/ordermill"
)

func TestStdLogger_with(t *testing.T) {
	buf := bytes.NewBuffer([]byte{})

	cleanLogger := ordermill.NewStdLoggerWithOut(buf, true, true)

	withLogFieldsLogger := cleanLogger.With(ordermill.LogFields{"foo": "1"})

	for name, logger := range map[string]ordermill.LoggerAdapter{"clean": cleanLogger, "with": withLogFieldsLogger} {
		logger.Error(name, nil, ordermill.LogFields{"bar": "2"})
		logger.Info(name, ordermill.LogFields{"bar": "2"})
		logger.Debug(name, ordermill.LogFields{"bar": "2"})
		logger.Trace(name, ordermill.LogFields{"bar": "2"})
	}

	cleanLoggerOut := buf.String()
	assert.Contains(t, cleanLoggerOut, `level=ERROR msg="clean" bar=2 err=<nil>`)
	assert.Contains(t, cleanLoggerOut, `level=INFO  msg="clean" bar=2`)
	assert.Contains(t, cleanLoggerOut, `level=TRACE msg="clean" bar=2`)

	assert.Contains(t, cleanLoggerOut, `level=ERROR msg="with" bar=2 err=<nil> foo=1`)
	assert.Contains(t, cleanLoggerOut, `level=INFO  msg="with" bar=2 foo=1`)
	assert.Contains(t, cleanLoggerOut, `level=TRACE msg="with" bar=2 foo=1`)
}

func TestCaptureLogger(t *testing.T) {
	logger := ordermill.NewCaptureLogger()

	err := errors.New("broken")
	logger.Error("something failed", err, nil)
	logger.With(ordermill.LogFields{"foo": "1"}).Info("all good", nil)

	assert.True(t, logger.HasError(err))
	assert.True(t, logger.Has(ordermill.CapturedMessage{
		Level: ordermill.InfoLogLevel,
		Msg:   "all good",
	}))
	assert.False(t, logger.Has(ordermill.CapturedMessage{
		Level: ordermill.InfoLogLevel,
		Msg:   "never logged",
	}))

	captured := logger.Captured()
	assert.Len(t, captured[ordermill.ErrorLogLevel], 1)
	assert.Equal(t, "1", captured[ordermill.InfoLogLevel][0].Fields["foo"])
}
