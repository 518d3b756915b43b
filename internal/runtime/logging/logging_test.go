package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatermillServiceLoggerDelegates(t *testing.T) {
	base := newRecordingWatermillLogger()
	logger := NewWatermillServiceLogger(base)

	logger.Debug("dbg", LogFields{"component": "cache"})
	logger.Info("info", nil)
	logger.Trace("trace", LogFields{"trace": true})
	logger.Error("oops", errors.New("boom"), LogFields{"failed": true})

	child := logger.With(LogFields{"stream": "cam-1"})
	child.Info("child_info", nil)

	require.Len(t, base.entries, 6)
	assert.Equal(t, "debug", base.entries[0].level)
	assert.Equal(t, "cache", base.entries[0].fields["component"])
	assert.Equal(t, "error", base.entries[3].level)
	assert.EqualError(t, base.entries[3].err, "boom")
	assert.Equal(t, "with", base.entries[4].level)
	assert.Equal(t, "cam-1", base.entries[4].fields["stream"])
}

func TestWithEmptyFieldsReturnsSameLogger(t *testing.T) {
	logger := NewWatermillServiceLogger(watermill.NopLogger{})
	assert.Same(t, logger, logger.With(nil))
}

func TestConstructorsPanicOnNil(t *testing.T) {
	assert.Panics(t, func() { NewWatermillServiceLogger(nil) })
	assert.Panics(t, func() { NewSlogServiceLogger(nil) })
	assert.Panics(t, func() { NewWatermillAdapter(nil) })
}

func TestWatermillAdapterDelegates(t *testing.T) {
	base := &recordingServiceLogger{}
	adapter := NewWatermillAdapter(base)

	adapter.Debug("dbg", watermill.LogFields{"k": "v"})
	adapter.Info("info", nil)
	adapter.Trace("trace", nil)
	adapter.Error("err", errors.New("boom"), nil)

	child := adapter.With(watermill.LogFields{"child": "yes"})
	child.Info("child_info", nil)

	require.Len(t, base.entries, 4)
	assert.Equal(t, "v", base.entries[0].fields["k"])

	typedChild, ok := child.(*serviceLoggerAdapter)
	require.True(t, ok)
	childBase, ok := typedChild.base.(*recordingServiceLogger)
	require.True(t, ok)
	require.Len(t, childBase.entries, 2)
	assert.Equal(t, "yes", childBase.entries[0].fields["child"])
}

func TestComponentTagsLogger(t *testing.T) {
	var buf bytes.Buffer
	base := NewSlogServiceLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	Component(base, "lease").Info("acquired", LogFields{"stream": "cam-1"})

	out := buf.String()
	assert.Contains(t, out, "component=lease")
	assert.Contains(t, out, "stream=cam-1")
	assert.Contains(t, out, "acquired")
}

func TestComponentWithNilFallsBackToDiscard(t *testing.T) {
	logger := Component(nil, "cache")
	require.NotNil(t, logger)
	logger.Info("dropped", nil)
}

func TestWatermillFieldConversions(t *testing.T) {
	assert.Nil(t, toWatermillFields(nil))
	assert.Nil(t, fromWatermillFields(nil))

	wm := toWatermillFields(LogFields{"a": 1})
	assert.Equal(t, 1, wm["a"])
	assert.Equal(t, 1, fromWatermillFields(wm)["a"])
}

type watermillEntry struct {
	level  string
	fields watermill.LogFields
	err    error
}

type recordingWatermillLogger struct {
	entries []watermillEntry
	sink    *[]watermillEntry
}

func newRecordingWatermillLogger() *recordingWatermillLogger {
	logger := &recordingWatermillLogger{}
	logger.sink = &logger.entries
	return logger
}

func (r *recordingWatermillLogger) record(entry watermillEntry) {
	*r.sink = append(*r.sink, entry)
}

func (r *recordingWatermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	r.record(watermillEntry{level: "error", fields: fields, err: err})
}

func (r *recordingWatermillLogger) Info(msg string, fields watermill.LogFields) {
	r.record(watermillEntry{level: "info", fields: fields})
}

func (r *recordingWatermillLogger) Debug(msg string, fields watermill.LogFields) {
	r.record(watermillEntry{level: "debug", fields: fields})
}

func (r *recordingWatermillLogger) Trace(msg string, fields watermill.LogFields) {
	r.record(watermillEntry{level: "trace", fields: fields})
}

func (r *recordingWatermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	child := &recordingWatermillLogger{sink: r.sink}
	child.record(watermillEntry{level: "with", fields: fields})
	return child
}

type loggedEntry struct {
	level  string
	msg    string
	fields LogFields
	err    error
}

type recordingServiceLogger struct {
	entries []loggedEntry
}

func (r *recordingServiceLogger) With(fields LogFields) ServiceLogger {
	return &recordingServiceLogger{entries: []loggedEntry{{level: "with", fields: fields}}}
}

func (r *recordingServiceLogger) Debug(msg string, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "debug", msg: msg, fields: fields})
}

func (r *recordingServiceLogger) Info(msg string, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "info", msg: msg, fields: fields})
}

func (r *recordingServiceLogger) Error(msg string, err error, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "error", msg: msg, fields: fields, err: err})
}

func (r *recordingServiceLogger) Trace(msg string, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "trace", msg: msg, fields: fields})
}
