package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureOutput redirects logger output to a buffer for testing.
// Returns the buffer and a cleanup function to restore original output.
func captureOutput() (*bytes.Buffer, func()) {
	buf := new(bytes.Buffer)

	mu.Lock()
	originalOutput := output
	originalColor := useColor
	output = buf
	useColor = false
	mu.Unlock()
	reconfigure()

	return buf, func() {
		mu.Lock()
		output = originalOutput
		useColor = originalColor
		mu.Unlock()
		currentFormat.Store("text")
		currentLevel.Store(int32(LevelInfo))
		reconfigure()
	}
}

func TestLevelFiltering(t *testing.T) {
	tests := []struct {
		level   string
		present []string
		absent  []string
	}{
		{"DEBUG", []string{"debug message", "info message", "warn message", "error message"}, nil},
		{"INFO", []string{"info message", "warn message", "error message"}, []string{"debug message"}},
		{"WARN", []string{"warn message", "error message"}, []string{"debug message", "info message"}},
		{"ERROR", []string{"error message"}, []string{"debug message", "info message", "warn message"}},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			buf, cleanup := captureOutput()
			defer cleanup()

			SetLevel(tt.level)
			Debug("debug message")
			Info("info message")
			Warn("warn message")
			Error("error message")

			out := buf.String()
			for _, s := range tt.present {
				assert.Contains(t, out, s)
			}
			for _, s := range tt.absent {
				assert.NotContains(t, out, s)
			}
		})
	}
}

func TestSetLevelIgnoresUnknownNames(t *testing.T) {
	_, cleanup := captureOutput()
	defer cleanup()

	SetLevel("WARN")
	SetLevel("verbose")
	assert.Equal(t, LevelWarn, Level(currentLevel.Load()))
	assert.False(t, Enabled(LevelInfo))
	assert.True(t, Enabled(LevelError))
}

func TestParseLevel(t *testing.T) {
	l, ok := ParseLevel("warning")
	assert.True(t, ok)
	assert.Equal(t, LevelWarn, l)

	_, ok = ParseLevel("trace")
	assert.False(t, ok)
}

func TestJSONFormat(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("INFO")
	SetFormat("json")
	Info("queue created", KeyQueue, "orders", KeyDurable, true)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "queue created", entry["msg"])
	assert.Equal(t, "orders", entry[KeyQueue])
	assert.Equal(t, true, entry[KeyDurable])
}

func TestTextFormat(t *testing.T) {
	t.Run("QuotesValuesWithSpaces", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		Info("failure", KeyError, "queue does not exist")
		assert.Contains(t, buf.String(), `error="queue does not exist"`)
	})

	t.Run("GroupsPrefixKeys", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		With(slog.Group("tx", slog.Int64("id", 7))).Info("prepared", "records", 3)
		out := buf.String()
		assert.Contains(t, out, "tx.id=7")
		assert.Contains(t, out, "records=3")
	})

	t.Run("WithGroupNestsLaterAttrs", func(t *testing.T) {
		var buf bytes.Buffer
		h := NewColorTextHandler(&buf, nil, false).WithGroup("journal").WithAttrs([]slog.Attr{slog.String("path", "/tmp/j")})
		slog.New(h).Info("opened", "size", 42)
		out := buf.String()
		assert.Contains(t, out, "journal.path=/tmp/j")
		assert.Contains(t, out, "journal.size=42")
	})

	t.Run("EmptyErrAttrIsSkipped", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		getLogger().LogAttrs(context.Background(), slog.LevelInfo, "ok", Err(nil))
		assert.NotContains(t, buf.String(), KeyError)
	})
}

func TestContextLogging(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	lc := NewLogContext("sess-1", 12).WithPacket("SESS_SEND").WithClientAddr("10.0.0.1:5445")
	ctx := WithContext(context.Background(), lc)

	InfoCtx(ctx, "dispatched", KeyQueue, "q1")
	out := buf.String()

	assert.Contains(t, out, "session=sess-1")
	assert.Contains(t, out, "channel_id=12")
	assert.Contains(t, out, "packet=SESS_SEND")
	assert.Contains(t, out, "client_addr=10.0.0.1:5445")
	assert.Less(t, strings.Index(out, "session="), strings.Index(out, "queue="))
}

func TestContextWithoutLogContext(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	WarnCtx(context.Background(), "plain", "k", "v")
	assert.Contains(t, buf.String(), "k=v")
	assert.Nil(t, FromContext(nil)) //nolint:staticcheck
}

func TestLogContextClone(t *testing.T) {
	lc := NewLogContext("s", 3)
	withTrace := lc.WithTrace("t1", "s1")

	assert.Empty(t, lc.TraceID)
	assert.Equal(t, "t1", withTrace.TraceID)
	assert.Equal(t, "s", withTrace.Session)

	var nilCtx *LogContext
	assert.Nil(t, nilCtx.WithPacket("x"))
	assert.Zero(t, nilCtx.DurationMs())
}

func TestInitWithFileOutput(t *testing.T) {
	defer func() {
		_ = Init(Config{Output: "stdout", Level: "INFO", Format: "text"})
	}()

	path := filepath.Join(t.TempDir(), "broker.log")
	require.NoError(t, Init(Config{Output: path, Level: "DEBUG", Format: "json"}))

	Debug("to file")
	require.NoError(t, Init(Config{Output: "stderr"}))

	err := Init(Config{Output: filepath.Join(t.TempDir(), "missing", "x.log")})
	assert.Error(t, err)
}

func TestConcurrentLogging(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				Info("msg", "worker", n)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 400, strings.Count(buf.String(), "\n"))
}

func TestErrAttr(t *testing.T) {
	a := Err(errors.New("boom"))
	assert.Equal(t, KeyError, a.Key)
	assert.Equal(t, "boom", a.Value.String())
}
