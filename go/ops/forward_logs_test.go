package ops_test

import (
	"io"
	"strings"
	"testing"

	"github.com/micsi-dev/mercure/go/ops"
	"github.com/micsi-dev/mercure/go/ops/testutil"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestForwardLogsParsesStructuredLines(t *testing.T) {
	var logger = testutil.NewTestLogger()
	var input = strings.Join([]string{
		`{"level":"warn","msg":"low disk space","free_gb":3}`,
		`{"LVL":"error","message":"module exploded","ts":"2024-04-01T10:00:00Z"}`,
		`plain text line`,
		``,
		`{"this is": "a json line without level or message"}`,
	}, "\n") + "\n"

	ops.ForwardLogs("module stderr", log.InfoLevel, io.NopCloser(strings.NewReader(input)), logger)

	var events = logger.Events()
	// Four lines plus the trailing summary event; the empty line is skipped.
	require.Len(t, events, 5)

	require.Equal(t, log.WarnLevel, events[0].Level)
	require.Equal(t, "low disk space", events[0].Message)
	require.Equal(t, float64(3), events[0].Fields["free_gb"])
	require.Equal(t, "module stderr", events[0].Fields[ops.LogSourceField])

	require.Equal(t, log.ErrorLevel, events[1].Level)
	require.Equal(t, "module exploded", events[1].Message)
	require.Equal(t, "2024-04-01T10:00:00Z", events[1].Timestamp.Format("2006-01-02T15:04:05Z"))

	require.Equal(t, log.InfoLevel, events[2].Level)
	require.Equal(t, "plain text line", events[2].Message)

	require.Equal(t, log.InfoLevel, events[3].Level)
	require.Equal(t, "", events[3].Message)
	require.Equal(t, "a json line without level or message", events[3].Fields["this is"])

	require.Equal(t, "finished forwarding logs", events[4].Message)
}

func TestLogForwardWriterFlushesOnClose(t *testing.T) {
	var logger = testutil.NewTestLogger()
	var w = ops.NewLogForwardWriter("container", log.InfoLevel, logger)

	_, err := w.Write([]byte("first line\nsecond "))
	require.NoError(t, err)
	_, err = w.Write([]byte("line\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	var messages = logger.Messages()
	require.Contains(t, messages, "first line")
	require.Contains(t, messages, "second line")
}

func TestTaskLoggerAttachesTaskID(t *testing.T) {
	var logger = testutil.NewTestLogger()
	var scoped = ops.NewTaskLogger(logger, "task-123")

	require.NoError(t, scoped.Log(log.InfoLevel, log.Fields{"stage": "processing"}, "unit started"))

	var events = logger.Events()
	require.Len(t, events, 1)
	require.Equal(t, "task-123", events[0].Fields["task"])
	require.Equal(t, "processing", events[0].Fields["stage"])
}
