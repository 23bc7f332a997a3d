package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/micsi-dev/mercure/go/notify"
	"github.com/micsi-dev/mercure/go/ops"
	"github.com/micsi-dev/mercure/go/rules"
	"github.com/nsf/jsondiff"
	"github.com/stretchr/testify/require"
)

func TestSenderGatesOnRule(t *testing.T) {
	var received []map[string]interface{}
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		received = append(received, body)
	}))
	defer server.Close()

	var sender = notify.NewSender(ops.StdLogger())
	var rule = rules.Rule{
		NotifyReception:  true,
		NotifyCompletion: false,
		NotificationURL:  server.URL,
	}
	var ctx = context.Background()

	require.NoError(t, sender.Send(ctx, notify.EventReceived, "r1", rule,
		map[string]interface{}{"mrn": "4711"}))
	require.NoError(t, sender.Send(ctx, notify.EventCompleted, "r1", rule, nil))

	require.Len(t, received, 1)
	require.Equal(t, "RECEIVED", received[0]["event"])
	require.Equal(t, "r1", received[0]["rule"])
	require.Equal(t, "4711", received[0]["mrn"])
}

func TestSenderPayloadShape(t *testing.T) {
	var raw []byte
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		raw, err = io.ReadAll(r.Body)
		require.NoError(t, err)
	}))
	defer server.Close()

	var sender = notify.NewSender(ops.StdLogger())
	var rule = rules.Rule{NotifyError: true, NotificationURL: server.URL}
	require.NoError(t, sender.Send(context.Background(), notify.EventError, "mr-err", rule,
		map[string]interface{}{"task_id": "u1", "error": "exit status 1"}))

	var opts = jsondiff.DefaultConsoleOptions()
	diff, report := jsondiff.Compare(raw, []byte(`{
		"event": "ERROR",
		"rule": "mr-err",
		"task_id": "u1",
		"error": "exit status 1"
	}`), &opts)
	require.Equal(t, jsondiff.FullMatch, diff, report)
}

func TestSenderSkipsWithoutURL(t *testing.T) {
	var sender = notify.NewSender(ops.StdLogger())
	require.NoError(t, sender.Send(context.Background(), notify.EventError, "r1",
		rules.Rule{NotifyError: true}, nil))
}
