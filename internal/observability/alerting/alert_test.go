package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "ChainForge/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	ok := &recordingNotifier{channel: ChannelLog}
	failing := &recordingNotifier{channel: ChannelWebhook, err: errors.New("down")}
	dispatcher := NewFanout(ok, failing, nil)

	err := dispatcher.Notify(context.Background(), Event{Code: xerrors.CodeToolNotFound, WorkflowID: "wf-1"})
	if err == nil || !strings.Contains(err.Error(), "channel webhook") {
		t.Fatalf("expected joined webhook error, got %v", err)
	}
	if len(ok.events) != 1 || len(failing.events) != 1 {
		t.Fatalf("every notifier should receive the event")
	}
	var nilDispatcher *FanoutDispatcher
	if nilDispatcher.Notify(context.Background(), Event{}) != nil {
		t.Fatalf("nil dispatcher should be a no-op")
	}
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var received struct {
		Text  string `json:"text"`
		Event Event  `json:"event"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	notifier := &WebhookNotifier{URL: server.URL}
	event := Event{
		Code:       xerrors.CodeCompilationFailed,
		Severity:   xerrors.SeverityWarning,
		WorkflowID: "wf-2",
		Stage:      "compilation",
		Attempts:   4,
		MaxRetries: 3,
		Message:    "ParserError",
		OccurredAt: time.Unix(0, 0).UTC(),
	}
	if err := notifier.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if received.Event.WorkflowID != "wf-2" || !strings.Contains(received.Text, "阶段 compilation (重试 4/3)") {
		t.Fatalf("unexpected payload %+v", received)
	}
}

func TestWebhookNotifierReportsHTTPErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()
	if err := (&WebhookNotifier{URL: server.URL}).Notify(context.Background(), Event{}); err == nil {
		t.Fatalf("expected error for 502")
	}
	if err := (&WebhookNotifier{}).Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("unconfigured webhook should be skipped, got %v", err)
	}
}
