package status

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	nodeflow "nodeflow"
)

func TestChannelFor(t *testing.T) {
	cases := map[nodeflow.NodeType]string{
		nodeflow.NodeTypeHTTPRequest:    "http-request-execution",
		nodeflow.NodeTypeOpenAI:         "openai-execution",
		nodeflow.NodeTypeFormTrigger:    "google-form-trigger-execution",
		nodeflow.NodeTypeManualTrigger:  "manual-trigger-execution",
		nodeflow.NodeTypePaymentTrigger: "stripe-trigger-execution",
	}
	for nodeType, want := range cases {
		if got := ChannelFor(nodeType); got != want {
			t.Fatalf("ChannelFor(%s) = %q, want %q", nodeType, got, want)
		}
	}
	if got := Room("openai-execution", "n1"); got != "openai-execution:n1" {
		t.Fatalf("Room = %q", got)
	}
}

func TestRecorderForNode(t *testing.T) {
	rec := NewRecorder()
	ctx := context.Background()
	_ = rec.Publish(ctx, Event{Channel: "c", NodeID: "a", Status: Loading})
	_ = rec.Publish(ctx, Event{Channel: "c", NodeID: "b", Status: Loading})
	_ = rec.Publish(ctx, Event{Channel: "c", NodeID: "a", Status: Success})

	if diff := cmp.Diff([]Status{Loading, Success}, rec.ForNode("a")); diff != "" {
		t.Fatalf("status mismatch (-want +got):\n%s", diff)
	}
	if len(rec.Events()) != 3 {
		t.Fatalf("expected 3 events, got %d", len(rec.Events()))
	}
	for _, ev := range rec.Events() {
		if ev.Timestamp.IsZero() {
			t.Fatal("recorder should stamp events")
		}
	}
	rec.Reset()
	if len(rec.Events()) != 0 {
		t.Fatal("reset should clear events")
	}
}

func TestMultiDeliversToAllAndReportsFirstError(t *testing.T) {
	boom := errors.New("boom")
	a, b := NewRecorder(), NewRecorder()
	failing := PublisherFunc(func(context.Context, Event) error { return boom })

	err := Multi(a, failing, nil, b).Publish(context.Background(), Event{NodeID: "x", Status: Error})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Fatal("every publisher should receive the event")
	}
	if !Error.Terminal() || Loading.Terminal() {
		t.Fatal("terminal classification is wrong")
	}
}
