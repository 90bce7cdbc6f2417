package mcpgateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func TestNormalizeProgressToken(t *testing.T) {
	cases := []struct {
		in   any
		want any
		ok   bool
	}{
		{nil, nil, false},
		{"tok", "tok", true},
		{3, int64(3), true},
		{int32(4), int64(4), true},
		{float64(5), int64(5), true},
		{1.5, "1.5", true},
		{json.Number("7"), int64(7), true},
		{json.Number("2.5"), "2.5", true},
	}
	for _, tc := range cases {
		got, ok := normalizeProgressToken(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("normalizeProgressToken(%#v) = %#v, %v; want %#v, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestProgressForwarderRewritesToken(t *testing.T) {
	sink := &fakeProgressSink{}
	forward := progressForwarder(context.Background(), slog.Default(), "srv", sink, float64(3))
	if forward == nil {
		t.Fatalf("expected a forwarder")
	}
	upstream := &mcp.ProgressNotificationParams{ProgressToken: "upstream-uuid", Progress: 1, Total: 2, Message: "halfway"}
	forward(upstream)

	if sink.calls != 1 {
		t.Fatalf("expected NotifyProgress to be called once, got %d", sink.calls)
	}
	got := sink.lastParams
	if got.ProgressToken != int64(3) || got.Progress != 1 || got.Message != "halfway" {
		t.Fatalf("forwarded params = %+v", got)
	}
	if upstream.ProgressToken != "upstream-uuid" {
		t.Fatalf("upstream params mutated: %+v", upstream)
	}

	sink.err = errors.New("session closed")
	forward(upstream)
	if sink.calls != 2 {
		t.Fatalf("calls = %d", sink.calls)
	}
}

func TestProgressForwarderNeedsToken(t *testing.T) {
	if progressForwarder(context.Background(), slog.Default(), "srv", &fakeProgressSink{}, nil) != nil {
		t.Fatalf("forwarder built without a downstream token")
	}
	if progressForwarder(context.Background(), slog.Default(), "srv", nil, "tok") != nil {
		t.Fatalf("forwarder built without a sink")
	}
}

type fakeProgressSink struct {
	calls      int
	lastParams *mcp.ProgressNotificationParams
	err        error
}

func (f *fakeProgressSink) NotifyProgress(ctx context.Context, params *mcp.ProgressNotificationParams) error {
	f.calls++
	f.lastParams = params
	return f.err
}
