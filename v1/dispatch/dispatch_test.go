package dispatch

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"testing"
)

func TestDispatchRunsHandlersInOrder(t *testing.T) {
	tbl := New()
	var got []string
	tbl.Register("voice_state_update", "a", func(_ context.Context, p any) error {
		got = append(got, "a:"+p.(string))
		return nil
	})
	tbl.Register("voice_state_update", "b", func(_ context.Context, p any) error {
		got = append(got, "b:"+p.(string))
		return nil
	})
	tbl.Register("other", "c", func(context.Context, any) error {
		got = append(got, "c")
		return nil
	})

	if !tbl.Dispatch(context.Background(), "voice_state_update", "x") {
		t.Fatal("expected handlers to run")
	}
	if want := []string{"a:x", "b:x"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if tbl.Handlers("voice_state_update") != 2 {
		t.Fatalf("expected 2 handlers, got %d", tbl.Handlers("voice_state_update"))
	}
}

func TestDispatchUnknownEvent(t *testing.T) {
	tbl := New()
	if tbl.Dispatch(context.Background(), "nope", nil) {
		t.Fatal("expected no handlers")
	}
}

func TestDispatchLogsFailures(t *testing.T) {
	var buf bytes.Buffer
	tbl := New(WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))
	ran := false
	tbl.Register("ev", "failing", func(context.Context, any) error { return errors.New("boom") })
	tbl.Register("ev", "next", func(context.Context, any) error {
		ran = true
		return nil
	})

	tbl.Dispatch(context.Background(), "ev", nil)
	if !ran {
		t.Fatal("expected second handler to run after a failure")
	}
	out := buf.String()
	if !strings.Contains(out, "handler=failing") || !strings.Contains(out, "error=boom") {
		t.Fatalf("expected failure to be logged, got %q", out)
	}
}
