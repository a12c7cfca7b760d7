package dragonflow

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorChain(t *testing.T) {
	cause := NewToolExecutionError("execute", "builtin.fetch", context.DeadlineExceeded)
	err := fmt.Errorf("line 3: %w", NewLineTimeoutError(3, cause))

	if !IsEngineError(err) {
		t.Fatal("expected an engine error")
	}
	if got := CodeOf(err); got != ErrCodeLineTimeout {
		t.Errorf("CodeOf = %s", got)
	}
	if !HasCode(err, ErrCodeToolExecution) {
		t.Error("HasCode should find the wrapped tool error")
	}
	if HasCode(err, ErrCodeCache) {
		t.Error("HasCode reported a code absent from the chain")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("errors.Is lost the root cause")
	}
	if got := CodeOf(errors.New("plain")); got != ErrCodeInternal {
		t.Errorf("CodeOf(plain) = %s", got)
	}
}

func TestErrorDetail_RoundTrip(t *testing.T) {
	if FromError(nil) != nil {
		t.Fatal("FromError(nil) should be nil")
	}
	orig := NewArgResolutionError("execute", "b", "x", NewError(ErrCodeUpstreamBypassed, "execute", "upstream node a was bypassed", nil))
	d := FromError(orig)
	if d.Code != ErrCodeArgResolution || d.Stage != "execute" || d.Inner == nil {
		t.Fatalf("detail = %+v", d)
	}
	back := d.Err()
	if CodeOf(back) != ErrCodeArgResolution || !HasCode(back, ErrCodeUpstreamBypassed) {
		t.Errorf("round trip lost codes: %v", back)
	}
	if back.Error() != orig.Error() {
		t.Errorf("message = %q, want %q", back.Error(), orig.Error())
	}

	plain := FromError(errors.New("boom"))
	if plain.Code != ErrCodeInternal || plain.Message != "boom" {
		t.Errorf("plain detail = %+v", plain)
	}
}
