package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/dragonflow"
)

func blockingTool(name string, fn dragonflow.ToolFunc) *dragonflow.ResolvedTool {
	return &dragonflow.ResolvedTool{Name: name, QualifiedName: "test." + name, Func: fn}
}

func TestBridge_BlockingCallsAreBounded(t *testing.T) {
	b := New(2)
	defer b.Close()
	tool := blockingTool("sleep", func(ctx context.Context, args map[string]any) (any, error) {
		time.Sleep(30 * time.Millisecond)
		return "ok", nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.Call(context.Background(), tool, nil); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if peak := b.Stats().Peak; peak > 2 {
		t.Errorf("expected at most 2 concurrent blocking calls, got %d", peak)
	}
}

func TestBridge_AwaitableNotStarvedByBlocking(t *testing.T) {
	b := New(1)
	release := make(chan struct{})
	defer func() {
		close(release)
		b.Close()
	}()

	hog := blockingTool("hog", func(ctx context.Context, args map[string]any) (any, error) {
		<-release
		return nil, nil
	})
	go func() { _, _ = b.Call(context.Background(), hog, nil) }()
	time.Sleep(10 * time.Millisecond)

	awaitable := &dragonflow.ResolvedTool{
		Name:      "fetch",
		Awaitable: true,
		Func: func(ctx context.Context, args map[string]any) (any, error) {
			return "fetched", nil
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := b.Call(ctx, awaitable, nil)
	if err != nil {
		t.Fatalf("awaitable call failed: %v", err)
	}
	if got != "fetched" {
		t.Errorf("expected fetched, got %v", got)
	}
}

func TestBridge_NestedCallDoesNotDeadlock(t *testing.T) {
	b := New(1)
	defer b.Close()
	inner := blockingTool("inner", func(ctx context.Context, args map[string]any) (any, error) {
		return "inner", nil
	})
	outer := blockingTool("outer", func(ctx context.Context, args map[string]any) (any, error) {
		return b.Call(ctx, inner, nil)
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := b.Call(ctx, outer, nil)
	if err != nil {
		t.Fatalf("nested call failed: %v", err)
	}
	if got != "inner" {
		t.Errorf("expected inner, got %v", got)
	}
	if b.Stats().Nested != 1 {
		t.Errorf("expected 1 nested dispatch, got %d", b.Stats().Nested)
	}
}

func TestBridge_PanicBecomesToolError(t *testing.T) {
	b := New(1)
	defer b.Close()
	tool := blockingTool("boom", func(ctx context.Context, args map[string]any) (any, error) {
		panic("kaboom")
	})
	_, err := b.Call(context.Background(), tool, nil)
	if !dragonflow.HasCode(err, dragonflow.ErrCodeToolExecution) {
		t.Fatalf("expected tool execution error, got %v", err)
	}
}

func TestBridge_CancelWhileWaitingForSlot(t *testing.T) {
	b := New(1)
	release := make(chan struct{})
	defer func() {
		close(release)
		b.Close()
	}()
	hog := blockingTool("hog", func(ctx context.Context, args map[string]any) (any, error) {
		<-release
		return nil, nil
	})
	go func() { _, _ = b.Call(context.Background(), hog, nil) }()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Call(ctx, blockingTool("waiter", func(ctx context.Context, args map[string]any) (any, error) {
		return nil, nil
	}), nil)
	if !dragonflow.HasCode(err, dragonflow.ErrCodeCancelled) {
		t.Errorf("expected cancelled error, got %v", err)
	}
}
