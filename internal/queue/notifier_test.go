package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testNotifier(t *testing.T) *Notifier {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewNotifier(client)
}

func TestNotifier_WakeDeliversHint(t *testing.T) {
	n := testNotifier(t)
	ctx := context.Background()

	if err := n.Wake(ctx); err != nil {
		t.Fatalf("wake: %v", err)
	}
	if !n.Wait(ctx, time.Second) {
		t.Fatal("expected wait to consume the hint")
	}
}

func TestNotifier_WaitTimesOutWithoutHint(t *testing.T) {
	n := testNotifier(t)

	start := time.Now()
	if n.Wait(context.Background(), 50*time.Millisecond) {
		t.Fatal("expected timeout, got hint")
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Fatal("wait returned before the timeout elapsed")
	}
}

func TestNotifier_HintsDoNotAccumulateUnbounded(t *testing.T) {
	n := testNotifier(t)
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		if err := n.Wake(ctx); err != nil {
			t.Fatalf("wake %d: %v", i, err)
		}
	}

	length, err := n.client.LLen(ctx, wakeKey).Result()
	if err != nil {
		t.Fatal(err)
	}
	if length > 64 {
		t.Fatalf("hint list grew to %d, trim is not applied", length)
	}
}

func TestNotifier_NilFallsBackToPolling(t *testing.T) {
	var n *Notifier

	if err := n.Wake(context.Background()); err != nil {
		t.Fatalf("nil wake: %v", err)
	}

	start := time.Now()
	if n.Wait(context.Background(), 30*time.Millisecond) {
		t.Fatal("nil notifier must never report a hint")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("nil wait must sleep out the poll interval")
	}
}

func TestNotifier_WaitRespectsContextCancel(t *testing.T) {
	n := testNotifier(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	n.Wait(ctx, 5*time.Second)
	if time.Since(start) > time.Second {
		t.Fatal("wait did not return promptly on cancel")
	}
}
