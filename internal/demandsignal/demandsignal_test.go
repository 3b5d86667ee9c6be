package demandsignal

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newUnreachableClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1", // nothing listens here
		DialTimeout: 50 * time.Millisecond,
	})
}

func waitForBuffered(b *Bus) []Signal {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if buf := b.Buffered(); len(buf) > 0 {
			return buf
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

func TestEmit_FallsBackLocallyOnPublishFailure(t *testing.T) {
	b := New(newUnreachableClient(), zerolog.Nop())
	b.Emit(Signal{ListingID: "lst_1", Type: TypeAPICall, Weight: 1.0})

	buf := waitForBuffered(b)
	if len(buf) != 1 {
		t.Fatalf("expected 1 buffered signal, got %d", len(buf))
	}
	if buf[0].ListingID != "lst_1" || buf[0].Type != TypeAPICall {
		t.Errorf("unexpected buffered signal: %+v", buf[0])
	}
	if buf[0].EmittedAt.IsZero() {
		t.Error("expected EmittedAt to be stamped")
	}
}

func TestEmit_FallbackBufferIsBounded(t *testing.T) {
	b := New(newUnreachableClient(), zerolog.Nop())
	b.fallbackCap = 3
	for i := 0; i < 10; i++ {
		b.Emit(Signal{ListingID: "lst_1", Type: TypeView, Weight: 0.2})
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(b.Buffered()) < 10 {
		time.Sleep(5 * time.Millisecond)
		if len(b.Buffered()) >= 3 {
			break
		}
	}
	if got := len(b.Buffered()); got > 3 {
		t.Errorf("expected buffer capped at 3, got %d", got)
	}
}

func TestNoopEmitter_DiscardsSignals(t *testing.T) {
	var e Emitter = NoopEmitter{}
	e.Emit(Signal{ListingID: "lst_1", Type: TypeSandboxTest, Weight: 0})
}
