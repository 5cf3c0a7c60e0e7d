package lock

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

func TestMemoryTryAcquireIsExclusive(t *testing.T) {
	m := NewMemory()
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.TryAcquire(context.Background(), "sync:u1")
			if err != nil {
				t.Errorf("try acquire: %v", err)
			}
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}

	if err := m.Release(context.Background(), "sync:u1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, _ := m.TryAcquire(context.Background(), "sync:u1")
	if !ok {
		t.Fatalf("expected key to be free after release")
	}
}

func TestMemoryReleaseIsIdempotent(t *testing.T) {
	m := NewMemory()
	if err := m.Release(context.Background(), "never-held"); err != nil {
		t.Fatalf("release of unheld key should be a no-op, got %v", err)
	}
	_, _ = m.TryAcquire(context.Background(), "k")
	_ = m.Release(context.Background(), "k")
	if err := m.Release(context.Background(), "k"); err != nil {
		t.Fatalf("double release should be a no-op, got %v", err)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	m := NewMemory()
	a, _ := m.TryAcquire(context.Background(), Key("sync", "u1"))
	b, _ := m.TryAcquire(context.Background(), Key("sync", "u2"))
	if !a || !b {
		t.Fatalf("expected different owners to lock independently")
	}
}

func TestWithReleasesAfterError(t *testing.T) {
	m := NewMemory()
	boom := errors.New("boom")
	acquired, err := With(context.Background(), m, "sync:u1", func(context.Context) error {
		if !m.Held("sync:u1") {
			t.Fatalf("expected lock to be held inside body")
		}
		return boom
	})
	if !acquired || !errors.Is(err, boom) {
		t.Fatalf("expected acquired with boom, got acquired=%v err=%v", acquired, err)
	}
	ok, _ := m.TryAcquire(context.Background(), "sync:u1")
	if !ok {
		t.Fatalf("expected lock released after error")
	}
}

func TestWithReleasesAfterPanic(t *testing.T) {
	m := NewMemory()
	func() {
		defer func() { _ = recover() }()
		_, _ = With(context.Background(), m, "sync:u1", func(context.Context) error {
			panic("kaboom")
		})
	}()
	if m.Held("sync:u1") {
		t.Fatalf("expected lock released after panic")
	}
}

type spyCoordinator struct {
	acquire  bool
	releases int
}

func (s *spyCoordinator) TryAcquire(context.Context, string) (bool, error) { return s.acquire, nil }

func (s *spyCoordinator) Release(context.Context, string) error {
	s.releases++
	return nil
}

func TestWithSkipsBodyAndReleaseWhenBusy(t *testing.T) {
	spy := &spyCoordinator{acquire: false}
	called := false
	acquired, err := With(context.Background(), spy, "sync:u1", func(context.Context) error {
		called = true
		return nil
	})
	if acquired || err != nil || called {
		t.Fatalf("expected busy lock to skip body, got acquired=%v err=%v called=%v", acquired, err, called)
	}
	if spy.releases != 0 {
		t.Fatalf("expected no release attempt, got %d", spy.releases)
	}
}

func TestWithSurfacesReleaseError(t *testing.T) {
	relErr := errors.New("release failed")
	c := &failingRelease{err: relErr}
	_, err := With(context.Background(), c, "k", func(context.Context) error { return nil })
	if !errors.Is(err, relErr) {
		t.Fatalf("expected release error, got %v", err)
	}
}

type failingRelease struct{ err error }

func (f *failingRelease) TryAcquire(context.Context, string) (bool, error) { return true, nil }

func (f *failingRelease) Release(context.Context, string) error { return f.err }

func TestRedisLeaseIntegration(t *testing.T) {
	addr := os.Getenv("DELTASYNC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set DELTASYNC_TEST_REDIS_ADDR to run redis integration tests")
	}
	rdb := r.NewClient(&r.Options{Addr: addr})
	defer rdb.Close()
	key := "it:" + time.Now().Format("150405.000000000")

	a := NewRedis(rdb, time.Second)
	b := NewRedis(rdb, time.Second)
	ok, err := a.TryAcquire(context.Background(), key)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, err = b.TryAcquire(context.Background(), key)
	if err != nil || ok {
		t.Fatalf("second acquire should fail: ok=%v err=%v", ok, err)
	}
	if err := b.Release(context.Background(), key); err != nil {
		t.Fatalf("release by non-holder should be a no-op: %v", err)
	}
	if err := a.Release(context.Background(), key); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, _ = b.TryAcquire(context.Background(), key)
	if !ok {
		t.Fatalf("expected key free after release")
	}
	_ = b.Release(context.Background(), key)
}
