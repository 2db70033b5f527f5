package lease

import (
	"context"
	"errors"
	"testing"

	"marcut/internal/services"
)

func TestAcquireAndRelease(t *testing.T) {
	m := NewManager(t.TempDir())
	held, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := held.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := NewManager(t.TempDir())
	held, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := held.Release(); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}
}

func TestTryAcquireReportsHeldLease(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)

	first, held, err := m.TryAcquire()
	if err != nil || held {
		t.Fatalf("first acquire: held=%v err=%v", held, err)
	}
	defer first.Release()

	_, held, err = m.TryAcquire()
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if !held {
		t.Fatal("second acquire should report the lease as held")
	}

	if err := first.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	third, held, err := m.TryAcquire()
	if err != nil || held {
		t.Fatalf("reacquire after release: held=%v err=%v", held, err)
	}
	_ = third.Release()
}

func TestAcquireDocumentIsExclusive(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)

	first, err := m.AcquireDocument(7)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if first.Path() == "" {
		t.Fatal("lease should expose its lock file")
	}

	if _, err := NewManager(dir).AcquireDocument(7); !errors.Is(err, services.ErrPermissionDenied) {
		t.Fatalf("held document lease should deny access, got %v", err)
	}

	other, err := m.AcquireDocument(8)
	if err != nil {
		t.Fatalf("a different document must not conflict: %v", err)
	}
	_ = other.Release()

	if err := first.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	again, err := m.AcquireDocument(7)
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	_ = again.Release()
}
