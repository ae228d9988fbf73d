package redirectpath

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"lds.li/oidcflow/storage"
)

func TestStore_SetPersists(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemStorage()

	if err := New(mem).Set(ctx, "/applications"); err != nil {
		t.Fatal(err)
	}

	v, ok, _ := mem.Get(ctx, StorageKey)
	if !ok || v != "/applications" {
		t.Fatalf("want /applications in storage, got %q (ok %t)", v, ok)
	}

	got, ok, err := New(mem).Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || got != "/applications" {
		t.Errorf("fresh store: want /applications, got %q (ok %t)", got, ok)
	}
}

func TestStore_GetReadsAndClears(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemStorage()
	if err := mem.Set(ctx, StorageKey, "/applications"); err != nil {
		t.Fatal(err)
	}

	s := New(mem)
	got, ok, err := s.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || got != "/applications" {
		t.Fatalf("want /applications, got %q (ok %t)", got, ok)
	}

	if _, ok, _ := mem.Get(ctx, StorageKey); ok {
		t.Error("want durable value removed after first read")
	}

	// cached copy is still served
	for range 3 {
		got, ok, err := s.Get(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !ok || got != "/applications" {
			t.Errorf("repeat read: want /applications, got %q (ok %t)", got, ok)
		}
	}

	// a reload (new store) no longer sees it
	if _, ok, _ := New(mem).Get(ctx); ok {
		t.Error("want no value for a new store after the durable value was consumed")
	}
}

func TestStore_ReadOnceFromDurable(t *testing.T) {
	ctx := context.Background()
	cs := &countingStorage{Storage: storage.NewMemStorage()}

	s := New(cs)
	for range 3 {
		if _, _, err := s.Get(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if cs.gets != 1 {
		t.Errorf("want 1 durable read, got %d", cs.gets)
	}
}

func TestStore_Clear(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemStorage()
	s := New(mem)

	if err := s.Set(ctx, "/applications"); err != nil {
		t.Fatal(err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatal(err)
	}

	if _, ok, _ := s.Get(ctx); ok {
		t.Error("want no value after clear")
	}
	if _, ok, _ := mem.Get(ctx, StorageKey); ok {
		t.Error("want durable value removed by clear")
	}
}

func TestStore_HasActive(t *testing.T) {
	ctx := context.Background()
	s := New(storage.NewMemStorage())

	for _, tc := range []struct {
		name string
		op   func() error
		want bool
	}{
		{name: "initial", op: func() error { return nil }, want: false},
		{name: "cleared", op: func() error { return s.Clear(ctx) }, want: false},
		{name: "set", op: func() error { return s.Set(ctx, "/applications") }, want: true},
		{name: "set empty", op: func() error { return s.Set(ctx, "") }, want: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.op(); err != nil {
				t.Fatal(err)
			}
			got, err := s.HasActive(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Errorf("want %t, got %t", tc.want, got)
			}
		})
	}
}

func TestStore_Take(t *testing.T) {
	ctx := context.Background()
	s := New(storage.NewMemStorage())

	if err := s.Set(ctx, "/x"); err != nil {
		t.Fatal(err)
	}
	p, ok, err := s.Take(ctx)
	if err != nil || !ok || p != "/x" {
		t.Fatalf("want /x, got %q (ok %t, err %v)", p, ok, err)
	}
	if _, ok, err := s.Take(ctx); err != nil || ok {
		t.Errorf("second take: want nothing, got ok %t err %v", ok, err)
	}
}

func TestStore_TakeDoesNotLoseConcurrentSet(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemStorage()
	if err := mem.Set(ctx, StorageKey, "/old"); err != nil {
		t.Fatal(err)
	}
	bs := &blockingStorage{Storage: mem, entered: make(chan struct{}), release: make(chan struct{})}
	s := New(bs)

	var wg sync.WaitGroup
	wg.Go(func() {
		if p, ok, err := s.Take(ctx); err != nil || !ok || p != "/old" {
			t.Errorf("take: want /old, got %q (ok %t, err %v)", p, ok, err)
		}
	})
	<-bs.entered
	wg.Go(func() {
		if err := s.Set(ctx, "/new"); err != nil {
			t.Errorf("set: %v", err)
		}
	})
	time.Sleep(20 * time.Millisecond)
	close(bs.release)
	wg.Wait()

	p, ok, err := s.Get(ctx)
	if err != nil || !ok || p != "/new" {
		t.Errorf("want /new after concurrent set, got %q (ok %t, err %v)", p, ok, err)
	}
}

func TestStore_StorageError(t *testing.T) {
	wantErr := errors.New("boom")
	s := New(&failingStorage{err: wantErr})

	if _, _, err := s.Get(context.Background()); !errors.Is(err, wantErr) {
		t.Errorf("want %v, got %v", wantErr, err)
	}
	if err := s.Set(context.Background(), "/x"); !errors.Is(err, wantErr) {
		t.Errorf("want %v, got %v", wantErr, err)
	}
}

type countingStorage struct {
	storage.Storage
	gets int
}

func (c *countingStorage) Get(ctx context.Context, key string) (string, bool, error) {
	c.gets++
	return c.Storage.Get(ctx, key)
}

// blockingStorage holds the first Remove until release is closed.
type blockingStorage struct {
	storage.Storage
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStorage) Remove(ctx context.Context, key string) error {
	b.once.Do(func() {
		close(b.entered)
		<-b.release
	})
	return b.Storage.Remove(ctx, key)
}

type failingStorage struct {
	err error
}

func (f *failingStorage) Get(context.Context, string) (string, bool, error) { return "", false, f.err }
func (f *failingStorage) Set(context.Context, string, string) error         { return f.err }
func (f *failingStorage) Remove(context.Context, string) error              { return f.err }
