package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// TestStorage runs a conformance suite against a Storage implementation.
// Implementations call this from their own tests.
//
// The factory is invoked at the start of each subtest to provide a fresh
// Storage, so subtests do not interfere with each other.
func TestStorage(t *testing.T, factory func() Storage) {
	ctx := context.Background()

	t.Run("missing key", func(t *testing.T) {
		s := factory()

		v, ok, err := s.Get(ctx, "missing")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if ok || v != "" {
			t.Errorf("want missing key to be absent, got %q (ok %t)", v, ok)
		}
	})

	t.Run("set and get", func(t *testing.T) {
		s := factory()

		if err := s.Set(ctx, "k", "/applications"); err != nil {
			t.Fatalf("Set: %v", err)
		}
		v, ok, err := s.Get(ctx, "k")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !ok || v != "/applications" {
			t.Errorf("want /applications, got %q (ok %t)", v, ok)
		}
	})

	t.Run("overwrite", func(t *testing.T) {
		s := factory()

		for _, v := range []string{"first", "second"} {
			if err := s.Set(ctx, "k", v); err != nil {
				t.Fatalf("Set: %v", err)
			}
		}
		v, _, err := s.Get(ctx, "k")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if v != "second" {
			t.Errorf("want second, got %q", v)
		}
	})

	t.Run("empty value is present", func(t *testing.T) {
		s := factory()

		if err := s.Set(ctx, "k", ""); err != nil {
			t.Fatalf("Set: %v", err)
		}
		_, ok, err := s.Get(ctx, "k")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !ok {
			t.Error("want empty value to be reported as present")
		}
	})

	t.Run("remove", func(t *testing.T) {
		s := factory()

		if err := s.Set(ctx, "k", "v"); err != nil {
			t.Fatalf("Set: %v", err)
		}
		if err := s.Remove(ctx, "k"); err != nil {
			t.Fatalf("Remove: %v", err)
		}
		if _, ok, err := s.Get(ctx, "k"); err != nil || ok {
			t.Errorf("want key removed, got ok %t err %v", ok, err)
		}
		if err := s.Remove(ctx, "k"); err != nil {
			t.Errorf("removing a missing key: %v", err)
		}
	})

	t.Run("keys are independent", func(t *testing.T) {
		s := factory()

		want := map[string]string{"a": "1", "b": "2", "c": "3"}
		for k, v := range want {
			if err := s.Set(ctx, k, v); err != nil {
				t.Fatalf("Set: %v", err)
			}
		}
		if err := s.Remove(ctx, "b"); err != nil {
			t.Fatalf("Remove: %v", err)
		}
		delete(want, "b")

		got := map[string]string{}
		for _, k := range []string{"a", "b", "c"} {
			v, ok, err := s.Get(ctx, k)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if ok {
				got[k] = v
			}
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("contents mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("concurrent writers", func(t *testing.T) {
		s := factory()

		var wg sync.WaitGroup
		for i := range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := s.Set(ctx, fmt.Sprintf("k%d", i), "v"); err != nil {
					t.Errorf("Set: %v", err)
				}
			}()
		}
		wg.Wait()

		for i := range 10 {
			if _, ok, err := s.Get(ctx, fmt.Sprintf("k%d", i)); err != nil || !ok {
				t.Errorf("k%d: want present, got ok %t err %v", i, ok, err)
			}
		}
	})
}
