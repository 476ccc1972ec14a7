// Package cachetest holds the behaviour every cache.Cache must show.
package cachetest

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/Strob0t/forgeline/internal/port/cache"
)

// Run exercises c. settle, when non-nil, is called after each write for
// caches that apply writes asynchronously.
func Run(t *testing.T, c cache.Cache, settle func()) {
	t.Helper()
	ctx := context.Background()
	if settle == nil {
		settle = func() {}
	}
	key := func(name string) string { return cache.Key("test", t.Name(), name) }

	t.Run("SetThenGet", func(t *testing.T) {
		k := key("set")
		if err := c.Set(ctx, k, []byte(`{"job_id":"1"}`), time.Minute); err != nil {
			t.Fatal(err)
		}
		settle()
		got, ok, err := c.Get(ctx, k)
		if err != nil || !ok {
			t.Fatalf("Get = %v, %v", ok, err)
		}
		if string(got) != `{"job_id":"1"}` {
			t.Fatalf("value = %s", got)
		}
	})

	t.Run("MissIsNotAnError", func(t *testing.T) {
		got, ok, err := c.Get(ctx, key("never-set"))
		if err != nil || ok || got != nil {
			t.Fatalf("Get = %q, %v, %v", got, ok, err)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		k := key("overwrite")
		_ = c.Set(ctx, k, []byte("old"), time.Minute)
		settle()
		_ = c.Set(ctx, k, []byte("new"), time.Minute)
		settle()
		got, _, _ := c.Get(ctx, k)
		if string(got) != "new" {
			t.Fatalf("value = %s, want new", got)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		k := key("delete")
		_ = c.Set(ctx, k, []byte("v"), time.Minute)
		settle()
		if err := c.Delete(ctx, k); err != nil {
			t.Fatal(err)
		}
		settle()
		if _, ok, _ := c.Get(ctx, k); ok {
			t.Fatal("value survived Delete")
		}
	})

	t.Run("DeleteMissing", func(t *testing.T) {
		if err := c.Delete(ctx, key("absent")); err != nil {
			t.Fatalf("Delete of an absent key = %v", err)
		}
	})

	t.Run("BinaryValue", func(t *testing.T) {
		k := key("binary")
		want := []byte{0, 1, 2, 0xff, '\n'}
		_ = c.Set(ctx, k, want, time.Minute)
		settle()
		got, ok, err := c.Get(ctx, k)
		if err != nil || !ok || !bytes.Equal(got, want) {
			t.Fatalf("Get = %v, %v, %v", got, ok, err)
		}
	})
}
