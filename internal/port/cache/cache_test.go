package cache_test

import (
	"regexp"
	"testing"

	"github.com/Strob0t/forgeline/internal/port/cache"
)

func TestKey(t *testing.T) {
	a := cache.Key("idem", "POST", "/api/v1/runs", "abc")
	b := cache.Key("idem", "POST", "/api/v1/runs", "abc")
	if a != b {
		t.Fatalf("Key is not deterministic: %s != %s", a, b)
	}
	if a == cache.Key("idem", "POST", "/api/v1/runsabc") {
		t.Fatal("part boundaries must matter")
	}
	if ok := regexp.MustCompile(`^[A-Za-z0-9_.-]+$`).MatchString(cache.Key("idem", "key with spaces/and*wild>")); !ok {
		t.Fatal("key contains characters NATS KV rejects")
	}
}
