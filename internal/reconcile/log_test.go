package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"pkt.systems/pairbox/internal/msgcache"
	"pkt.systems/pairbox/schema"
)

type failingCache struct {
	saves int
}

func (c *failingCache) Load(context.Context, schema.ProjectID) ([]schema.Message, error) {
	return nil, errors.New("disk gone")
}

func (c *failingCache) Save(context.Context, schema.ProjectID, []schema.Message) error {
	c.saves++
	return errors.New("disk gone")
}

func TestLogScenarioUpdatesCache(t *testing.T) {
	ctx := context.Background()
	cache := msgcache.NewMemory()
	if err := cache.Save(ctx, "p1", []schema.Message{msgAt("A", "hi", 100)}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	log := NewLog("p1", cache)
	if got := log.LoadCached(ctx); len(got) != 1 {
		t.Fatalf("expected cached message, got %d", len(got))
	}

	merged := log.MergeServer(ctx, []schema.Message{msgAt("A", "hi", 100), msgAt("B", "yo", 200)})
	want := []schema.Message{msgAt("A", "hi", 100), msgAt("B", "yo", 200)}
	if diff := cmp.Diff(want, merged); diff != "" {
		t.Fatalf("merged log mismatch (-want +got):\n%s", diff)
	}
	cached, err := cache.Load(ctx, "p1")
	if err != nil {
		t.Fatalf("load cache: %v", err)
	}
	if diff := cmp.Diff(want, cached); diff != "" {
		t.Fatalf("cache mismatch (-want +got):\n%s", diff)
	}
}

func TestLogAppendDoesNotSort(t *testing.T) {
	ctx := context.Background()
	log := NewLog("p1", msgcache.NewMemory())
	log.Append(ctx, msgAt("a", "late", 900))
	log.AppendLocal(ctx, msgAt("b", "early", 100))
	msgs := log.Messages()
	if msgs[0].Body != "late" || msgs[1].Body != "early" {
		t.Fatalf("append must keep arrival order, got %+v", msgs)
	}
}

func TestLogCacheFailureKeepsMemory(t *testing.T) {
	ctx := context.Background()
	cache := &failingCache{}
	log := NewLog("p1", cache)
	if got := log.LoadCached(ctx); len(got) != 0 {
		t.Fatalf("failed load should leave an empty log")
	}
	log.AppendLocal(ctx, msgAt("a", "hi", 100))
	if log.Len() != 1 {
		t.Fatalf("cache failure must not block the in-memory update")
	}
	if cache.saves != 1 {
		t.Fatalf("expected one save attempt, got %d", cache.saves)
	}
}

func TestLogMessagesReturnsCopy(t *testing.T) {
	log := NewLog("p1", nil)
	log.Append(context.Background(), msgAt("a", "hi", 100))
	msgs := log.Messages()
	msgs[0].Body = "mutated"
	if log.Messages()[0].Body != "hi" {
		t.Fatalf("Messages must return a copy")
	}
}
