package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakePersistence struct {
	mu          sync.Mutex
	collections map[string]int
	items       map[string][]Item
	nextID      int
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{
		collections: make(map[string]int),
		items:       make(map[string][]Item),
	}
}

func (f *fakePersistence) EnsureCollection(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collections[name]++
	return nil
}

func (f *fakePersistence) Insert(ctx context.Context, item *Item) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	stored := *item
	stored.ID = fmt.Sprintf("mem-%d", f.nextID)
	stored.CreatedAt = time.Now()
	f.items[item.Collection] = append(f.items[item.Collection], stored)
	return stored.ID, nil
}

func (f *fakePersistence) ListByCollection(ctx context.Context, collection string, limit int) ([]Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.items[collection]
	if len(items) > limit {
		items = items[:limit]
	}
	out := make([]Item, len(items))
	copy(out, items)
	return out, nil
}

func (f *fakePersistence) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for collection, items := range f.items {
		for i, item := range items {
			if item.ID == id {
				f.items[collection] = append(items[:i], items[i+1:]...)
				return nil
			}
		}
	}
	return fmt.Errorf("not found")
}

// hashEmbedder maps keywords onto fixed axes so similarity is predictable
type hashEmbedder struct{}

func (hashEmbedder) Generate(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, 4)
	if strings.Contains(text, "bull") {
		vec[0] = 1
	}
	if strings.Contains(text, "bear") {
		vec[1] = 1
	}
	if strings.Contains(text, "risk") {
		vec[2] = 1
	}
	if strings.Contains(text, "tech") {
		vec[3] = 1
	}
	if vec[0]+vec[1]+vec[2]+vec[3] == 0 {
		vec[3] = 0.5
	}
	return vec, nil
}

func TestAddAndSearch(t *testing.T) {
	repo := newFakePersistence()
	store := NewStore(repo, hashEmbedder{})
	ctx := context.Background()

	if _, err := store.Add(ctx, "analyst_notes", "bull case for AAPL", nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := store.Add(ctx, "analyst_notes", "bear case for TSLA", nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := store.Add(ctx, "analyst_notes", "risk factors in banking", nil); err != nil {
		t.Fatalf("add: %v", err)
	}

	hits, err := store.Search(ctx, "analyst_notes", "strong bull momentum", 2, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if !strings.Contains(hits[0].Item.Content, "bull") {
		t.Errorf("best hit should be the bull note, got %q", hits[0].Item.Content)
	}
	if hits[0].Score <= hits[1].Score {
		t.Errorf("hits not sorted by score: %f then %f", hits[0].Score, hits[1].Score)
	}
}

func TestSearchMinScoreFiltersWeakHits(t *testing.T) {
	repo := newFakePersistence()
	store := NewStore(repo, hashEmbedder{})
	ctx := context.Background()

	if _, err := store.Add(ctx, "analyst_notes", "bull case for AAPL", nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := store.Add(ctx, "analyst_notes", "risk factors in banking", nil); err != nil {
		t.Fatalf("add: %v", err)
	}

	// The risk note is orthogonal to a bull query (similarity 0) and must
	// fall below the threshold
	hits, err := store.Search(ctx, "analyst_notes", "strong bull momentum", 5, 0.5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit above threshold, got %d", len(hits))
	}
	if !strings.Contains(hits[0].Item.Content, "bull") {
		t.Errorf("surviving hit = %q, want the bull note", hits[0].Item.Content)
	}
}

func TestCollectionRegisteredOnce(t *testing.T) {
	repo := newFakePersistence()
	store := NewStore(repo, hashEmbedder{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := store.Add(ctx, "shared", fmt.Sprintf("note %d tech", i), nil); err != nil {
				t.Errorf("add: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if repo.collections["shared"] != 1 {
		t.Errorf("EnsureCollection called %d times, want 1", repo.collections["shared"])
	}
	if len(repo.items["shared"]) != 10 {
		t.Errorf("expected 10 items, got %d", len(repo.items["shared"]))
	}
}

func TestAddValidation(t *testing.T) {
	store := NewStore(newFakePersistence(), hashEmbedder{})
	if _, err := store.Add(context.Background(), "", "content", nil); err == nil {
		t.Error("expected error for empty collection")
	}
	if _, err := store.Add(context.Background(), "c", "", nil); err == nil {
		t.Error("expected error for empty content")
	}
}

func TestForget(t *testing.T) {
	repo := newFakePersistence()
	store := NewStore(repo, hashEmbedder{})
	ctx := context.Background()

	id, err := store.Add(ctx, "notes", "bear thesis", nil)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := store.Forget(ctx, id); err != nil {
		t.Fatalf("forget: %v", err)
	}
	hits, err := store.Search(ctx, "notes", "bear", 5, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("expected empty collection after forget, got %d hits", len(hits))
	}
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"length mismatch", []float32{1}, []float32{1, 0}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cosine(tt.a, tt.b)
			if got < tt.want-1e-9 || got > tt.want+1e-9 {
				t.Errorf("cosine = %f, want %f", got, tt.want)
			}
		})
	}
}
