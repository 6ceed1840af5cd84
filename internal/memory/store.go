package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/selivandex/stock-agents/pkg/logger"
	"github.com/selivandex/stock-agents/pkg/models"
)

// rankPoolSize caps how many recent items are loaded for in-process ranking
const rankPoolSize = 500

// Embedder turns text into a vector; pkg/embeddings.Client satisfies this
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float32, error)
}

// Persistence is the storage the store runs on; *Repository in production
type Persistence interface {
	EnsureCollection(ctx context.Context, name string) error
	Insert(ctx context.Context, item *Item) (string, error)
	ListByCollection(ctx context.Context, collection string, limit int) ([]Item, error)
	Delete(ctx context.Context, id string) error
}

// Scored is a search hit with its cosine similarity
type Scored struct {
	Item  Item    `json:"item"`
	Score float64 `json:"score"`
}

// Store gives agents long-term memory: per-collection records ranked by
// embedding similarity. Collection registration is cached with a
// double-checked map so the common path skips the database.
type Store struct {
	repo     Persistence
	embedder Embedder

	mu    sync.RWMutex
	known map[string]bool
}

// NewStore creates the memory store
func NewStore(repo Persistence, embedder Embedder) *Store {
	return &Store{
		repo:     repo,
		embedder: embedder,
		known:    make(map[string]bool),
	}
}

// ensureCollection registers the collection once per process
func (s *Store) ensureCollection(ctx context.Context, name string) error {
	s.mu.RLock()
	ok := s.known[name]
	s.mu.RUnlock()
	if ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.known[name] {
		return nil
	}
	if err := s.repo.EnsureCollection(ctx, name); err != nil {
		return err
	}
	s.known[name] = true

	logger.Debug("memory collection registered", zap.String("collection", name))
	return nil
}

// Add embeds and stores one memory record
func (s *Store) Add(ctx context.Context, collection, content string, metadata map[string]string) (string, error) {
	if collection == "" || content == "" {
		return "", models.NewError(models.ErrValidation, "collection and content are required")
	}
	if err := s.ensureCollection(ctx, collection); err != nil {
		return "", err
	}

	embedding, err := s.embedder.Generate(ctx, content)
	if err != nil {
		return "", fmt.Errorf("failed to embed memory: %w", err)
	}

	return s.repo.Insert(ctx, &Item{
		Collection: collection,
		Content:    content,
		Metadata:   metadata,
		Embedding:  embedding,
	})
}

// Search returns the topK most similar records in a collection, skipping
// hits scoring below minScore. minScore 0 keeps everything non-negative.
func (s *Store) Search(ctx context.Context, collection, query string, topK int, minScore float64) ([]Scored, error) {
	if topK <= 0 {
		topK = 5
	}
	if err := s.ensureCollection(ctx, collection); err != nil {
		return nil, err
	}

	queryVec, err := s.embedder.Generate(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	items, err := s.repo.ListByCollection(ctx, collection, rankPoolSize)
	if err != nil {
		return nil, err
	}

	scored := make([]Scored, 0, len(items))
	for _, item := range items {
		if len(item.Embedding) == 0 {
			continue
		}
		score := cosine(queryVec, item.Embedding)
		if score < minScore {
			continue
		}
		scored = append(scored, Scored{Item: item, Score: score})
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

// Forget removes one record by ID
func (s *Store) Forget(ctx context.Context, id string) error {
	return s.repo.Delete(ctx, id)
}

// cosine computes similarity; mismatched or zero vectors score zero
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
