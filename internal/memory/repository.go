package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/selivandex/stock-agents/pkg/models"
)

// Item is one stored memory record
type Item struct {
	ID         string            `json:"id"`
	Collection string            `json:"collection"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Embedding  []float32         `json:"-"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Repository persists memory collections and items in Postgres. Embeddings
// ride along as JSON arrays; similarity ranking happens in process.
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates the memory repository
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// EnsureCollection registers a collection name idempotently
func (r *Repository) EnsureCollection(ctx context.Context, name string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO memory_collections (name, created_at)
		VALUES ($1, NOW())
		ON CONFLICT (name) DO NOTHING`, name)
	if err != nil {
		return fmt.Errorf("failed to ensure collection: %w", err)
	}
	return nil
}

// CollectionExists reports whether a collection is registered
func (r *Repository) CollectionExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM memory_collections WHERE name = $1`, name)
	if err != nil {
		return false, fmt.Errorf("failed to check collection: %w", err)
	}
	return n > 0, nil
}

// Insert stores one item and returns its generated ID
func (r *Repository) Insert(ctx context.Context, item *Item) (string, error) {
	id := uuid.New().String()

	metadata, err := json.Marshal(item.Metadata)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	embedding, err := json.Marshal(item.Embedding)
	if err != nil {
		return "", fmt.Errorf("failed to encode embedding: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO memory_items (id, collection, content, metadata, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		id, item.Collection, item.Content, metadata, embedding)
	if err != nil {
		return "", fmt.Errorf("failed to insert memory item: %w", err)
	}
	return id, nil
}

// ListByCollection loads up to limit newest items with their embeddings
func (r *Repository) ListByCollection(ctx context.Context, collection string, limit int) ([]Item, error) {
	rows, err := r.db.QueryxContext(ctx, `
		SELECT id, collection, content, metadata, embedding, created_at
		FROM memory_items WHERE collection = $1
		ORDER BY created_at DESC LIMIT $2`, collection, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list memory items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var (
			item      Item
			metadata  []byte
			embedding []byte
		)
		if err := rows.Scan(&item.ID, &item.Collection, &item.Content, &metadata, &embedding, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan memory item: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &item.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata: %w", err)
			}
		}
		if len(embedding) > 0 {
			if err := json.Unmarshal(embedding, &item.Embedding); err != nil {
				return nil, fmt.Errorf("failed to decode embedding: %w", err)
			}
		}
		items = append(items, item)
	}
	return items, nil
}

// Delete removes one item
func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM memory_items WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete memory item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.NewError(models.ErrNotFound, "memory item not found")
	}
	return nil
}

// GetEmbedding implements embeddings.EmbeddingRepository for deduplication
func (r *Repository) Get(ctx context.Context, textHash string) ([]float32, bool) {
	var raw []byte
	err := r.db.GetContext(ctx, &raw,
		`SELECT embedding FROM embeddings WHERE text_hash = $1`, textHash)
	if errors.Is(err, sql.ErrNoRows) || err != nil {
		return nil, false
	}
	var embedding []float32
	if err := json.Unmarshal(raw, &embedding); err != nil {
		return nil, false
	}
	return embedding, true
}

// Set implements embeddings.EmbeddingRepository
func (r *Repository) Set(ctx context.Context, textHash string, embedding []float32, model string, textLength int) error {
	raw, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to encode embedding: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO embeddings (text_hash, embedding, model, text_length, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (text_hash) DO NOTHING`,
		textHash, raw, model, textLength)
	if err != nil {
		return fmt.Errorf("failed to store embedding: %w", err)
	}
	return nil
}
