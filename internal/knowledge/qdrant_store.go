package knowledge

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/memohai/omnicore/internal/config"
)

// sparseVectorName is the named sparse vector holding hashed keyword weights.
const sparseVectorName = "sparse_hash"

const sparseDimensions = 1 << 20

// QdrantStore indexes entries as hashed sparse keyword vectors, so lookups
// need no embedding model. Candidates are re-ranked with Rank.
type QdrantStore struct {
	logger     *slog.Logger
	client     *qdrant.Client
	collection string
	timeout    time.Duration
}

func NewQdrantStore(ctx context.Context, log *slog.Logger, cfg config.QdrantConfig) (*QdrantStore, error) {
	if log == nil {
		log = slog.Default()
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant client: %w", err)
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	s := &QdrantStore{
		logger:     log.With(slog.String("component", "knowledge_qdrant")),
		client:     client,
		collection: cfg.Collection,
		timeout:    timeout,
	}
	if err := s.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("qdrant collection exists: %w", err)
	}
	if exists {
		return nil
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		SparseVectorsConfig: qdrant.NewSparseVectorsConfig(map[string]*qdrant.SparseVectorParams{
			sparseVectorName: {},
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant create collection: %w", err)
	}
	s.logger.Info("knowledge collection created", slog.String("collection", s.collection))
	return nil
}

func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// Upsert writes entries. Ids must be UUIDs; empty ids are generated.
func (s *QdrantStore) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, 0, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		indices, values := sparseVector(append(Tokens(e.Term), keywordTokens(e.Keywords)...))
		if len(indices) == 0 {
			continue
		}
		points = append(points, &qdrant.PointStruct{
			Id: qdrant.NewID(e.ID),
			Vectors: qdrant.NewVectorsMap(map[string]*qdrant.Vector{
				sparseVectorName: qdrant.NewVectorSparse(indices, values),
			}),
			Payload: qdrant.NewValueMap(map[string]any{
				"tenant_id": e.TenantID,
				"term":      e.Term,
				"keywords":  strings.Join(e.Keywords, ","),
				"content":   e.Content,
			}),
		})
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	wait := true
	if _, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points:         points,
	}); err != nil {
		return fmt.Errorf("qdrant upsert: %w", err)
	}
	return nil
}

func (s *QdrantStore) Lookup(ctx context.Context, tenantID, text string, limit int) ([]Snippet, error) {
	indices, values := sparseVector(Tokens(text))
	if len(indices) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = config.DefaultKnowledgeLimit
	}
	// Over-fetch so exact term matches can be promoted by Rank.
	fetch := uint64(limit * 4)
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuerySparse(indices, values),
		Using:          qdrant.PtrOf(sparseVectorName),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("tenant_id", tenantID)},
		},
		Limit:       &fetch,
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant query: %w", err)
	}
	entries := make([]Entry, 0, len(points))
	for _, p := range points {
		payload := p.GetPayload()
		e := Entry{
			ID:       p.GetId().GetUuid(),
			TenantID: payload["tenant_id"].GetStringValue(),
			Term:     payload["term"].GetStringValue(),
			Content:  payload["content"].GetStringValue(),
		}
		for _, k := range strings.Split(payload["keywords"].GetStringValue(), ",") {
			if k = strings.TrimSpace(k); k != "" {
				e.Keywords = append(e.Keywords, k)
			}
		}
		entries = append(entries, e)
	}
	return Rank(text, entries, limit), nil
}

// sparseVector hashes tokens into unique sorted indices with unit weights.
func sparseVector(tokens []string) ([]uint32, []float32) {
	seen := map[uint32]bool{}
	for _, tok := range tokens {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		seen[h.Sum32()%sparseDimensions] = true
	}
	indices := make([]uint32, 0, len(seen))
	for idx := range seen {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	values := make([]float32, len(indices))
	for i := range values {
		values[i] = 1
	}
	return indices, values
}
