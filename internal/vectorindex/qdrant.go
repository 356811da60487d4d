package vectorindex

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/memoryd/internal/memerr"
	"github.com/fyrsmithlabs/memoryd/internal/scope"
)

// QdrantConfig configures the external Qdrant backend.
type QdrantConfig struct {
	// Host is the Qdrant server host. Default: "localhost"
	Host string

	// Port is the gRPC port. Default: 6334
	Port int

	// APIKey authenticates against Qdrant Cloud. Empty for local instances.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	// CollectionPrefix prefixes the per-kind collection names.
	// Default: "memoryd"
	CollectionPrefix string

	// VectorSize is the embedding dimension. Required; collections are
	// created with it on first use.
	VectorSize int

	// Timeout bounds each request. Default: 30s
	Timeout time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.CollectionPrefix == "" {
		c.CollectionPrefix = "memoryd"
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

// Validate validates the configuration.
func (c *QdrantConfig) Validate() error {
	if c.VectorSize <= 0 {
		return fmt.Errorf("vector size must be positive, got %d", c.VectorSize)
	}
	return nil
}

// Qdrant is the external vector index backend over gRPC.
//
// One collection per entry kind. Scope fields are payload fields with
// keyword indexes; selectors translate to native Match conditions so scope
// filtering happens inside Qdrant's query engine, wildcards included.
type Qdrant struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger

	// mu guards ensured; operations on different kinds race to create
	// collections otherwise.
	mu      sync.Mutex
	ensured map[Kind]bool
}

var _ Index = (*Qdrant)(nil)

// NewQdrant connects to the Qdrant server.
func NewQdrant(config QdrantConfig, logger *zap.Logger) (*Qdrant, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		APIKey: config.APIKey,
		UseTLS: config.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant at %s:%d: %w", config.Host, config.Port, err)
	}
	logger.Info("qdrant index initialized",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
		zap.Int("vector_size", config.VectorSize),
	)
	return &Qdrant{
		client:  client,
		config:  config,
		logger:  logger,
		ensured: make(map[Kind]bool),
	}, nil
}

func (s *Qdrant) collectionName(kind Kind) string {
	return fmt.Sprintf("%s_%ss", s.config.CollectionPrefix, kind)
}

func (s *Qdrant) ensureCollection(ctx context.Context, kind Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensured[kind] {
		return nil
	}
	name := s.collectionName(kind)
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return qdrantErr(fmt.Sprintf("checking collection %s", name), err)
	}
	if !exists {
		err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(s.config.VectorSize),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return qdrantErr(fmt.Sprintf("creating collection %s", name), err)
		}
	}
	s.ensured[kind] = true
	return nil
}

// qdrantErr wraps a server error, classifying retryable gRPC codes as
// transient so runners retry outages instead of failing the run.
func qdrantErr(op string, err error) error {
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
			return memerr.E(memerr.KindTransientStore, op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// pointID derives a stable UUID point ID from the entity ID so upserts
// replace rather than duplicate.
func pointID(id string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String())
}

const entityIDKey = "entity_id"
const textKey = "text"

// Upsert implements Index.
func (s *Qdrant) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return ErrEmptyEntries
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	byKind := make(map[Kind][]*qdrant.PointStruct)
	for _, e := range entries {
		if !KnownKind(e.Kind) {
			return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
		}
		if len(e.Vector) != s.config.VectorSize {
			return fmt.Errorf("%w: entry %s has %d dims, index expects %d",
				ErrDimensionMismatch, e.ID, len(e.Vector), s.config.VectorSize)
		}
		payload := map[string]*qdrant.Value{
			entityIDKey: qdrant.NewValueString(e.ID),
			textKey:     qdrant.NewValueString(e.Text),
		}
		for name, value := range e.Scope {
			payload[scopeMetaPrefix+name] = qdrant.NewValueString(value)
		}
		byKind[e.Kind] = append(byKind[e.Kind], &qdrant.PointStruct{
			Id:      pointID(e.ID),
			Vectors: qdrant.NewVectors(e.Vector...),
			Payload: payload,
		})
	}
	for kind, points := range byKind {
		if err := s.ensureCollection(ctx, kind); err != nil {
			return err
		}
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.collectionName(kind),
			Points:         points,
		})
		if err != nil {
			return qdrantErr(fmt.Sprintf("upserting %d %s points", len(points), kind), err)
		}
	}
	return nil
}

// Delete implements Index.
func (s *Qdrant) Delete(ctx context.Context, kind Kind, ids []string) error {
	if !KnownKind(kind) {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()
	if err := s.ensureCollection(ctx, kind); err != nil {
		return err
	}
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collectionName(kind),
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatchKeywords(entityIDKey, ids...),
			},
		}),
	})
	if err != nil {
		return qdrantErr(fmt.Sprintf("deleting %s points", kind), err)
	}
	return nil
}

// selectorFilter translates a scope selector into a Qdrant filter.
// Wildcard fields add no condition.
func selectorFilter(sel scope.Selector) *qdrant.Filter {
	var conditions []*qdrant.Condition
	for name, fs := range sel {
		if fs.Wildcard {
			continue
		}
		key := scopeMetaPrefix + name
		if len(fs.Values) == 1 {
			conditions = append(conditions, qdrant.NewMatch(key, fs.Values[0]))
		} else {
			conditions = append(conditions, qdrant.NewMatchKeywords(key, fs.Values...))
		}
	}
	return &qdrant.Filter{Must: conditions}
}

// Search implements Index.
func (s *Qdrant) Search(ctx context.Context, q Query) ([]Hit, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()
	if err := s.ensureCollection(ctx, q.Kind); err != nil {
		return nil, err
	}
	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collectionName(q.Kind),
		Query:          qdrant.NewQuery(q.Vector...),
		Filter:         selectorFilter(q.Selector),
		Limit:          qdrant.PtrOf(uint64(q.K)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, qdrantErr(fmt.Sprintf("querying %s collection", q.Kind), err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hit := Hit{Kind: q.Kind, Score: r.Score, Scope: make(scope.Key)}
		for k, v := range r.Payload {
			sv, ok := v.Kind.(*qdrant.Value_StringValue)
			if !ok {
				continue
			}
			switch {
			case k == entityIDKey:
				hit.ID = sv.StringValue
			case k == textKey:
				hit.Text = sv.StringValue
			case len(k) > len(scopeMetaPrefix) && k[:len(scopeMetaPrefix)] == scopeMetaPrefix:
				hit.Scope[k[len(scopeMetaPrefix):]] = sv.StringValue
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// DeleteScope implements Index.
func (s *Qdrant) DeleteScope(ctx context.Context, sk scope.Key) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()
	conditions := make([]*qdrant.Condition, 0, len(sk))
	for name, value := range sk {
		conditions = append(conditions, qdrant.NewMatch(scopeMetaPrefix+name, value))
	}
	for _, kind := range []Kind{KindItem, KindCategory} {
		if err := s.ensureCollection(ctx, kind); err != nil {
			return err
		}
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: s.collectionName(kind),
			Points:         qdrant.NewPointsSelectorFilter(&qdrant.Filter{Must: conditions}),
		})
		if err != nil {
			return qdrantErr(fmt.Sprintf("purging %s scope points", kind), err)
		}
	}
	return nil
}

// Close implements Index.
func (s *Qdrant) Close() error { return s.client.Close() }
