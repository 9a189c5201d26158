package pinecone

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/replyflow/replyflow-backend/internal/logger"
	"github.com/replyflow/replyflow-backend/internal/utils"
)

// VectorIndex is the consumed similarity-search primitive: given an embedding
// and a threshold, return the best-matching knowledge chunks with scores.
type VectorIndex interface {
	Search(ctx context.Context, namespace string, embedding []float32, threshold float64, limit int) ([]ChunkMatch, error)
}

type ChunkMatch struct {
	ChunkID    string
	SourceID   string
	SourceType string
	Text       string
	Similarity float64
}

type client struct {
	log       *logger.Logger
	apiKey    string
	indexHost string
	nsPrefix  string
	http      *http.Client
}

func NewFromEnv(log *logger.Logger) (VectorIndex, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	apiKey := strings.TrimSpace(os.Getenv("PINECONE_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("missing PINECONE_API_KEY")
	}
	host := strings.TrimSpace(os.Getenv("PINECONE_INDEX_HOST"))
	if host == "" {
		return nil, fmt.Errorf("missing PINECONE_INDEX_HOST")
	}
	if !strings.HasPrefix(host, "http") {
		host = "https://" + host
	}
	nsPrefix := strings.TrimSpace(os.Getenv("PINECONE_NAMESPACE_PREFIX"))
	if nsPrefix == "" {
		nsPrefix = "rf"
	}
	timeoutSec := utils.GetEnvAsInt("PINECONE_TIMEOUT_SECONDS", 15, log)
	return &client{
		log:       log.With("client", "PineconeVectorIndex"),
		apiKey:    apiKey,
		indexHost: strings.TrimRight(host, "/"),
		nsPrefix:  nsPrefix,
		http:      &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
	}, nil
}

type queryRequest struct {
	Namespace       string    `json:"namespace"`
	Vector          []float32 `json:"vector"`
	TopK            int       `json:"topK"`
	IncludeMetadata bool      `json:"includeMetadata"`
}

type queryResponse struct {
	Matches []struct {
		ID       string         `json:"id"`
		Score    float64        `json:"score"`
		Metadata map[string]any `json:"metadata"`
	} `json:"matches"`
}

func (c *client) Search(ctx context.Context, namespace string, embedding []float32, threshold float64, limit int) ([]ChunkMatch, error) {
	if len(embedding) == 0 {
		return nil, fmt.Errorf("empty query embedding")
	}
	if limit <= 0 {
		limit = 8
	}
	reqBody := queryRequest{
		Namespace:       c.qualifyNamespace(namespace),
		Vector:          embedding,
		TopK:            limit,
		IncludeMetadata: true,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.indexHost+"/query", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Api-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("pinecone http %d: %s", resp.StatusCode, string(raw))
	}
	var qr queryResponse
	if err := json.Unmarshal(raw, &qr); err != nil {
		return nil, fmt.Errorf("pinecone query decode: %w", err)
	}

	out := make([]ChunkMatch, 0, len(qr.Matches))
	for _, m := range qr.Matches {
		if strings.TrimSpace(m.ID) == "" || m.Score < threshold {
			continue
		}
		out = append(out, ChunkMatch{
			ChunkID:    m.ID,
			SourceID:   metaString(m.Metadata, "source_id"),
			SourceType: metaString(m.Metadata, "source_type"),
			Text:       metaString(m.Metadata, "text"),
			Similarity: m.Score,
		})
	}
	return out, nil
}

func (c *client) qualifyNamespace(ns string) string {
	ns = strings.TrimSpace(ns)
	if ns == "" {
		return c.nsPrefix
	}
	return c.nsPrefix + ":" + ns
}

func metaString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
