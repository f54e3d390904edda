package docstore

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Document is a unit of retrievable content. It is never modified after
// ingestion.
type Document struct {
	ID       string
	Text     string
	Metadata map[string]any
}

// Record is a Document together with its embedding, ready to be upserted.
type Record struct {
	Document
	Embedding []float32
}

// Candidate is a retrieval result. Similarity comes from the vector store,
// Relevance is only set once the candidate went through the reranker.
type Candidate struct {
	Document
	Similarity float32
	Relevance  float32
}

func encodeMetadata(meta map[string]any) (string, error) {
	if meta == nil {
		return "{}", nil
	}

	raw, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}

	return string(raw), nil
}

func decodeMetadata(raw string) (map[string]any, error) {
	meta := make(map[string]any)
	if raw == "" {
		return meta, nil
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	if err := dec.Decode(&meta); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}

	for k, v := range meta {
		n, ok := v.(json.Number)
		if !ok {
			continue
		}

		if i, err := n.Int64(); err == nil {
			meta[k] = i
		} else if f, err := n.Float64(); err == nil {
			meta[k] = f
		}
	}

	return meta, nil
}
