package vectordb

import "time"

// Config controls Qdrant client behavior
type Config struct {
	Enabled    bool
	Host       string
	Port       int
	Collection string
	// Search params
	TopK      int
	Threshold float64
	Timeout   time.Duration
	// Validation
	ExpectedEmbeddingDim int
}

// Point is a scored search hit
type Point struct {
	ID      interface{}            `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

// Text returns the payload's text field
func (p Point) Text() string {
	return p.String("text")
}

// String returns a string payload field or ""
func (p Point) String(key string) string {
	if v, ok := p.Payload[key].(string); ok {
		return v
	}
	return ""
}

// SearchRequest describes one similarity query. Zero Limit and Threshold use the
// client's configured defaults.
type SearchRequest struct {
	Collection string
	Vector     []float32
	Limit      int
	Threshold  float64
	Filter     *Filter
}

// Filter is a Qdrant filter with "must" conditions
type Filter struct {
	Must []Condition `json:"must,omitempty"`
}

// Condition matches a payload key
type Condition struct {
	Key   string `json:"key"`
	Match Match  `json:"match"`
}

// Match is either an exact value or any of a set
type Match struct {
	Value interface{} `json:"value,omitempty"`
	Any   []string    `json:"any,omitempty"`
}

// MatchValue builds an exact-match condition
func MatchValue(key string, value interface{}) Condition {
	return Condition{Key: key, Match: Match{Value: value}}
}

// MatchAny builds a set-membership condition
func MatchAny(key string, values ...string) Condition {
	return Condition{Key: key, Match: Match{Any: values}}
}

// UpsertItem represents a single point to insert into Qdrant
type UpsertItem struct {
	ID      interface{}            `json:"id,omitempty"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload"`
}

// UpsertResponse captures basic Qdrant upsert response
type UpsertResponse struct {
	Status string  `json:"status"`
	Time   float64 `json:"time"`
}
