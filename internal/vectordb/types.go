package vectordb

// Point is one stored vector with its payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]interface{}
}

// ScoredPoint is a search hit.
type ScoredPoint struct {
	ID      string
	Score   float64
	Payload map[string]interface{}
}

// SearchParams bounds one vector search.
type SearchParams struct {
	Vector         []float32
	Limit          int
	ScoreThreshold float64
	// DocIDs restricts hits to the given documents when non-empty.
	DocIDs []string
}
