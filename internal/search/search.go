// Package search provides full-text search over the tag catalog, backed by
// Meilisearch with a PostgreSQL FTS fallback.
package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Snippet  string `json:"snippet"`
	ParentID *int64 `json:"parentId"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// TagRecord is the data we index for a tag.
type TagRecord struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Intro    string `json:"intro"`
	ParentID *int64 `json:"parentId"`
}
