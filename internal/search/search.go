package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultNotebook      ResultType = "notebook"
	ResultChangeRequest ResultType = "change_request"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
	NotebookID string     `json:"notebookId"`
	Status     string     `json:"status,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text             string
	FilterType       ResultType // empty = all types
	FilterNotebookID string
	Limit            int
	Offset           int
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

// NotebookRecord is the data we index for a notebook.
type NotebookRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	OwnerID     string `json:"ownerId"`
	Public      bool   `json:"public"`
}

// ChangeRequestRecord is the data we index for a change request.
type ChangeRequestRecord struct {
	ID               string `json:"id"`
	RequestorComment string `json:"requestorComment"`
	OwnerComment     string `json:"ownerComment"`
	NotebookID       string `json:"notebookId"`
	Status           string `json:"status"`
}
