package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultIssue    ResultType = "issue"
	ResultWikiPage ResultType = "wikiPage"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type        ResultType `json:"type"`
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Snippet     string     `json:"snippet"`
	WorkspaceID string     `json:"workspaceId,omitempty"`
	Status      string     `json:"status,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text              string
	FilterType        ResultType // empty = all types
	FilterWorkspaceID string
	Limit             int
	Offset            int
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

// IssueRecord is the data we index for an issue.
type IssueRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	WorkspaceID string `json:"workspaceId"`
	Identifier  int    `json:"identifier"`
}

// WikiPageRecord is the data we index for a wiki page.
type WikiPageRecord struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	RepositoryID int64  `json:"repositoryId"`
}
