package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across issues and wiki_files using
// plainto_tsquery and ts_rank.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultIssue {
		issueWhere := "i.search_vector @@ " + tsQuery
		if q.FilterWorkspaceID != "" {
			issueWhere += fmt.Sprintf(" AND i.workspace_id = $%d", argN)
			args = append(args, q.FilterWorkspaceID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'issue'::text AS type, i.id, i.title,
				ts_headline('english', i.title, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				i.workspace_id, i.status,
				ts_rank(i.search_vector, %s) AS rank
			FROM issues i
			WHERE %s`, tsQuery, tsQuery, issueWhere))
	}

	if q.FilterType == "" || q.FilterType == ResultWikiPage {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'wikiPage'::text AS type, wf.id, wf.name AS title,
				ts_headline('english', wf.name, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				''::text AS workspace_id, ''::text AS status,
				ts_rank(wf.search_vector, %s) AS rank
			FROM wiki_files wf
			WHERE wf.search_vector @@ %s`, tsQuery, tsQuery, tsQuery))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, workspace_id, status
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.WorkspaceID, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]IssueRecord, []WikiPageRecord, error) {
	issueRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, status, workspace_id, identifier
		FROM issues
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load issues: %w", err)
	}
	defer issueRows.Close()

	issues := make([]IssueRecord, 0)
	for issueRows.Next() {
		var item IssueRecord
		if err := issueRows.Scan(&item.ID, &item.Title, &item.Status, &item.WorkspaceID, &item.Identifier); err != nil {
			return nil, nil, fmt.Errorf("scan issue: %w", err)
		}
		issues = append(issues, item)
	}
	if err := issueRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate issues: %w", err)
	}

	pageRows, err := p.db.QueryContext(ctx, `
		SELECT id, name, github_repository_id
		FROM wiki_files
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load wiki pages: %w", err)
	}
	defer pageRows.Close()

	pages := make([]WikiPageRecord, 0)
	for pageRows.Next() {
		var item WikiPageRecord
		if err := pageRows.Scan(&item.ID, &item.Name, &item.RepositoryID); err != nil {
			return nil, nil, fmt.Errorf("scan wiki page: %w", err)
		}
		pages = append(pages, item)
	}
	if err := pageRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate wiki pages: %w", err)
	}

	return issues, pages, nil
}
