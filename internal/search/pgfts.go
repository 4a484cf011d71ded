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

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: if Postgres is down the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across notebooks and change_requests
// using plainto_tsquery and ts_rank, with ts_headline for snippets.
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

	if q.FilterType == "" || q.FilterType == ResultNotebook {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'notebook'::text AS type, n.id, n.title,
				ts_headline('english', coalesce(n.description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				n.id AS notebook_id,
				''::text AS status,
				ts_rank(n.fts, %s) AS rank
			FROM notebooks n
			WHERE n.fts @@ %s`, tsQuery, tsQuery, tsQuery))
	}

	if q.FilterType == "" || q.FilterType == ResultChangeRequest {
		crWhere := "cr.fts @@ " + tsQuery
		if q.FilterNotebookID != "" {
			crWhere += fmt.Sprintf(" AND cr.notebook_id = $%d", argN)
			args = append(args, q.FilterNotebookID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'change_request'::text AS type, cr.reqid AS id, cr.requestor_comment AS title,
				ts_headline('english', coalesce(cr.owner_comment, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				cr.notebook_id,
				cr.status,
				ts_rank(cr.fts, %s) AS rank
			FROM change_requests cr
			WHERE %s`, tsQuery, tsQuery, crWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, notebook_id, status
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
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.NotebookID, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]NotebookRecord, []ChangeRequestRecord, error) {
	nbRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, description, owner_id, public
		FROM notebooks
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load notebooks: %w", err)
	}
	defer nbRows.Close()

	notebooks := make([]NotebookRecord, 0)
	for nbRows.Next() {
		var n NotebookRecord
		if err := nbRows.Scan(&n.ID, &n.Title, &n.Description, &n.OwnerID, &n.Public); err != nil {
			return nil, nil, fmt.Errorf("scan notebook: %w", err)
		}
		notebooks = append(notebooks, n)
	}
	if err := nbRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate notebooks: %w", err)
	}

	crRows, err := p.db.QueryContext(ctx, `
		SELECT reqid, requestor_comment, owner_comment, notebook_id, status
		FROM change_requests
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load change requests: %w", err)
	}
	defer crRows.Close()

	requests := make([]ChangeRequestRecord, 0)
	for crRows.Next() {
		var cr ChangeRequestRecord
		if err := crRows.Scan(&cr.ID, &cr.RequestorComment, &cr.OwnerComment, &cr.NotebookID, &cr.Status); err != nil {
			return nil, nil, fmt.Errorf("scan change request: %w", err)
		}
		requests = append(requests, cr)
	}
	if err := crRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate change requests: %w", err)
	}

	return notebooks, requests, nil
}
