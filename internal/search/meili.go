package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxNotebooks      = "notehub_notebooks"
	idxChangeRequests = "notehub_change_requests"
)

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes. The
// caller proceeds without search if the instance stays unreachable; the
// health loop reconfigures indexes on recovery.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		primaryKey string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxNotebooks,
			primaryKey: "id",
			filterable: []string{"ownerId", "public"},
			searchable: []string{"title", "description"},
		},
		{
			uid:        idxChangeRequests,
			primaryKey: "id",
			filterable: []string{"notebookId", "status"},
			searchable: []string{"requestorComment", "ownerComment"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: idx.primaryKey,
		}); err != nil {
			log.Printf("search: create index %s (may already exist): %v", idx.uid, err)
		}

		index := m.client.Index(idx.uid)
		filterableInterface := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterableInterface[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterableInterface); err != nil {
			log.Printf("search: update filterable attrs for %s: %v", idx.uid, err)
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			log.Printf("search: update searchable attrs for %s: %v", idx.uid, err)
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries both indexes (or a filtered subset) and merges results.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	var queries []*meili.SearchRequest
	targetIndexes := []struct {
		uid  string
		rtyp ResultType
	}{
		{idxNotebooks, ResultNotebook},
		{idxChangeRequests, ResultChangeRequest},
	}

	for _, ti := range targetIndexes {
		if q.FilterType != "" && q.FilterType != ti.rtyp {
			continue
		}
		sr := &meili.SearchRequest{
			IndexUID:              ti.uid,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
			ShowRankingScore:      true,
		}

		if q.FilterNotebookID != "" && ti.rtyp == ResultChangeRequest {
			sr.Filter = []string{fmt.Sprintf("notebookId = %q", q.FilterNotebookID)}
		}
		queries = append(queries, sr)
	}

	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: queries,
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}

	return results, total, nil
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxNotebooks:
		return ResultNotebook
	case idxChangeRequests:
		return ResultChangeRequest
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{Type: rtyp}
	r.ID = decodeString(hit, "id")
	r.NotebookID = decodeString(hit, "notebookId")
	r.Status = decodeString(hit, "status")

	switch rtyp {
	case ResultNotebook:
		r.Title = firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "description"), decodeString(hit, "description"))
		r.NotebookID = r.ID
	case ResultChangeRequest:
		r.Title = firstNonBlank(decodeFormattedString(hit, "requestorComment"), decodeString(hit, "requestorComment"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "ownerComment"), decodeString(hit, "ownerComment"))
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexNotebook adds or updates a notebook in the search index.
func (m *Meili) IndexNotebook(nb NotebookRecord) error {
	_, err := m.client.Index(idxNotebooks).AddDocuments([]NotebookRecord{nb}, nil)
	return err
}

// IndexChangeRequest adds or updates a change request in the search index.
func (m *Meili) IndexChangeRequest(cr ChangeRequestRecord) error {
	_, err := m.client.Index(idxChangeRequests).AddDocuments([]ChangeRequestRecord{cr}, nil)
	return err
}

// DeleteNotebook removes a notebook from the search index.
func (m *Meili) DeleteNotebook(id string) error {
	_, err := m.client.Index(idxNotebooks).DeleteDocument(id, nil)
	return err
}

// DeleteChangeRequest removes a change request from the search index.
func (m *Meili) DeleteChangeRequest(id string) error {
	_, err := m.client.Index(idxChangeRequests).DeleteDocument(id, nil)
	return err
}

// IndexNotebooks bulk-indexes notebooks.
func (m *Meili) IndexNotebooks(notebooks []NotebookRecord) error {
	if len(notebooks) == 0 {
		return nil
	}
	_, err := m.client.Index(idxNotebooks).AddDocuments(notebooks, nil)
	return err
}

// IndexChangeRequests bulk-indexes change requests.
func (m *Meili) IndexChangeRequests(requests []ChangeRequestRecord) error {
	if len(requests) == 0 {
		return nil
	}
	_, err := m.client.Index(idxChangeRequests).AddDocuments(requests, nil)
	return err
}
