package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexNotebook indexes a notebook (fire-and-forget to Meilisearch).
func (s *Service) IndexNotebook(nb NotebookRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexNotebook(nb); err != nil {
			log.Printf("search: index notebook %s: %v", nb.ID, err)
		}
	}()
}

// IndexChangeRequest indexes a change request (fire-and-forget to Meilisearch).
func (s *Service) IndexChangeRequest(cr ChangeRequestRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexChangeRequest(cr); err != nil {
			log.Printf("search: index change request %s: %v", cr.ID, err)
		}
	}()
}

// DeleteNotebook removes a notebook from the search index (fire-and-forget).
func (s *Service) DeleteNotebook(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteNotebook(id); err != nil {
			log.Printf("search: delete notebook %s: %v", id, err)
		}
	}()
}

// DeleteChangeRequest removes a change request from the search index (fire-and-forget).
func (s *Service) DeleteChangeRequest(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteChangeRequest(id); err != nil {
			log.Printf("search: delete change request %s: %v", id, err)
		}
	}()
}

// ReindexAllFromPG reindexes all searchable entities from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	notebooks, requests, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexNotebooks(notebooks); err != nil {
		log.Printf("search: reindex notebooks: %v", err)
	}
	if err := s.meili.IndexChangeRequests(requests); err != nil {
		log.Printf("search: reindex change requests: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
