package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"notehub/api/internal/notebook"
	"notehub/api/internal/stage"
	"notehub/api/internal/store"
)

func newTestServer(t *testing.T, st dataStore, nb notebookStore, sg stageStore) (*HTTPServer, *Service) {
	t.Helper()
	svc, _, _ := newTestService(st, nb, sg)
	return NewHTTPServer(svc, "*"), svc
}

func doRequest(t *testing.T, server *HTTPServer, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response %q: %v", rr.Body.String(), err)
	}
	return payload
}

func sessionToken(t *testing.T, svc *Service, userID string) string {
	t.Helper()
	sess, err := svc.CreateSession(context.Background(), userID)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return sess.Token
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t, &fakeStore{}, &fakeNotebooks{}, &fakeStages{})

	rr := doRequest(t, server, http.MethodGet, "/api/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	payload := decodeResponse(t, rr)
	if payload["ok"] != true {
		t.Fatalf("expected ok=true, got %v", payload)
	}
}

func TestReadyEndpointReportsChecks(t *testing.T) {
	server, _ := newTestServer(t, &fakeStore{}, &fakeNotebooks{}, &fakeStages{})

	rr := doRequest(t, server, http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	payload := decodeResponse(t, rr)
	checks, ok := payload["checks"].(map[string]any)
	if !ok {
		t.Fatalf("expected checks map, got %v", payload)
	}
	for _, name := range []string{"database", "sessions"} {
		if _, ok := checks[name]; !ok {
			t.Fatalf("expected %s check, got %v", name, checks)
		}
	}
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	server, _ := newTestServer(t, &fakeStore{}, &fakeNotebooks{}, &fakeStages{})

	for _, path := range []string{"/api/notebooks", "/api/change_requests", "/api/warnings"} {
		rr := doRequest(t, server, http.MethodGet, path, "", nil)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, rr.Code)
		}
		payload := decodeResponse(t, rr)
		if payload["code"] != "UNAUTHORIZED" {
			t.Fatalf("%s: expected UNAUTHORIZED envelope, got %v", path, payload)
		}
	}

	rr := doRequest(t, server, http.MethodGet, "/api/notebooks", "bogus-token", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", rr.Code)
	}
}

func TestChangeRequestLifecycleOverHTTP(t *testing.T) {
	baseline := ipynbDoc("print('v1')")
	proposed := ipynbDoc("print('v2')")

	target := store.Notebook{ID: "nb_1", OwnerID: ownerUser.ID, Title: "Data Cleanup", HeadCommit: "base000"}
	current := store.ChangeRequest{
		ReqID:           "cr_1",
		NotebookID:      target.ID,
		RequestorID:     requestorUser.ID,
		Status:          store.StatusPending,
		ProposedContent: proposed,
	}

	termsAccepted := func(user store.User) store.User {
		now := time.Now()
		user.TermsAcceptedAt = &now
		return user
	}
	owner := termsAccepted(ownerUser)
	requestor := termsAccepted(requestorUser)

	st := &fakeStore{
		getUserByIDFn: usersByID(owner, requestor),
		getNotebookFn: func(context.Context, string) (store.Notebook, error) { return target, nil },
		getChangeRequestFn: func(context.Context, string) (store.ChangeRequest, error) {
			return current, nil
		},
		insertChangeRequestFn: func(_ context.Context, item store.ChangeRequest) error {
			current = item
			return nil
		},
		markAcceptedFn: func(_ context.Context, _, ownerComment, commitID string) (bool, error) {
			current.Status = store.StatusAccepted
			current.OwnerComment = ownerComment
			current.CommitID = commitID
			return true, nil
		},
	}
	nb := &fakeNotebooks{headFn: func(string) (notebook.Content, store.CommitInfo, error) {
		return mustContent(t, baseline), store.CommitInfo{Hash: "base000"}, nil
	}}
	sg := &fakeStages{consumeFn: func(_ context.Context, token string) ([]byte, stage.Record, error) {
		if token == "tok-ok" {
			return proposed, stage.Record{Token: token}, nil
		}
		return nil, stage.Record{}, stage.ErrStageNotFound
	}}
	server, svc := newTestServer(t, st, nb, sg)

	requestorToken := sessionToken(t, svc, requestor.ID)
	ownerToken := sessionToken(t, svc, owner.ID)

	rr := doRequest(t, server, http.MethodPost, "/api/change_requests", requestorToken, map[string]any{
		"notebookId": target.ID,
		"stageToken": "tok-ok",
		"comment":    "please take this",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	created := decodeResponse(t, rr)
	if created["reqid"] == "" || created["reqid"] == nil {
		t.Fatalf("expected reqid in response, got %v", created)
	}

	rr = doRequest(t, server, http.MethodPost, "/api/change_requests", requestorToken, map[string]any{
		"notebookId": target.ID,
		"stageToken": "tok-expired",
	})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expired token: expected 422, got %d", rr.Code)
	}
	failed := decodeResponse(t, rr)
	if failed["code"] != "BAD_UPLOAD" {
		t.Fatalf("expected BAD_UPLOAD, got %v", failed)
	}
	details, ok := failed["details"].(map[string]any)
	if !ok {
		t.Fatalf("expected details object, got %v", failed)
	}
	if _, ok := details["errors"].(map[string]any); !ok {
		t.Fatalf("expected nested field errors, got %v", details)
	}

	rr = doRequest(t, server, http.MethodPatch, "/api/change_requests/cr_1/accept", requestorToken, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("requestor accept: expected 403, got %d", rr.Code)
	}

	rr = doRequest(t, server, http.MethodPatch, "/api/change_requests/cr_1/accept", ownerToken, map[string]any{
		"comment": "merged, thanks",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("owner accept: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	accepted := decodeResponse(t, rr)
	if accepted["commitId"] == "" || accepted["commitId"] == nil {
		t.Fatalf("expected commitId, got %v", accepted)
	}

	rr = doRequest(t, server, http.MethodPatch, "/api/change_requests/cr_1/accept", ownerToken, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("second accept: expected 409, got %d", rr.Code)
	}
	conflicted := decodeResponse(t, rr)
	if conflicted["code"] != "NOT_PENDING" {
		t.Fatalf("expected NOT_PENDING, got %v", conflicted)
	}
}

func TestChangeRequestDownloadHeaders(t *testing.T) {
	proposed := ipynbDoc("print('v2')")
	st := &fakeStore{
		getUserByIDFn: usersByID(requestorUser),
		getNotebookFn: func(context.Context, string) (store.Notebook, error) {
			return store.Notebook{ID: "nb_1", OwnerID: ownerUser.ID, Title: "Data Cleanup"}, nil
		},
		getChangeRequestFn: func(context.Context, string) (store.ChangeRequest, error) {
			return store.ChangeRequest{
				ReqID:           "cr_1",
				NotebookID:      "nb_1",
				RequestorID:     requestorUser.ID,
				Status:          store.StatusPending,
				ProposedContent: proposed,
			}, nil
		},
	}
	server, svc := newTestServer(t, st, &fakeNotebooks{}, &fakeStages{})
	token := sessionToken(t, svc, requestorUser.ID)

	rr := doRequest(t, server, http.MethodGet, "/api/change_requests/cr_1/download", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	disposition := rr.Header().Get("Content-Disposition")
	if !strings.Contains(disposition, "Data Cleanup -- Change Request.ipynb") {
		t.Fatalf("unexpected disposition %q", disposition)
	}
	if rr.Body.String() != string(proposed) {
		t.Fatal("expected raw proposed content in body")
	}
}

func TestAdminDestroyOverHTTP(t *testing.T) {
	st := &fakeStore{getUserByIDFn: usersByID(adminUser, ownerUser)}
	deleted := false
	st.deleteChangeRequestFn = func(context.Context, string) error {
		deleted = true
		return nil
	}
	server, svc := newTestServer(t, st, &fakeNotebooks{}, &fakeStages{})

	adminToken := sessionToken(t, svc, adminUser.ID)
	ownerToken := sessionToken(t, svc, ownerUser.ID)

	rr := doRequest(t, server, http.MethodDelete, "/api/change_requests/cr_1", ownerToken, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("non-admin destroy: expected 403, got %d", rr.Code)
	}

	rr = doRequest(t, server, http.MethodDelete, "/api/change_requests/cr_1", adminToken, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("admin destroy: expected 204, got %d", rr.Code)
	}
	if !deleted {
		t.Fatal("expected delete to reach the store")
	}
}

func TestAdminDestroyNotebookOverHTTP(t *testing.T) {
	st := &fakeStore{
		getUserByIDFn: usersByID(adminUser, ownerUser),
		getNotebookFn: func(context.Context, string) (store.Notebook, error) {
			return store.Notebook{ID: "nb_1", OwnerID: ownerUser.ID, Title: "Data Cleanup"}, nil
		},
	}
	deleted := false
	st.deleteNotebookFn = func(context.Context, string) error {
		deleted = true
		return nil
	}
	server, svc := newTestServer(t, st, &fakeNotebooks{}, &fakeStages{})

	adminToken := sessionToken(t, svc, adminUser.ID)
	ownerToken := sessionToken(t, svc, ownerUser.ID)

	rr := doRequest(t, server, http.MethodDelete, "/api/notebooks/nb_1", ownerToken, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("non-admin destroy: expected 403, got %d", rr.Code)
	}

	rr = doRequest(t, server, http.MethodDelete, "/api/notebooks/nb_1", adminToken, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("admin destroy: expected 204, got %d", rr.Code)
	}
	if !deleted {
		t.Fatal("expected delete to reach the store")
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	st := &fakeStore{getUserByIDFn: usersByID(ownerUser)}
	server, svc := newTestServer(t, st, &fakeNotebooks{}, &fakeStages{})
	token := sessionToken(t, svc, ownerUser.ID)

	rr := doRequest(t, server, http.MethodGet, "/api/nonsense", token, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}

	rr = doRequest(t, server, http.MethodGet, "/api/change_requests/cr_1/nonsense", token, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown action, got %d", rr.Code)
	}
}

func TestMissingChangeRequestIs404(t *testing.T) {
	st := &fakeStore{getUserByIDFn: usersByID(ownerUser)}
	st.getChangeRequestFn = func(context.Context, string) (store.ChangeRequest, error) {
		return store.ChangeRequest{}, sql.ErrNoRows
	}
	server, svc := newTestServer(t, st, &fakeNotebooks{}, &fakeStages{})
	token := sessionToken(t, svc, ownerUser.ID)

	rr := doRequest(t, server, http.MethodGet, "/api/change_requests/cr_missing", token, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	payload := decodeResponse(t, rr)
	if payload["code"] != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND envelope, got %v", payload)
	}
}
