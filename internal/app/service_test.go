package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"notehub/api/internal/config"
	"notehub/api/internal/notebook"
	"notehub/api/internal/notify"
	"notehub/api/internal/search"
	"notehub/api/internal/session"
	"notehub/api/internal/stage"
	"notehub/api/internal/store"
)

type fakeStore struct {
	getUserByIDFn          func(context.Context, string) (store.User, error)
	deleteUserFn           func(context.Context, string) error
	getNotebookFn          func(context.Context, string) (store.Notebook, error)
	deleteNotebookFn       func(context.Context, string) error
	insertNotebookFn       func(context.Context, store.Notebook) error
	updateNotebookFn       func(context.Context, store.Notebook) error
	getChangeRequestFn     func(context.Context, string) (store.ChangeRequest, error)
	insertChangeRequestFn  func(context.Context, store.ChangeRequest) error
	deleteChangeRequestFn  func(context.Context, string) error
	listByRequestorFn      func(context.Context, string) ([]store.ChangeRequest, error)
	listForOwnerFn         func(context.Context, string) ([]store.ChangeRequest, error)
	markAcceptedFn         func(context.Context, string, string, string) (bool, error)
	markDeclinedFn         func(context.Context, string, string) (bool, error)
	markCanceledFn         func(context.Context, string) (bool, error)
	insertWarningFn        func(context.Context, store.Warning) error
	insertTrackingEventFn  func(context.Context, store.TrackingEvent) error
	isAccessTokenRevokedFn func(context.Context, string) (bool, error)
}

func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) GetUserByEmail(context.Context, string) (store.User, error) {
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) ListUsers(context.Context) ([]store.User, error) { return nil, nil }
func (f *fakeStore) UpdateUserProfile(context.Context, string, string) error { return nil }
func (f *fakeStore) UpdateUserRole(context.Context, string, string) error { return nil }
func (f *fakeStore) DeleteUser(ctx context.Context, userID string) error {
	if f.deleteUserFn != nil {
		return f.deleteUserFn(ctx, userID)
	}
	return nil
}
func (f *fakeStore) RevokeAccessToken(context.Context, string, time.Time) error { return nil }
func (f *fakeStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if f.isAccessTokenRevokedFn != nil {
		return f.isAccessTokenRevokedFn(ctx, jti)
	}
	return false, nil
}
func (f *fakeStore) InsertNotebook(ctx context.Context, item store.Notebook) error {
	if f.insertNotebookFn != nil {
		return f.insertNotebookFn(ctx, item)
	}
	return nil
}
func (f *fakeStore) GetNotebook(ctx context.Context, notebookID string) (store.Notebook, error) {
	if f.getNotebookFn != nil {
		return f.getNotebookFn(ctx, notebookID)
	}
	return store.Notebook{}, sql.ErrNoRows
}
func (f *fakeStore) ListNotebooks(context.Context) ([]store.Notebook, error) { return nil, nil }
func (f *fakeStore) DeleteNotebook(ctx context.Context, notebookID string) error {
	if f.deleteNotebookFn != nil {
		return f.deleteNotebookFn(ctx, notebookID)
	}
	return nil
}
func (f *fakeStore) UpdateNotebook(ctx context.Context, item store.Notebook) error {
	if f.updateNotebookFn != nil {
		return f.updateNotebookFn(ctx, item)
	}
	return nil
}
func (f *fakeStore) InsertChangeRequest(ctx context.Context, item store.ChangeRequest) error {
	if f.insertChangeRequestFn != nil {
		return f.insertChangeRequestFn(ctx, item)
	}
	return nil
}
func (f *fakeStore) GetChangeRequest(ctx context.Context, reqID string) (store.ChangeRequest, error) {
	if f.getChangeRequestFn != nil {
		return f.getChangeRequestFn(ctx, reqID)
	}
	return store.ChangeRequest{}, sql.ErrNoRows
}
func (f *fakeStore) DeleteChangeRequest(ctx context.Context, reqID string) error {
	if f.deleteChangeRequestFn != nil {
		return f.deleteChangeRequestFn(ctx, reqID)
	}
	return nil
}
func (f *fakeStore) ListChangeRequestsByRequestor(ctx context.Context, userID string) ([]store.ChangeRequest, error) {
	if f.listByRequestorFn != nil {
		return f.listByRequestorFn(ctx, userID)
	}
	return nil, nil
}
func (f *fakeStore) ListChangeRequestsForOwner(ctx context.Context, userID string) ([]store.ChangeRequest, error) {
	if f.listForOwnerFn != nil {
		return f.listForOwnerFn(ctx, userID)
	}
	return nil, nil
}
func (f *fakeStore) ListAllChangeRequests(context.Context) ([]store.ChangeRequest, error) {
	return nil, nil
}
func (f *fakeStore) MarkChangeRequestAccepted(ctx context.Context, reqID, ownerComment, commitID string) (bool, error) {
	if f.markAcceptedFn != nil {
		return f.markAcceptedFn(ctx, reqID, ownerComment, commitID)
	}
	return true, nil
}
func (f *fakeStore) MarkChangeRequestDeclined(ctx context.Context, reqID, ownerComment string) (bool, error) {
	if f.markDeclinedFn != nil {
		return f.markDeclinedFn(ctx, reqID, ownerComment)
	}
	return true, nil
}
func (f *fakeStore) MarkChangeRequestCanceled(ctx context.Context, reqID string) (bool, error) {
	if f.markCanceledFn != nil {
		return f.markCanceledFn(ctx, reqID)
	}
	return true, nil
}
func (f *fakeStore) InsertWarning(ctx context.Context, warning store.Warning) error {
	if f.insertWarningFn != nil {
		return f.insertWarningFn(ctx, warning)
	}
	return nil
}
func (f *fakeStore) GetWarning(context.Context, string) (store.Warning, error) {
	return store.Warning{}, sql.ErrNoRows
}
func (f *fakeStore) ListWarnings(context.Context) ([]store.Warning, error) { return nil, nil }
func (f *fakeStore) ListWarningsForUser(context.Context, string) ([]store.Warning, error) {
	return nil, nil
}
func (f *fakeStore) UpdateWarning(context.Context, string, string, string) error { return nil }
func (f *fakeStore) DeleteWarning(context.Context, string) error { return nil }
func (f *fakeStore) InsertTrackingEvent(ctx context.Context, event store.TrackingEvent) error {
	if f.insertTrackingEventFn != nil {
		return f.insertTrackingEventFn(ctx, event)
	}
	return nil
}
func (f *fakeStore) Ping(context.Context) error { return nil }

type fakeNotebooks struct {
	ensureFn  func(string, notebook.Content, string) (store.CommitInfo, error)
	commitFn  func(string, notebook.Content, string, string) (store.CommitInfo, error)
	headFn    func(string) (notebook.Content, store.CommitInfo, error)
	historyFn func(string, int) ([]store.CommitInfo, error)
	destroyFn func(string) error
}

func (f *fakeNotebooks) EnsureNotebookRepo(notebookID string, initial notebook.Content, author string) (store.CommitInfo, error) {
	if f.ensureFn != nil {
		return f.ensureFn(notebookID, initial, author)
	}
	return store.CommitInfo{Hash: "base000"}, nil
}
func (f *fakeNotebooks) Commit(notebookID string, content notebook.Content, author, message string) (store.CommitInfo, error) {
	if f.commitFn != nil {
		return f.commitFn(notebookID, content, author, message)
	}
	return store.CommitInfo{Hash: "abc1234"}, nil
}
func (f *fakeNotebooks) GetHeadContent(notebookID string) (notebook.Content, store.CommitInfo, error) {
	if f.headFn != nil {
		return f.headFn(notebookID)
	}
	return notebook.Content{}, store.CommitInfo{}, errors.New("no repo")
}
func (f *fakeNotebooks) History(notebookID string, limit int) ([]store.CommitInfo, error) {
	if f.historyFn != nil {
		return f.historyFn(notebookID, limit)
	}
	return nil, nil
}
func (f *fakeNotebooks) DestroyNotebookRepo(notebookID string) error {
	if f.destroyFn != nil {
		return f.destroyFn(notebookID)
	}
	return nil
}

type fakeStages struct {
	putFn     func(context.Context, []byte, string) (stage.Record, error)
	consumeFn func(context.Context, string) ([]byte, stage.Record, error)
}

func (f *fakeStages) Put(ctx context.Context, raw []byte, uploadedBy string) (stage.Record, error) {
	if f.putFn != nil {
		return f.putFn(ctx, raw, uploadedBy)
	}
	return stage.Record{Token: "stage-token", Size: int64(len(raw))}, nil
}
func (f *fakeStages) Consume(ctx context.Context, token string) ([]byte, stage.Record, error) {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, token)
	}
	return nil, stage.Record{}, stage.ErrStageNotFound
}

type fakeSessions struct {
	mu   sync.Mutex
	data map[string]session.TokenData
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{data: map[string]session.TokenData{}}
}
func (f *fakeSessions) SaveRefreshSession(_ context.Context, tokenHash string, data session.TokenData, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[tokenHash] = data
	return nil
}
func (f *fakeSessions) LookupRefreshSession(_ context.Context, tokenHash string) (session.TokenData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.data[tokenHash]
	if !ok {
		return session.TokenData{}, session.ErrSessionNotFound
	}
	return data, nil
}
func (f *fakeSessions) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, tokenHash)
	return nil
}
func (f *fakeSessions) Ping(context.Context) error { return nil }

type fakeNotify struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeNotify) record(kind string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, kind)
}
func (f *fakeNotify) EnqueueVerification(string, string, string) { f.record("verification") }
func (f *fakeNotify) EnqueueRequestCreated(notify.RequestEvent) { f.record("created") }
func (f *fakeNotify) EnqueueRequestAccepted(notify.RequestEvent) { f.record("accepted") }
func (f *fakeNotify) EnqueueRequestDeclined(notify.RequestEvent) { f.record("declined") }
func (f *fakeNotify) EnqueueRequestCanceled(notify.RequestEvent) { f.record("canceled") }

func (f *fakeNotify) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

type fakeSearch struct {
	mu      sync.Mutex
	indexed []string
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	return search.Response{Results: []search.Result{}, Query: q.Text}
}
func (f *fakeSearch) IndexNotebook(nb search.NotebookRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, "notebook:"+nb.ID)
}
func (f *fakeSearch) IndexChangeRequest(cr search.ChangeRequestRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, "cr:"+cr.ID+":"+cr.Status)
}
func (f *fakeSearch) DeleteNotebook(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, "delete-notebook:"+id)
}
func (f *fakeSearch) DeleteChangeRequest(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, "delete:"+id)
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 30 * 24 * time.Hour,
	}
}

func newTestService(st dataStore, nb notebookStore, sg stageStore) (*Service, *fakeNotify, *fakeSearch) {
	notifier := &fakeNotify{}
	index := &fakeSearch{}
	svc := New(testConfig(), Deps{
		Store:     st,
		Notebooks: nb,
		Stages:    sg,
		Sessions:  newFakeSessions(),
		Search:    index,
		Notify:    notifier,
	})
	return svc, notifier, index
}

func ipynbDoc(source string) []byte {
	doc := map[string]any{
		"nbformat":       4,
		"nbformat_minor": 5,
		"metadata": map[string]any{
			"language_info": map[string]any{"name": "python", "version": "3.11"},
		},
		"cells": []map[string]any{
			{"cell_type": "code", "source": source, "metadata": map[string]any{}, "outputs": []any{}},
		},
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return raw
}

func mustContent(t *testing.T, raw []byte) notebook.Content {
	t.Helper()
	content, err := notebook.NewContent(raw)
	if err != nil {
		t.Fatalf("NewContent: %v", err)
	}
	return content
}

func requireDomainError(t *testing.T, err error, code string) *DomainError {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != code {
		t.Fatalf("expected code %s, got %s", code, domainErr.Code)
	}
	return domainErr
}

var (
	ownerUser     = store.User{ID: "user_owner", DisplayName: "Olive Owner", Email: "olive@example.com", Role: "editor"}
	requestorUser = store.User{ID: "user_req", DisplayName: "Rei Requestor", Email: "rei@example.com", Role: "editor"}
	adminUser     = store.User{ID: "user_admin", DisplayName: "Ada Admin", Email: "ada@example.com", Role: "admin"}
)

func usersByID(users ...store.User) func(context.Context, string) (store.User, error) {
	return func(_ context.Context, userID string) (store.User, error) {
		for _, user := range users {
			if user.ID == userID {
				return user, nil
			}
		}
		return store.User{}, sql.ErrNoRows
	}
}

func editorActor(userID string) Actor {
	return Actor{UserID: userID, Role: "editor", AcceptedTerms: true}
}

func TestCreateChangeRequest(t *testing.T) {
	baseline := ipynbDoc("print('v1')")
	proposed := ipynbDoc("print('v2')")

	target := store.Notebook{ID: "nb_1", OwnerID: ownerUser.ID, Title: "Data Cleanup"}

	newFixture := func() (*Service, *fakeStore, *fakeNotify) {
		st := &fakeStore{
			getUserByIDFn: usersByID(ownerUser, requestorUser),
			getNotebookFn: func(_ context.Context, id string) (store.Notebook, error) {
				if id == target.ID {
					return target, nil
				}
				return store.Notebook{}, sql.ErrNoRows
			},
		}
		nb := &fakeNotebooks{headFn: func(string) (notebook.Content, store.CommitInfo, error) {
			return mustContent(t, baseline), store.CommitInfo{Hash: "base000"}, nil
		}}
		sg := &fakeStages{consumeFn: func(_ context.Context, token string) ([]byte, stage.Record, error) {
			if token == "tok-proposed" {
				return proposed, stage.Record{Token: token}, nil
			}
			if token == "tok-identical" {
				return baseline, stage.Record{Token: token}, nil
			}
			return nil, stage.Record{}, stage.ErrStageNotFound
		}}
		svc, notifier, _ := newTestService(st, nb, sg)
		return svc, st, notifier
	}

	t.Run("creates a pending request and notifies the owner", func(t *testing.T) {
		svc, st, notifier := newFixture()
		var inserted store.ChangeRequest
		st.insertChangeRequestFn = func(_ context.Context, item store.ChangeRequest) error {
			inserted = item
			return nil
		}

		reqID, err := svc.CreateChangeRequest(context.Background(), editorActor(requestorUser.ID), CreateChangeRequestInput{
			NotebookID: target.ID,
			StageToken: "tok-proposed",
			Comment:    "fixes the header row",
			Title:      "Better title",
		})
		if err != nil {
			t.Fatalf("CreateChangeRequest: %v", err)
		}
		if reqID == "" || inserted.ReqID != reqID {
			t.Fatalf("expected returned reqid to match insert, got %q vs %q", reqID, inserted.ReqID)
		}
		if inserted.Status != store.StatusPending {
			t.Fatalf("expected pending status, got %s", inserted.Status)
		}
		if inserted.RequestorComment != "fixes the header row" {
			t.Fatalf("unexpected comment %q", inserted.RequestorComment)
		}
		kinds := notifier.kinds()
		if len(kinds) != 1 || kinds[0] != "created" {
			t.Fatalf("expected created notification, got %v", kinds)
		}
	})

	t.Run("identical content is rejected with field errors", func(t *testing.T) {
		svc, _, _ := newFixture()
		_, err := svc.CreateChangeRequest(context.Background(), editorActor(requestorUser.ID), CreateChangeRequestInput{
			NotebookID: target.ID,
			StageToken: "tok-identical",
		})
		domainErr := requireDomainError(t, err, "BAD_UPLOAD")
		details, ok := domainErr.Details.(map[string]any)
		if !ok {
			t.Fatalf("expected details map, got %T", domainErr.Details)
		}
		fieldErrors, ok := details["errors"].(map[string][]string)
		if !ok {
			t.Fatalf("expected nested errors map, got %T", details["errors"])
		}
		if len(fieldErrors["content"]) == 0 {
			t.Fatalf("expected content field error, got %v", fieldErrors)
		}
	})

	t.Run("unknown notebook is a field error", func(t *testing.T) {
		svc, _, _ := newFixture()
		_, err := svc.CreateChangeRequest(context.Background(), editorActor(requestorUser.ID), CreateChangeRequestInput{
			NotebookID: "nb_missing",
			StageToken: "tok-proposed",
		})
		requireDomainError(t, err, "BAD_UPLOAD")
	})

	t.Run("expired stage token is a field error", func(t *testing.T) {
		svc, _, _ := newFixture()
		_, err := svc.CreateChangeRequest(context.Background(), editorActor(requestorUser.ID), CreateChangeRequestInput{
			NotebookID: target.ID,
			StageToken: "tok-gone",
		})
		requireDomainError(t, err, "BAD_UPLOAD")
	})

	t.Run("terms must be accepted", func(t *testing.T) {
		svc, _, _ := newFixture()
		actor := Actor{UserID: requestorUser.ID, Role: "editor", AcceptedTerms: false}
		_, err := svc.CreateChangeRequest(context.Background(), actor, CreateChangeRequestInput{
			NotebookID: target.ID,
			StageToken: "tok-proposed",
		})
		requireDomainError(t, err, "FORBIDDEN")
	})

	t.Run("viewers cannot create requests", func(t *testing.T) {
		svc, _, _ := newFixture()
		actor := Actor{UserID: requestorUser.ID, Role: "viewer", AcceptedTerms: true}
		_, err := svc.CreateChangeRequest(context.Background(), actor, CreateChangeRequestInput{
			NotebookID: target.ID,
			StageToken: "tok-proposed",
		})
		requireDomainError(t, err, "FORBIDDEN")
	})
}

func TestAcceptChangeRequest(t *testing.T) {
	baseline := ipynbDoc("print('v1')")
	proposed := ipynbDoc("print('v2')")

	target := store.Notebook{ID: "nb_1", OwnerID: ownerUser.ID, Title: "Data Cleanup", HeadCommit: "base000"}
	pending := store.ChangeRequest{
		ReqID:           "cr_1",
		NotebookID:      target.ID,
		RequestorID:     requestorUser.ID,
		Status:          store.StatusPending,
		ProposedContent: proposed,
		Title:           "Sharper title",
		Tags:            []string{"cleanup"},
	}

	newFixture := func() (*Service, *fakeStore, *fakeNotebooks, *fakeNotify) {
		st := &fakeStore{
			getUserByIDFn: usersByID(ownerUser, requestorUser, adminUser),
			getNotebookFn: func(context.Context, string) (store.Notebook, error) { return target, nil },
			getChangeRequestFn: func(context.Context, string) (store.ChangeRequest, error) {
				return pending, nil
			},
		}
		nb := &fakeNotebooks{headFn: func(string) (notebook.Content, store.CommitInfo, error) {
			return mustContent(t, baseline), store.CommitInfo{Hash: "base000"}, nil
		}}
		svc, notifier, _ := newTestService(st, nb, &fakeStages{})
		return svc, st, nb, notifier
	}

	t.Run("commits with the audit message and mirrors extension fields", func(t *testing.T) {
		svc, st, nb, notifier := newFixture()

		var commitMessage string
		nb.commitFn = func(_ string, _ notebook.Content, author, message string) (store.CommitInfo, error) {
			commitMessage = message
			if author != ownerUser.DisplayName {
				t.Fatalf("expected commit author %q, got %q", ownerUser.DisplayName, author)
			}
			return store.CommitInfo{Hash: "new1111"}, nil
		}
		var updated store.Notebook
		st.updateNotebookFn = func(_ context.Context, item store.Notebook) error {
			updated = item
			return nil
		}
		var markedCommitID string
		st.markAcceptedFn = func(_ context.Context, _, _, commitID string) (bool, error) {
			markedCommitID = commitID
			return true, nil
		}

		payload, err := svc.AcceptChangeRequest(context.Background(), editorActor(ownerUser.ID), pending.ReqID, "looks good")
		if err != nil {
			t.Fatalf("AcceptChangeRequest: %v", err)
		}
		want := fmt.Sprintf("Change request accepted: %s (by %s, requested by %s)",
			pending.ReqID, ownerUser.DisplayName, requestorUser.DisplayName)
		if commitMessage != want {
			t.Fatalf("commit message %q, want %q", commitMessage, want)
		}
		if markedCommitID != "new1111" {
			t.Fatalf("expected commit id persisted, got %q", markedCommitID)
		}
		if payload["commitId"] != "new1111" {
			t.Fatalf("expected commitId in payload, got %v", payload["commitId"])
		}
		if updated.Title != "Sharper title" {
			t.Fatalf("expected title mirrored onto notebook, got %q", updated.Title)
		}
		if len(updated.Tags) != 1 || updated.Tags[0] != "cleanup" {
			t.Fatalf("expected tags mirrored onto notebook, got %v", updated.Tags)
		}
		if updated.HeadCommit != "new1111" {
			t.Fatalf("expected head commit advanced, got %q", updated.HeadCommit)
		}
		kinds := notifier.kinds()
		if len(kinds) != 1 || kinds[0] != "accepted" {
			t.Fatalf("expected accepted notification, got %v", kinds)
		}
	})

	t.Run("identical content records the no-op sentinel without committing", func(t *testing.T) {
		svc, st, nb, _ := newFixture()
		identical := pending
		identical.ProposedContent = ipynbDoc("print('v1')")
		st.getChangeRequestFn = func(context.Context, string) (store.ChangeRequest, error) {
			return identical, nil
		}
		nb.commitFn = func(string, notebook.Content, string, string) (store.CommitInfo, error) {
			t.Fatal("commit should not run for identical content")
			return store.CommitInfo{}, nil
		}
		var markedCommitID string
		st.markAcceptedFn = func(_ context.Context, _, _, commitID string) (bool, error) {
			markedCommitID = commitID
			return true, nil
		}

		payload, err := svc.AcceptChangeRequest(context.Background(), editorActor(ownerUser.ID), pending.ReqID, "")
		if err != nil {
			t.Fatalf("AcceptChangeRequest: %v", err)
		}
		if markedCommitID != "no changes" {
			t.Fatalf("expected no-op sentinel, got %q", markedCommitID)
		}
		if payload["commitId"] != "no changes" {
			t.Fatalf("expected sentinel in payload, got %v", payload["commitId"])
		}
	})

	t.Run("already settled requests conflict", func(t *testing.T) {
		svc, st, _, _ := newFixture()
		settled := pending
		settled.Status = store.StatusDeclined
		st.getChangeRequestFn = func(context.Context, string) (store.ChangeRequest, error) {
			return settled, nil
		}
		_, err := svc.AcceptChangeRequest(context.Background(), editorActor(ownerUser.ID), pending.ReqID, "")
		requireDomainError(t, err, "NOT_PENDING")
	})

	t.Run("losing the status race restores both repository and record", func(t *testing.T) {
		svc, st, nb, _ := newFixture()
		var commits []string
		nb.commitFn = func(_ string, content notebook.Content, _, _ string) (store.CommitInfo, error) {
			commits = append(commits, string(content.Raw()))
			return store.CommitInfo{Hash: fmt.Sprintf("c%d", len(commits))}, nil
		}
		var persisted []store.Notebook
		st.updateNotebookFn = func(_ context.Context, item store.Notebook) error {
			persisted = append(persisted, item)
			return nil
		}
		st.markAcceptedFn = func(context.Context, string, string, string) (bool, error) {
			return false, nil
		}

		_, err := svc.AcceptChangeRequest(context.Background(), editorActor(ownerUser.ID), pending.ReqID, "")
		requireDomainError(t, err, "NOT_PENDING")
		if len(commits) != 2 {
			t.Fatalf("expected proposal commit plus compensating commit, got %d", len(commits))
		}
		if commits[1] != string(baseline) {
			t.Fatal("expected second commit to restore the original content")
		}
		if len(persisted) != 2 {
			t.Fatalf("expected mutated record then restoring update, got %d updates", len(persisted))
		}
		if persisted[0].Title != pending.Title {
			t.Fatalf("expected first update to carry the mirrored title, got %q", persisted[0].Title)
		}
		if persisted[1].Title != target.Title || persisted[1].HeadCommit != target.HeadCommit {
			t.Fatalf("expected record restored to %q/%q, got %q/%q",
				target.Title, target.HeadCommit, persisted[1].Title, persisted[1].HeadCommit)
		}
	})

	t.Run("notebook persist failure compensates and reports a validation error", func(t *testing.T) {
		svc, st, nb, _ := newFixture()
		var commits int
		nb.commitFn = func(string, notebook.Content, string, string) (store.CommitInfo, error) {
			commits++
			return store.CommitInfo{Hash: fmt.Sprintf("c%d", commits)}, nil
		}
		st.updateNotebookFn = func(context.Context, store.Notebook) error {
			return errors.New("constraint violation")
		}

		_, err := svc.AcceptChangeRequest(context.Background(), editorActor(ownerUser.ID), pending.ReqID, "")
		requireDomainError(t, err, "BAD_UPLOAD")
		if commits != 2 {
			t.Fatalf("expected compensating commit after persist failure, got %d commits", commits)
		}
	})

	t.Run("only the owner or an admin can accept", func(t *testing.T) {
		svc, _, _, _ := newFixture()
		_, err := svc.AcceptChangeRequest(context.Background(), editorActor(requestorUser.ID), pending.ReqID, "")
		requireDomainError(t, err, "FORBIDDEN")
	})

	t.Run("admins can accept for any notebook", func(t *testing.T) {
		svc, _, _, _ := newFixture()
		actor := Actor{UserID: adminUser.ID, Role: "admin", AcceptedTerms: true}
		if _, err := svc.AcceptChangeRequest(context.Background(), actor, pending.ReqID, ""); err != nil {
			t.Fatalf("admin accept: %v", err)
		}
	})

	t.Run("owner without accepted terms is rejected", func(t *testing.T) {
		svc, _, _, _ := newFixture()
		actor := Actor{UserID: ownerUser.ID, Role: "editor", AcceptedTerms: false}
		_, err := svc.AcceptChangeRequest(context.Background(), actor, pending.ReqID, "")
		requireDomainError(t, err, "FORBIDDEN")
	})
}

func TestDeclineAndCancel(t *testing.T) {
	target := store.Notebook{ID: "nb_1", OwnerID: ownerUser.ID, Title: "Data Cleanup"}
	pending := store.ChangeRequest{
		ReqID:       "cr_1",
		NotebookID:  target.ID,
		RequestorID: requestorUser.ID,
		Status:      store.StatusPending,
	}

	newFixture := func() (*Service, *fakeStore, *fakeNotify) {
		st := &fakeStore{
			getUserByIDFn: usersByID(ownerUser, requestorUser),
			getNotebookFn: func(context.Context, string) (store.Notebook, error) { return target, nil },
			getChangeRequestFn: func(context.Context, string) (store.ChangeRequest, error) {
				return pending, nil
			},
		}
		svc, notifier, _ := newTestService(st, &fakeNotebooks{}, &fakeStages{})
		return svc, st, notifier
	}

	t.Run("owner declines with a comment", func(t *testing.T) {
		svc, st, notifier := newFixture()
		var declinedComment string
		st.markDeclinedFn = func(_ context.Context, _, ownerComment string) (bool, error) {
			declinedComment = ownerComment
			return true, nil
		}
		if _, err := svc.DeclineChangeRequest(context.Background(), editorActor(ownerUser.ID), pending.ReqID, "not quite"); err != nil {
			t.Fatalf("DeclineChangeRequest: %v", err)
		}
		if declinedComment != "not quite" {
			t.Fatalf("expected owner comment persisted, got %q", declinedComment)
		}
		kinds := notifier.kinds()
		if len(kinds) != 1 || kinds[0] != "declined" {
			t.Fatalf("expected declined notification, got %v", kinds)
		}
	})

	t.Run("requestor cannot decline", func(t *testing.T) {
		svc, _, _ := newFixture()
		_, err := svc.DeclineChangeRequest(context.Background(), editorActor(requestorUser.ID), pending.ReqID, "")
		requireDomainError(t, err, "FORBIDDEN")
	})

	t.Run("requestor cancels their own request", func(t *testing.T) {
		svc, _, notifier := newFixture()
		if _, err := svc.CancelChangeRequest(context.Background(), editorActor(requestorUser.ID), pending.ReqID); err != nil {
			t.Fatalf("CancelChangeRequest: %v", err)
		}
		kinds := notifier.kinds()
		if len(kinds) != 1 || kinds[0] != "canceled" {
			t.Fatalf("expected canceled notification, got %v", kinds)
		}
	})

	t.Run("owner cannot cancel someone else's request", func(t *testing.T) {
		svc, _, _ := newFixture()
		_, err := svc.CancelChangeRequest(context.Background(), editorActor(ownerUser.ID), pending.ReqID)
		requireDomainError(t, err, "FORBIDDEN")
	})

	t.Run("losing the cancel race conflicts", func(t *testing.T) {
		svc, st, _ := newFixture()
		st.markCanceledFn = func(context.Context, string) (bool, error) { return false, nil }
		_, err := svc.CancelChangeRequest(context.Background(), editorActor(requestorUser.ID), pending.ReqID)
		requireDomainError(t, err, "NOT_PENDING")
	})
}

func TestDestroyChangeRequest(t *testing.T) {
	st := &fakeStore{}
	var deleted string
	st.deleteChangeRequestFn = func(_ context.Context, reqID string) error {
		deleted = reqID
		return nil
	}
	svc, _, index := newTestService(st, &fakeNotebooks{}, &fakeStages{})

	actor := Actor{UserID: adminUser.ID, Role: "admin", AcceptedTerms: true}
	if err := svc.DestroyChangeRequest(context.Background(), actor, "cr_9"); err != nil {
		t.Fatalf("DestroyChangeRequest: %v", err)
	}
	if deleted != "cr_9" {
		t.Fatalf("expected delete of cr_9, got %q", deleted)
	}
	index.mu.Lock()
	defer index.mu.Unlock()
	if len(index.indexed) != 1 || index.indexed[0] != "delete:cr_9" {
		t.Fatalf("expected search removal, got %v", index.indexed)
	}

	err := svc.DestroyChangeRequest(context.Background(), editorActor(ownerUser.ID), "cr_9")
	requireDomainError(t, err, "FORBIDDEN")
}

func TestDestroyNotebook(t *testing.T) {
	t.Run("admin removes record, repository, and index entry", func(t *testing.T) {
		st := &fakeStore{
			getNotebookFn: func(context.Context, string) (store.Notebook, error) {
				return store.Notebook{ID: "nb_1", OwnerID: ownerUser.ID, Title: "Data Cleanup"}, nil
			},
		}
		var deletedRecord string
		st.deleteNotebookFn = func(_ context.Context, notebookID string) error {
			deletedRecord = notebookID
			return nil
		}
		var destroyedRepo string
		nb := &fakeNotebooks{destroyFn: func(notebookID string) error {
			destroyedRepo = notebookID
			return nil
		}}
		svc, _, index := newTestService(st, nb, &fakeStages{})

		actor := Actor{UserID: adminUser.ID, Role: "admin", AcceptedTerms: true}
		if err := svc.DestroyNotebook(context.Background(), actor, "nb_1"); err != nil {
			t.Fatalf("DestroyNotebook: %v", err)
		}
		if deletedRecord != "nb_1" {
			t.Fatalf("expected record delete of nb_1, got %q", deletedRecord)
		}
		if destroyedRepo != "nb_1" {
			t.Fatalf("expected repo removal for nb_1, got %q", destroyedRepo)
		}
		index.mu.Lock()
		defer index.mu.Unlock()
		if len(index.indexed) != 1 || index.indexed[0] != "delete-notebook:nb_1" {
			t.Fatalf("expected search removal, got %v", index.indexed)
		}
	})

	t.Run("repo removal failure does not fail the destroy", func(t *testing.T) {
		st := &fakeStore{
			getNotebookFn: func(context.Context, string) (store.Notebook, error) {
				return store.Notebook{ID: "nb_1", OwnerID: ownerUser.ID}, nil
			},
		}
		nb := &fakeNotebooks{destroyFn: func(string) error { return errors.New("disk gone") }}
		svc, _, _ := newTestService(st, nb, &fakeStages{})

		actor := Actor{UserID: adminUser.ID, Role: "admin", AcceptedTerms: true}
		if err := svc.DestroyNotebook(context.Background(), actor, "nb_1"); err != nil {
			t.Fatalf("DestroyNotebook: %v", err)
		}
	})

	t.Run("non-admin is forbidden", func(t *testing.T) {
		svc, _, _ := newTestService(&fakeStore{}, &fakeNotebooks{}, &fakeStages{})
		err := svc.DestroyNotebook(context.Background(), editorActor(ownerUser.ID), "nb_1")
		requireDomainError(t, err, "FORBIDDEN")
	})

	t.Run("missing notebook is not found", func(t *testing.T) {
		svc, _, _ := newTestService(&fakeStore{}, &fakeNotebooks{}, &fakeStages{})
		actor := Actor{UserID: adminUser.ID, Role: "admin", AcceptedTerms: true}
		err := svc.DestroyNotebook(context.Background(), actor, "nb_missing")
		if !errors.Is(err, sql.ErrNoRows) {
			t.Fatalf("expected sql.ErrNoRows, got %v", err)
		}
	})
}

func TestDeleteUserStillReferenced(t *testing.T) {
	st := &fakeStore{deleteUserFn: func(context.Context, string) error {
		return &pgconn.PgError{Code: "23503", ConstraintName: "notebooks_owner_id_fkey"}
	}}
	svc, _, _ := newTestService(st, &fakeNotebooks{}, &fakeStages{})

	actor := Actor{UserID: adminUser.ID, Role: "admin", AcceptedTerms: true}
	err := svc.DeleteUser(context.Background(), actor, ownerUser.ID)
	requireDomainError(t, err, "CONFLICT")
}

func TestDownloadChangeRequest(t *testing.T) {
	proposed := ipynbDoc("print('v2')")
	st := &fakeStore{
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
	svc, _, _ := newTestService(st, &fakeNotebooks{}, &fakeStages{})

	filename, raw, err := svc.DownloadChangeRequest(context.Background(), editorActor(requestorUser.ID), "cr_1")
	if err != nil {
		t.Fatalf("DownloadChangeRequest: %v", err)
	}
	if filename != "Data Cleanup -- Change Request.ipynb" {
		t.Fatalf("unexpected filename %q", filename)
	}
	if string(raw) != string(proposed) {
		t.Fatal("expected proposed content returned")
	}

	stranger := Actor{UserID: "user_other", Role: "editor", AcceptedTerms: true}
	if _, _, err := svc.DownloadChangeRequest(context.Background(), stranger, "cr_1"); err == nil {
		t.Fatal("expected forbidden for unrelated user")
	}
}

func TestListChangeRequestsEnvelope(t *testing.T) {
	st := &fakeStore{
		listByRequestorFn: func(context.Context, string) ([]store.ChangeRequest, error) {
			return []store.ChangeRequest{{ReqID: "cr_mine", Status: store.StatusPending}}, nil
		},
		listForOwnerFn: func(context.Context, string) ([]store.ChangeRequest, error) {
			return []store.ChangeRequest{{ReqID: "cr_theirs", Status: store.StatusAccepted}}, nil
		},
	}
	svc, _, _ := newTestService(st, &fakeNotebooks{}, &fakeStages{})

	payload, err := svc.ListChangeRequests(context.Background(), editorActor(requestorUser.ID))
	if err != nil {
		t.Fatalf("ListChangeRequests: %v", err)
	}
	requested, ok := payload["requested"].([]map[string]any)
	if !ok || len(requested) != 1 || requested[0]["reqid"] != "cr_mine" {
		t.Fatalf("unexpected requested view: %v", payload["requested"])
	}
	received, ok := payload["received"].([]map[string]any)
	if !ok || len(received) != 1 || received[0]["reqid"] != "cr_theirs" {
		t.Fatalf("unexpected received view: %v", payload["received"])
	}
}

func TestStageUpload(t *testing.T) {
	svc, _, _ := newTestService(&fakeStore{}, &fakeNotebooks{}, &fakeStages{})

	t.Run("valid notebook is staged", func(t *testing.T) {
		payload, err := svc.StageUpload(context.Background(), editorActor(requestorUser.ID), ipynbDoc("x = 1"))
		if err != nil {
			t.Fatalf("StageUpload: %v", err)
		}
		if payload["stageToken"] != "stage-token" {
			t.Fatalf("expected stage token in payload, got %v", payload)
		}
	})

	t.Run("garbage is rejected with field errors", func(t *testing.T) {
		_, err := svc.StageUpload(context.Background(), editorActor(requestorUser.ID), []byte("not a notebook"))
		requireDomainError(t, err, "BAD_UPLOAD")
	})

	t.Run("editor size cap applies", func(t *testing.T) {
		big := ipynbDoc(strings.Repeat("x", maxContentBytes))
		_, err := svc.StageUpload(context.Background(), editorActor(requestorUser.ID), big)
		requireDomainError(t, err, "BAD_UPLOAD")

		actor := Actor{UserID: adminUser.ID, Role: "admin", AcceptedTerms: true}
		if _, err := svc.StageUpload(context.Background(), actor, big); err != nil {
			t.Fatalf("admin upload within the larger cap: %v", err)
		}
	})

	t.Run("viewers cannot stage", func(t *testing.T) {
		actor := Actor{UserID: "user_v", Role: "viewer", AcceptedTerms: true}
		_, err := svc.StageUpload(context.Background(), actor, ipynbDoc("x = 1"))
		requireDomainError(t, err, "FORBIDDEN")
	})
}

func TestCreateNotebook(t *testing.T) {
	raw := ipynbDoc("print('hello')")

	newFixture := func() (*Service, *fakeStore, *fakeNotebooks) {
		st := &fakeStore{getUserByIDFn: usersByID(ownerUser)}
		nb := &fakeNotebooks{}
		sg := &fakeStages{consumeFn: func(_ context.Context, token string) ([]byte, stage.Record, error) {
			if token == "tok-ok" {
				return raw, stage.Record{Token: token}, nil
			}
			return nil, stage.Record{}, stage.ErrStageNotFound
		}}
		svc, _, _ := newTestService(st, nb, sg)
		return svc, st, nb
	}

	t.Run("creates the repo and persists language metadata", func(t *testing.T) {
		svc, st, nb := newFixture()
		var ensured string
		nb.ensureFn = func(notebookID string, _ notebook.Content, author string) (store.CommitInfo, error) {
			ensured = notebookID
			if author != ownerUser.DisplayName {
				t.Fatalf("expected baseline author %q, got %q", ownerUser.DisplayName, author)
			}
			return store.CommitInfo{Hash: "base000"}, nil
		}
		var inserted store.Notebook
		st.insertNotebookFn = func(_ context.Context, item store.Notebook) error {
			inserted = item
			return nil
		}

		payload, err := svc.CreateNotebook(context.Background(), editorActor(ownerUser.ID), CreateNotebookInput{
			Title:      "Hello World",
			Tags:       []string{"Demo", "demo", " intro "},
			StageToken: "tok-ok",
		})
		if err != nil {
			t.Fatalf("CreateNotebook: %v", err)
		}
		if ensured == "" || inserted.ID != ensured {
			t.Fatalf("expected repo and record to share an id, got %q vs %q", ensured, inserted.ID)
		}
		if inserted.LangName != "python" || inserted.LangVersion != "3.11" {
			t.Fatalf("expected language metadata, got %q %q", inserted.LangName, inserted.LangVersion)
		}
		if len(inserted.Tags) != 2 {
			t.Fatalf("expected deduplicated normalized tags, got %v", inserted.Tags)
		}
		if inserted.HeadCommit != "base000" {
			t.Fatalf("expected head commit recorded, got %q", inserted.HeadCommit)
		}
		if payload["title"] != "Hello World" {
			t.Fatalf("unexpected payload title %v", payload["title"])
		}
	})

	t.Run("missing title and token are field errors", func(t *testing.T) {
		svc, _, _ := newFixture()
		_, err := svc.CreateNotebook(context.Background(), editorActor(ownerUser.ID), CreateNotebookInput{})
		domainErr := requireDomainError(t, err, "BAD_UPLOAD")
		details := domainErr.Details.(map[string]any)
		fieldErrors := details["errors"].(map[string][]string)
		if len(fieldErrors["title"]) == 0 || len(fieldErrors["stageToken"]) == 0 {
			t.Fatalf("expected title and stageToken errors, got %v", fieldErrors)
		}
	})

	t.Run("terms must be accepted", func(t *testing.T) {
		svc, _, _ := newFixture()
		actor := Actor{UserID: ownerUser.ID, Role: "editor", AcceptedTerms: false}
		_, err := svc.CreateNotebook(context.Background(), actor, CreateNotebookInput{
			Title:      "Hello",
			StageToken: "tok-ok",
		})
		requireDomainError(t, err, "FORBIDDEN")
	})
}

func TestSessionLifecycle(t *testing.T) {
	verified := ownerUser
	verified.IsEmailVerified = true
	now := time.Now()
	verified.TermsAcceptedAt = &now

	st := &fakeStore{getUserByIDFn: usersByID(verified)}
	svc, _, _ := newTestService(st, &fakeNotebooks{}, &fakeStages{})

	sess, err := svc.CreateSession(context.Background(), verified.ID)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.Token == "" || sess.RefreshToken == "" {
		t.Fatal("expected both tokens issued")
	}
	if !sess.AcceptedTerms {
		t.Fatal("expected accepted terms on session")
	}

	parsed, err := svc.SessionFromToken(context.Background(), sess.Token)
	if err != nil {
		t.Fatalf("SessionFromToken: %v", err)
	}
	if parsed.UserID != verified.ID || parsed.Role != verified.Role {
		t.Fatalf("unexpected parsed session %+v", parsed)
	}

	refreshed, err := svc.Refresh(context.Background(), sess.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if refreshed.Token == "" {
		t.Fatal("expected a fresh access token")
	}
	// Refresh tokens rotate; the old one must be dead.
	if _, err := svc.Refresh(context.Background(), sess.RefreshToken); err == nil {
		t.Fatal("expected reused refresh token to fail")
	}

	st.isAccessTokenRevokedFn = func(context.Context, string) (bool, error) { return true, nil }
	if _, err := svc.SessionFromToken(context.Background(), refreshed.Token); err == nil {
		t.Fatal("expected revoked access token to be rejected")
	}
}

func TestIssueWarningValidation(t *testing.T) {
	st := &fakeStore{getUserByIDFn: usersByID(ownerUser)}
	var inserted store.Warning
	st.insertWarningFn = func(_ context.Context, warning store.Warning) error {
		inserted = warning
		return nil
	}
	svc, _, _ := newTestService(st, &fakeNotebooks{}, &fakeStages{})
	admin := Actor{UserID: adminUser.ID, Role: "admin", AcceptedTerms: true}

	if _, err := svc.IssueWarning(context.Background(), admin, WarningInput{
		UserID:  ownerUser.ID,
		Message: "tone it down",
		Level:   "caution",
	}); err != nil {
		t.Fatalf("IssueWarning: %v", err)
	}
	if inserted.IssuedBy != adminUser.ID || inserted.Level != "caution" {
		t.Fatalf("unexpected warning %+v", inserted)
	}

	_, err := svc.IssueWarning(context.Background(), admin, WarningInput{UserID: "user_missing", Level: "bogus"})
	domainErr := requireDomainError(t, err, "BAD_UPLOAD")
	fieldErrors := domainErr.Details.(map[string]any)["errors"].(map[string][]string)
	for _, field := range []string{"message", "level", "userId"} {
		if len(fieldErrors[field]) == 0 {
			t.Fatalf("expected %s error, got %v", field, fieldErrors)
		}
	}

	_, err = svc.IssueWarning(context.Background(), editorActor(ownerUser.ID), WarningInput{})
	requireDomainError(t, err, "FORBIDDEN")
}
