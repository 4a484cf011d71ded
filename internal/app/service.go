package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"notehub/api/internal/auth"
	"notehub/api/internal/authpw"
	"notehub/api/internal/config"
	"notehub/api/internal/diffview"
	"notehub/api/internal/notebook"
	"notehub/api/internal/notify"
	"notehub/api/internal/rbac"
	"notehub/api/internal/search"
	"notehub/api/internal/session"
	"notehub/api/internal/stage"
	"notehub/api/internal/store"
	"notehub/api/internal/util"
)

// Session is an authenticated caller resolved from an access token.
type Session struct {
	Token         string
	RefreshToken  string
	UserID        string
	UserName      string
	Role          string
	AcceptedTerms bool
	JTI           string
	ExpiresAt     time.Time
}

// Actor is the authorization context passed into workflow operations:
// who acts, with what role, and whether they accepted the terms of
// service. Operations read only this, never ambient globals.
type Actor struct {
	UserID        string
	Role          string
	AcceptedTerms bool
}

func (s Session) Actor() Actor {
	return Actor{UserID: s.UserID, Role: s.Role, AcceptedTerms: s.AcceptedTerms}
}

const noChangesCommit = "no changes"

// Content beyond the cap is rejected for editors; admins get headroom
// for bulk imports. Accept-time re-validation runs under the owner's
// role, so an admin owner can accept what the requestor could not
// have uploaded themselves.
const (
	maxContentBytes      = 2 << 20
	maxAdminContentBytes = 10 << 20
)

var allowedWarningLevels = map[string]struct{}{
	"notice":  {},
	"caution": {},
	"severe":  {},
}

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	ListUsers(context.Context) ([]store.User, error)
	UpdateUserProfile(context.Context, string, string) error
	UpdateUserRole(context.Context, string, string) error
	DeleteUser(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)

	InsertNotebook(context.Context, store.Notebook) error
	GetNotebook(context.Context, string) (store.Notebook, error)
	ListNotebooks(context.Context) ([]store.Notebook, error)
	UpdateNotebook(context.Context, store.Notebook) error
	DeleteNotebook(context.Context, string) error

	InsertChangeRequest(context.Context, store.ChangeRequest) error
	GetChangeRequest(context.Context, string) (store.ChangeRequest, error)
	DeleteChangeRequest(context.Context, string) error
	ListChangeRequestsByRequestor(context.Context, string) ([]store.ChangeRequest, error)
	ListChangeRequestsForOwner(context.Context, string) ([]store.ChangeRequest, error)
	ListAllChangeRequests(context.Context) ([]store.ChangeRequest, error)
	MarkChangeRequestAccepted(context.Context, string, string, string) (bool, error)
	MarkChangeRequestDeclined(context.Context, string, string) (bool, error)
	MarkChangeRequestCanceled(context.Context, string) (bool, error)

	InsertWarning(context.Context, store.Warning) error
	GetWarning(context.Context, string) (store.Warning, error)
	ListWarnings(context.Context) ([]store.Warning, error)
	ListWarningsForUser(context.Context, string) ([]store.Warning, error)
	UpdateWarning(context.Context, string, string, string) error
	DeleteWarning(context.Context, string) error

	InsertTrackingEvent(context.Context, store.TrackingEvent) error
	Ping(ctx context.Context) error
}

type notebookStore interface {
	EnsureNotebookRepo(string, notebook.Content, string) (store.CommitInfo, error)
	Commit(string, notebook.Content, string, string) (store.CommitInfo, error)
	GetHeadContent(string) (notebook.Content, store.CommitInfo, error)
	History(string, int) ([]store.CommitInfo, error)
	DestroyNotebookRepo(string) error
}

type stageStore interface {
	Put(context.Context, []byte, string) (stage.Record, error)
	Consume(context.Context, string) ([]byte, stage.Record, error)
}

type sessionStore interface {
	SaveRefreshSession(context.Context, string, session.TokenData, time.Time) error
	LookupRefreshSession(context.Context, string) (session.TokenData, error)
	RevokeRefreshSession(context.Context, string) error
	Ping(ctx context.Context) error
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexNotebook(nb search.NotebookRecord)
	IndexChangeRequest(cr search.ChangeRequestRecord)
	DeleteNotebook(id string)
	DeleteChangeRequest(id string)
}

type notifier interface {
	EnqueueVerification(to, userName, verificationURL string)
	EnqueueRequestCreated(ev notify.RequestEvent)
	EnqueueRequestAccepted(ev notify.RequestEvent)
	EnqueueRequestDeclined(ev notify.RequestEvent)
	EnqueueRequestCanceled(ev notify.RequestEvent)
}

type Service struct {
	cfg       config.Config
	store     dataStore
	notebooks notebookStore
	stages    stageStore
	sessions  sessionStore
	authpw    *authpw.Service
	search    searchIndex
	notify    notifier
	smtpReady bool
}

type Deps struct {
	Store     dataStore
	Notebooks notebookStore
	Stages    stageStore
	Sessions  sessionStore
	AuthPW    *authpw.Service
	Search    searchIndex
	Notify    notifier
	SMTPReady bool
}

func New(cfg config.Config, deps Deps) *Service {
	return &Service{
		cfg:       cfg,
		store:     deps.Store,
		notebooks: deps.Notebooks,
		stages:    deps.Stages,
		sessions:  deps.Sessions,
		authpw:    deps.AuthPW,
		search:    deps.Search,
		notify:    deps.Notify,
		smtpReady: deps.SMTPReady,
	}
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

func (s *Service) SMTPConfigured() bool {
	return s.smtpReady
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingSessions(ctx context.Context) error {
	return s.sessions.Ping(ctx)
}

func (s *Service) Can(role string, capability rbac.Capability) bool {
	return rbac.Can(rbac.Normalize(role), capability)
}

// ---- sessions ----

func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	data, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, data.UserID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewToken()
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), session.TokenData{
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		Role:        user.Role,
	}, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:         token,
		RefreshToken:  refresh,
		UserID:        user.ID,
		UserName:      user.DisplayName,
		Role:          user.Role,
		AcceptedTerms: user.TermsAcceptedAt != nil,
		JTI:           jti,
		ExpiresAt:     expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:         token,
		UserID:        user.ID,
		UserName:      user.DisplayName,
		Role:          user.Role,
		AcceptedTerms: user.TermsAcceptedAt != nil,
		JTI:           claims.JTI,
		ExpiresAt:     time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, sess Session, refreshToken string) error {
	if sess.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, sess.JTI, sess.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// VerificationURL builds the link embedded in verification emails.
func (s *Service) VerificationURL(token string) string {
	return strings.TrimSuffix(s.cfg.BaseURL, "/") + "/verify?token=" + token
}

func (s *Service) SendVerificationEmail(email, userName, token string) {
	if s.notify == nil {
		return
	}
	s.notify.EnqueueVerification(email, userName, s.VerificationURL(token))
}

// ---- users ----

func (s *Service) ListUsers(ctx context.Context, actor Actor) ([]map[string]any, error) {
	if !s.Can(actor.Role, rbac.CapAdmin) {
		return nil, forbiddenErr()
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(users))
	for _, user := range users {
		items = append(items, userPayload(user))
	}
	return items, nil
}

func (s *Service) GetUser(ctx context.Context, actor Actor, userID string) (map[string]any, error) {
	if actor.UserID != userID && !s.Can(actor.Role, rbac.CapAdmin) {
		return nil, forbiddenErr()
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return userPayload(user), nil
}

type UpdateUserInput struct {
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

func (s *Service) UpdateUser(ctx context.Context, actor Actor, userID string, input UpdateUserInput) (map[string]any, error) {
	isAdmin := s.Can(actor.Role, rbac.CapAdmin)
	if actor.UserID != userID && !isAdmin {
		return nil, forbiddenErr()
	}
	if name := strings.TrimSpace(input.DisplayName); name != "" {
		if err := s.store.UpdateUserProfile(ctx, userID, name); err != nil {
			return nil, err
		}
	}
	if role := strings.TrimSpace(input.Role); role != "" {
		// Role changes are admin-only even on your own account.
		if !isAdmin {
			return nil, forbiddenErr()
		}
		if rbac.Normalize(role) != rbac.Role(role) {
			return nil, badUpload(map[string][]string{"role": {"must be viewer, editor, or admin"}})
		}
		if err := s.store.UpdateUserRole(ctx, userID, role); err != nil {
			return nil, err
		}
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return userPayload(user), nil
}

func (s *Service) DeleteUser(ctx context.Context, actor Actor, userID string) error {
	if !s.Can(actor.Role, rbac.CapAdmin) {
		return forbiddenErr()
	}
	if err := s.store.DeleteUser(ctx, userID); err != nil {
		if store.IsForeignKeyViolation(err) {
			return conflictErr("user still owns notebooks or change requests")
		}
		return err
	}
	return nil
}

func userPayload(user store.User) map[string]any {
	var acceptedAt any
	if user.TermsAcceptedAt != nil {
		acceptedAt = user.TermsAcceptedAt.UTC().Format(time.RFC3339)
	}
	return map[string]any{
		"id":              user.ID,
		"displayName":     user.DisplayName,
		"email":           user.Email,
		"role":            user.Role,
		"emailVerified":   user.IsEmailVerified,
		"termsAcceptedAt": acceptedAt,
		"createdAt":       user.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// ---- warnings ----

type WarningInput struct {
	UserID  string `json:"userId"`
	Message string `json:"message"`
	Level   string `json:"level"`
}

func (s *Service) IssueWarning(ctx context.Context, actor Actor, input WarningInput) (map[string]any, error) {
	if !s.Can(actor.Role, rbac.CapAdmin) {
		return nil, forbiddenErr()
	}
	fieldErrors := map[string][]string{}
	if strings.TrimSpace(input.Message) == "" {
		fieldErrors["message"] = append(fieldErrors["message"], "is required")
	}
	if _, ok := allowedWarningLevels[input.Level]; !ok {
		fieldErrors["level"] = append(fieldErrors["level"], "must be notice, caution, or severe")
	}
	if _, err := s.store.GetUserByID(ctx, input.UserID); err != nil {
		fieldErrors["userId"] = append(fieldErrors["userId"], "user not found")
	}
	if len(fieldErrors) > 0 {
		return nil, badUpload(fieldErrors)
	}

	warning := store.Warning{
		ID:       util.NewID("warn"),
		UserID:   input.UserID,
		Message:  strings.TrimSpace(input.Message),
		Level:    input.Level,
		IssuedBy: actor.UserID,
	}
	if err := s.store.InsertWarning(ctx, warning); err != nil {
		return nil, err
	}
	s.track(ctx, "warning.issued", actor.UserID, "", "", map[string]any{"warning_id": warning.ID, "user_id": warning.UserID})
	return warningPayload(warning), nil
}

func (s *Service) GetWarning(ctx context.Context, actor Actor, warningID string) (map[string]any, error) {
	warning, err := s.store.GetWarning(ctx, warningID)
	if err != nil {
		return nil, err
	}
	if warning.UserID != actor.UserID && !s.Can(actor.Role, rbac.CapAdmin) {
		return nil, forbiddenErr()
	}
	return warningPayload(warning), nil
}

func (s *Service) ListWarnings(ctx context.Context, actor Actor) ([]map[string]any, error) {
	if !s.Can(actor.Role, rbac.CapAdmin) {
		return nil, forbiddenErr()
	}
	warnings, err := s.store.ListWarnings(ctx)
	if err != nil {
		return nil, err
	}
	return warningPayloads(warnings), nil
}

func (s *Service) ListWarningsForUser(ctx context.Context, actor Actor, userID string) ([]map[string]any, error) {
	if actor.UserID != userID && !s.Can(actor.Role, rbac.CapAdmin) {
		return nil, forbiddenErr()
	}
	warnings, err := s.store.ListWarningsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return warningPayloads(warnings), nil
}

type UpdateWarningInput struct {
	Message string `json:"message"`
	Level   string `json:"level"`
}

func (s *Service) UpdateWarning(ctx context.Context, actor Actor, warningID string, input UpdateWarningInput) (map[string]any, error) {
	if !s.Can(actor.Role, rbac.CapAdmin) {
		return nil, forbiddenErr()
	}
	current, err := s.store.GetWarning(ctx, warningID)
	if err != nil {
		return nil, err
	}
	message := strings.TrimSpace(input.Message)
	if message == "" {
		message = current.Message
	}
	level := input.Level
	if level == "" {
		level = current.Level
	}
	if _, ok := allowedWarningLevels[level]; !ok {
		return nil, badUpload(map[string][]string{"level": {"must be notice, caution, or severe"}})
	}
	if err := s.store.UpdateWarning(ctx, warningID, message, level); err != nil {
		return nil, err
	}
	updated, err := s.store.GetWarning(ctx, warningID)
	if err != nil {
		return nil, err
	}
	return warningPayload(updated), nil
}

func (s *Service) DeleteWarning(ctx context.Context, actor Actor, warningID string) error {
	if !s.Can(actor.Role, rbac.CapAdmin) {
		return forbiddenErr()
	}
	return s.store.DeleteWarning(ctx, warningID)
}

func warningPayload(warning store.Warning) map[string]any {
	return map[string]any{
		"id":        warning.ID,
		"userId":    warning.UserID,
		"message":   warning.Message,
		"level":     warning.Level,
		"issuedBy":  warning.IssuedBy,
		"createdAt": warning.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt": warning.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func warningPayloads(warnings []store.Warning) []map[string]any {
	items := make([]map[string]any, 0, len(warnings))
	for _, warning := range warnings {
		items = append(items, warningPayload(warning))
	}
	return items
}

// ---- staging ----

func (s *Service) StageUpload(ctx context.Context, actor Actor, raw []byte) (map[string]any, error) {
	if !s.Can(actor.Role, rbac.CapEdit) {
		return nil, forbiddenErr()
	}
	if len(raw) == 0 {
		return nil, badUpload(map[string][]string{"content": {"is required"}})
	}
	if len(raw) > s.contentLimit(actor) {
		return nil, badUpload(map[string][]string{"content": {"exceeds the size limit"}})
	}
	if _, err := notebook.NewContent(raw); err != nil {
		return nil, badUpload(map[string][]string{"content": {"is not a valid notebook document"}})
	}
	record, err := s.stages.Put(ctx, raw, actor.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"stageToken": record.Token,
		"size":       record.Size,
		"sha256":     record.BlobKey,
	}, nil
}

func (s *Service) contentLimit(actor Actor) int {
	if s.Can(actor.Role, rbac.CapAdmin) {
		return maxAdminContentBytes
	}
	return maxContentBytes
}

// ---- notebooks ----

type CreateNotebookInput struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	Public      bool     `json:"public"`
	StageToken  string   `json:"stageToken"`
}

func (s *Service) CreateNotebook(ctx context.Context, actor Actor, input CreateNotebookInput) (map[string]any, error) {
	if !s.Can(actor.Role, rbac.CapEdit) {
		return nil, forbiddenErr()
	}
	if !actor.AcceptedTerms {
		return nil, forbiddenErr()
	}

	fieldErrors := map[string][]string{}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		fieldErrors["title"] = append(fieldErrors["title"], "is required")
	}
	if strings.TrimSpace(input.StageToken) == "" {
		fieldErrors["stageToken"] = append(fieldErrors["stageToken"], "is required")
	}
	if len(fieldErrors) > 0 {
		return nil, badUpload(fieldErrors)
	}

	raw, _, err := s.stages.Consume(ctx, input.StageToken)
	if err != nil {
		if errors.Is(err, stage.ErrStageNotFound) {
			return nil, badUpload(map[string][]string{"stageToken": {"staged upload not found or expired"}})
		}
		return nil, err
	}
	content, err := notebook.NewContent(raw)
	if err != nil {
		return nil, badUpload(map[string][]string{"content": {"is not a valid notebook document"}})
	}

	owner, err := s.store.GetUserByID(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}

	notebookID := util.NewID("nb")
	baseline, err := s.notebooks.EnsureNotebookRepo(notebookID, content, owner.DisplayName)
	if err != nil {
		return nil, err
	}

	langName, langVersion := content.Language()
	item := store.Notebook{
		ID:          notebookID,
		OwnerID:     actor.UserID,
		Title:       title,
		Description: strings.TrimSpace(input.Description),
		Tags:        normalizeTags(input.Tags),
		LangName:    langName,
		LangVersion: langVersion,
		Public:      input.Public,
		HeadCommit:  baseline.Hash,
	}
	if err := s.store.InsertNotebook(ctx, item); err != nil {
		return nil, err
	}

	s.track(ctx, "notebook.created", actor.UserID, notebookID, "", nil)
	if s.search != nil {
		s.search.IndexNotebook(search.NotebookRecord{
			ID:          item.ID,
			Title:       item.Title,
			Description: item.Description,
			OwnerID:     item.OwnerID,
			Public:      item.Public,
		})
	}
	return notebookPayload(item), nil
}

func (s *Service) ListNotebooks(ctx context.Context, actor Actor) ([]map[string]any, error) {
	items, err := s.store.ListNotebooks(ctx)
	if err != nil {
		return nil, err
	}
	payloads := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if !s.canViewNotebook(actor, item) {
			continue
		}
		payloads = append(payloads, notebookPayload(item))
	}
	return payloads, nil
}

func (s *Service) GetNotebook(ctx context.Context, actor Actor, notebookID string) (map[string]any, error) {
	item, err := s.store.GetNotebook(ctx, notebookID)
	if err != nil {
		return nil, err
	}
	if !s.canViewNotebook(actor, item) {
		return nil, forbiddenErr()
	}
	return notebookPayload(item), nil
}

// DownloadNotebook returns the current content and the attachment name.
func (s *Service) DownloadNotebook(ctx context.Context, actor Actor, notebookID string) (string, []byte, error) {
	item, err := s.store.GetNotebook(ctx, notebookID)
	if err != nil {
		return "", nil, err
	}
	if !s.canViewNotebook(actor, item) {
		return "", nil, forbiddenErr()
	}
	content, _, err := s.notebooks.GetHeadContent(notebookID)
	if err != nil {
		return "", nil, err
	}
	return item.Title + ".ipynb", content.Raw(), nil
}

func (s *Service) NotebookHistory(ctx context.Context, actor Actor, notebookID string, limit int) ([]map[string]any, error) {
	item, err := s.store.GetNotebook(ctx, notebookID)
	if err != nil {
		return nil, err
	}
	if !s.canViewNotebook(actor, item) {
		return nil, forbiddenErr()
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	commits, err := s.notebooks.History(notebookID, limit)
	if err != nil {
		return nil, err
	}
	payloads := make([]map[string]any, 0, len(commits))
	for _, commit := range commits {
		payloads = append(payloads, map[string]any{
			"hash":      commit.Hash,
			"message":   strings.TrimSpace(commit.Message),
			"author":    commit.Author,
			"createdAt": commit.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return payloads, nil
}

// DestroyNotebook is the admin retention sweep for notebooks: the
// record goes first (change requests cascade with it), then the
// repository on disk and the search entry.
func (s *Service) DestroyNotebook(ctx context.Context, actor Actor, notebookID string) error {
	if !s.Can(actor.Role, rbac.CapAdmin) {
		return forbiddenErr()
	}
	item, err := s.store.GetNotebook(ctx, notebookID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteNotebook(ctx, item.ID); err != nil {
		return err
	}
	if err := s.notebooks.DestroyNotebookRepo(item.ID); err != nil {
		log.Printf("destroy repo for notebook %s failed: %v", item.ID, err)
	}
	if s.search != nil {
		s.search.DeleteNotebook(item.ID)
	}
	s.track(ctx, "notebook.destroyed", actor.UserID, item.ID, "", map[string]any{"title": item.Title})
	return nil
}

func (s *Service) canViewNotebook(actor Actor, item store.Notebook) bool {
	if item.Public {
		return true
	}
	return item.OwnerID == actor.UserID || s.Can(actor.Role, rbac.CapAdmin)
}

func notebookPayload(item store.Notebook) map[string]any {
	return map[string]any{
		"id":          item.ID,
		"ownerId":     item.OwnerID,
		"title":       item.Title,
		"description": item.Description,
		"tags":        item.Tags,
		"langName":    item.LangName,
		"langVersion": item.LangVersion,
		"public":      item.Public,
		"headCommit":  item.HeadCommit,
		"createdAt":   item.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":   item.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := map[string]struct{}{}
	for _, tag := range tags {
		trimmed := strings.ToLower(strings.TrimSpace(tag))
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

// ---- search ----

func (s *Service) Search(ctx context.Context, q, filterType, notebookID string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q}, nil
	}
	return s.search.Search(search.Query{
		Text:             q,
		FilterType:       search.ResultType(filterType),
		FilterNotebookID: notebookID,
		Limit:            limit,
		Offset:           offset,
	}), nil
}

// ---- change requests ----

type CreateChangeRequestInput struct {
	NotebookID  string   `json:"notebookId"`
	StageToken  string   `json:"stageToken"`
	Comment     string   `json:"comment"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// CreateChangeRequest stages a proposal against a notebook. Any
// precondition failure surfaces as BAD_UPLOAD with field errors; the
// stage token is consumed either way so no materialized upload is
// orphaned.
func (s *Service) CreateChangeRequest(ctx context.Context, actor Actor, input CreateChangeRequestInput) (string, error) {
	if !s.Can(actor.Role, rbac.CapEdit) {
		return "", forbiddenErr()
	}
	if !actor.AcceptedTerms {
		return "", forbiddenErr()
	}

	fieldErrors := map[string][]string{}
	if strings.TrimSpace(input.StageToken) == "" {
		fieldErrors["stageToken"] = append(fieldErrors["stageToken"], "is required")
	}
	target, err := s.store.GetNotebook(ctx, input.NotebookID)
	if err != nil {
		fieldErrors["notebookId"] = append(fieldErrors["notebookId"], "notebook not found")
	}
	if len(fieldErrors) > 0 {
		return "", badUpload(fieldErrors)
	}

	raw, _, err := s.stages.Consume(ctx, input.StageToken)
	if err != nil {
		if errors.Is(err, stage.ErrStageNotFound) {
			return "", badUpload(map[string][]string{"stageToken": {"staged upload not found or expired"}})
		}
		return "", err
	}

	current, _, err := s.notebooks.GetHeadContent(target.ID)
	if err != nil {
		return "", err
	}
	if fieldErrors := s.validateProposedContent(raw, current, actor, true); len(fieldErrors) > 0 {
		return "", badUpload(fieldErrors)
	}

	item := store.ChangeRequest{
		ReqID:            util.NewID("cr"),
		NotebookID:       target.ID,
		RequestorID:      actor.UserID,
		Status:           store.StatusPending,
		ProposedContent:  raw,
		RequestorComment: strings.TrimSpace(input.Comment),
		Title:            strings.TrimSpace(input.Title),
		Description:      strings.TrimSpace(input.Description),
		Tags:             normalizeTags(input.Tags),
	}
	if err := s.store.InsertChangeRequest(ctx, item); err != nil {
		return "", err
	}

	s.track(ctx, "change_request.created", actor.UserID, target.ID, item.ReqID, nil)
	s.notifyRequest(ctx, item, target, target.OwnerID, actor.UserID, item.RequestorComment,
		func(ev notify.RequestEvent) { s.notify.EnqueueRequestCreated(ev) })
	if s.search != nil {
		s.search.IndexChangeRequest(search.ChangeRequestRecord{
			ID:               item.ReqID,
			RequestorComment: item.RequestorComment,
			NotebookID:       item.NotebookID,
			Status:           item.Status,
		})
	}
	return item.ReqID, nil
}

// validateProposedContent checks a proposal against the acting user's
// context. The must-differ rule applies at create time only; accept
// re-validation tolerates identical content and records the no-op
// sentinel instead.
func (s *Service) validateProposedContent(raw []byte, current notebook.Content, actor Actor, requireChange bool) map[string][]string {
	fieldErrors := map[string][]string{}
	if len(raw) > s.contentLimit(actor) {
		fieldErrors["content"] = append(fieldErrors["content"], "exceeds the size limit")
	}
	proposed, err := notebook.NewContent(raw)
	if err != nil {
		fieldErrors["content"] = append(fieldErrors["content"], "is not a valid notebook document")
		return fieldErrors
	}
	if requireChange && proposed.Equal(current) {
		fieldErrors["content"] = append(fieldErrors["content"], "is identical to the current notebook content")
	}
	return fieldErrors
}

func (s *Service) GetChangeRequest(ctx context.Context, actor Actor, reqID string) (map[string]any, error) {
	item, target, err := s.loadChangeRequest(ctx, reqID)
	if err != nil {
		return nil, err
	}
	if !s.canViewChangeRequest(actor, item, target) {
		return nil, forbiddenErr()
	}
	return changeRequestPayload(item), nil
}

func (s *Service) loadChangeRequest(ctx context.Context, reqID string) (store.ChangeRequest, store.Notebook, error) {
	item, err := s.store.GetChangeRequest(ctx, reqID)
	if err != nil {
		return store.ChangeRequest{}, store.Notebook{}, err
	}
	target, err := s.store.GetNotebook(ctx, item.NotebookID)
	if err != nil {
		return store.ChangeRequest{}, store.Notebook{}, err
	}
	return item, target, nil
}

func (s *Service) canViewChangeRequest(actor Actor, item store.ChangeRequest, target store.Notebook) bool {
	return item.RequestorID == actor.UserID ||
		target.OwnerID == actor.UserID ||
		s.Can(actor.Role, rbac.CapAdmin)
}

// ListChangeRequests returns the caller's two views: requests they
// made and requests targeting notebooks they own. Each list is sorted
// by the store (pending first, then status name, then recency).
func (s *Service) ListChangeRequests(ctx context.Context, actor Actor) (map[string]any, error) {
	requested, err := s.store.ListChangeRequestsByRequestor(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	received, err := s.store.ListChangeRequestsForOwner(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"requested": changeRequestPayloads(requested),
		"received":  changeRequestPayloads(received),
	}, nil
}

func (s *Service) ListAllChangeRequests(ctx context.Context, actor Actor) ([]map[string]any, error) {
	if !s.Can(actor.Role, rbac.CapAdmin) {
		return nil, forbiddenErr()
	}
	items, err := s.store.ListAllChangeRequests(ctx)
	if err != nil {
		return nil, err
	}
	return changeRequestPayloads(items), nil
}

// AcceptChangeRequest commits the proposed content to the notebook's
// repository and mirrors the request's extension fields onto the
// notebook record. The repository write happens first; if persisting
// the notebook record (or winning the status transition) fails
// afterwards, the prior content is re-committed under the same message
// so repository and record stay consistent. Best effort: a failure of
// that second write is a known gap.
func (s *Service) AcceptChangeRequest(ctx context.Context, actor Actor, reqID, ownerComment string) (map[string]any, error) {
	item, target, err := s.loadChangeRequest(ctx, reqID)
	if err != nil {
		return nil, err
	}
	if !s.canReview(actor, target) {
		return nil, forbiddenErr()
	}
	if !actor.AcceptedTerms {
		return nil, forbiddenErr()
	}
	if item.Status != store.StatusPending {
		return nil, notPendingErr()
	}

	current, _, err := s.notebooks.GetHeadContent(target.ID)
	if err != nil {
		return nil, err
	}
	// Deliberate re-check under the acceptor's context, not the
	// requestor's: size privileges differ by role.
	if fieldErrors := s.validateProposedContent(item.ProposedContent, current, actor, false); len(fieldErrors) > 0 {
		return nil, badUpload(fieldErrors)
	}
	proposed, err := notebook.NewContent(item.ProposedContent)
	if err != nil {
		return nil, badUpload(map[string][]string{"content": {"is not a valid notebook document"}})
	}

	owner, err := s.store.GetUserByID(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	requestor, err := s.store.GetUserByID(ctx, item.RequestorID)
	if err != nil {
		return nil, err
	}
	message := fmt.Sprintf("Change request accepted: %s (by %s, requested by %s)",
		item.ReqID, owner.DisplayName, requestor.DisplayName)

	commitID := noChangesCommit
	wroteCommit := false
	if !proposed.Equal(current) {
		commit, err := s.notebooks.Commit(target.ID, proposed, owner.DisplayName, message)
		if err != nil {
			return nil, err
		}
		commitID = commit.Hash
		wroteCommit = true
	}

	// Restores both sides that may already have been written: the
	// repository commit and the notebook record. Best effort; failures
	// land in the tracking log.
	wroteRecord := false
	compensate := func() {
		if wroteCommit {
			if _, rollbackErr := s.notebooks.Commit(target.ID, current, owner.DisplayName, message); rollbackErr != nil {
				s.track(ctx, "change_request.rollback_failed", actor.UserID, target.ID, item.ReqID,
					map[string]any{"error": rollbackErr.Error()})
			}
		}
		if wroteRecord {
			if rollbackErr := s.store.UpdateNotebook(ctx, target); rollbackErr != nil {
				s.track(ctx, "change_request.rollback_failed", actor.UserID, target.ID, item.ReqID,
					map[string]any{"error": rollbackErr.Error()})
			}
		}
	}

	updated := target
	if item.Title != "" {
		updated.Title = item.Title
	}
	if item.Description != "" {
		updated.Description = item.Description
	}
	if len(item.Tags) > 0 {
		updated.Tags = item.Tags
	}
	updated.LangName, updated.LangVersion = proposed.Language()
	if wroteCommit {
		updated.HeadCommit = commitID
	}
	if err := s.store.UpdateNotebook(ctx, updated); err != nil {
		compensate()
		return nil, badUpload(map[string][]string{"notebook": {"could not be updated with the proposed changes"}})
	}
	wroteRecord = true

	won, err := s.store.MarkChangeRequestAccepted(ctx, reqID, strings.TrimSpace(ownerComment), commitID)
	if err != nil {
		compensate()
		return nil, err
	}
	if !won {
		compensate()
		return nil, notPendingErr()
	}

	s.track(ctx, "change_request.accepted", actor.UserID, target.ID, item.ReqID,
		map[string]any{"commit_id": commitID})
	s.notifyRequest(ctx, item, updated, item.RequestorID, actor.UserID, strings.TrimSpace(ownerComment),
		func(ev notify.RequestEvent) { s.notify.EnqueueRequestAccepted(ev) })
	if s.search != nil {
		s.search.IndexChangeRequest(search.ChangeRequestRecord{
			ID:               item.ReqID,
			RequestorComment: item.RequestorComment,
			OwnerComment:     strings.TrimSpace(ownerComment),
			NotebookID:       item.NotebookID,
			Status:           store.StatusAccepted,
		})
		s.search.IndexNotebook(search.NotebookRecord{
			ID:          updated.ID,
			Title:       updated.Title,
			Description: updated.Description,
			OwnerID:     updated.OwnerID,
			Public:      updated.Public,
		})
	}
	return map[string]any{"message": "Change request accepted", "commitId": commitID}, nil
}

func (s *Service) DeclineChangeRequest(ctx context.Context, actor Actor, reqID, ownerComment string) (map[string]any, error) {
	item, target, err := s.loadChangeRequest(ctx, reqID)
	if err != nil {
		return nil, err
	}
	if !s.canReview(actor, target) {
		return nil, forbiddenErr()
	}
	if item.Status != store.StatusPending {
		return nil, notPendingErr()
	}

	won, err := s.store.MarkChangeRequestDeclined(ctx, reqID, strings.TrimSpace(ownerComment))
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, notPendingErr()
	}

	s.track(ctx, "change_request.declined", actor.UserID, target.ID, item.ReqID, nil)
	s.notifyRequest(ctx, item, target, item.RequestorID, actor.UserID, strings.TrimSpace(ownerComment),
		func(ev notify.RequestEvent) { s.notify.EnqueueRequestDeclined(ev) })
	if s.search != nil {
		s.search.IndexChangeRequest(search.ChangeRequestRecord{
			ID:               item.ReqID,
			RequestorComment: item.RequestorComment,
			OwnerComment:     strings.TrimSpace(ownerComment),
			NotebookID:       item.NotebookID,
			Status:           store.StatusDeclined,
		})
	}
	return map[string]any{"message": "Change request declined"}, nil
}

func (s *Service) CancelChangeRequest(ctx context.Context, actor Actor, reqID string) (map[string]any, error) {
	item, target, err := s.loadChangeRequest(ctx, reqID)
	if err != nil {
		return nil, err
	}
	if item.RequestorID != actor.UserID && !s.Can(actor.Role, rbac.CapAdmin) {
		return nil, forbiddenErr()
	}
	if item.Status != store.StatusPending {
		return nil, notPendingErr()
	}

	won, err := s.store.MarkChangeRequestCanceled(ctx, reqID)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, notPendingErr()
	}

	s.track(ctx, "change_request.canceled", actor.UserID, target.ID, item.ReqID, nil)
	s.notifyRequest(ctx, item, target, target.OwnerID, actor.UserID, "",
		func(ev notify.RequestEvent) { s.notify.EnqueueRequestCanceled(ev) })
	if s.search != nil {
		s.search.IndexChangeRequest(search.ChangeRequestRecord{
			ID:               item.ReqID,
			RequestorComment: item.RequestorComment,
			OwnerComment:     item.OwnerComment,
			NotebookID:       item.NotebookID,
			Status:           store.StatusCanceled,
		})
	}
	return map[string]any{"message": "Change request canceled"}, nil
}

// DestroyChangeRequest is the admin retention sweep: unconditional
// deletion regardless of status, not part of the normal flow.
func (s *Service) DestroyChangeRequest(ctx context.Context, actor Actor, reqID string) error {
	if !s.Can(actor.Role, rbac.CapAdmin) {
		return forbiddenErr()
	}
	if err := s.store.DeleteChangeRequest(ctx, reqID); err != nil {
		return err
	}
	s.track(ctx, "change_request.destroyed", actor.UserID, "", reqID, nil)
	if s.search != nil {
		s.search.DeleteChangeRequest(reqID)
	}
	return nil
}

func (s *Service) canReview(actor Actor, target store.Notebook) bool {
	if s.Can(actor.Role, rbac.CapAdmin) {
		return true
	}
	return target.OwnerID == actor.UserID && s.Can(actor.Role, rbac.CapEdit)
}

// ChangeRequestDiff renders one of the three diff views over the
// proposed content versus the notebook's current head.
func (s *Service) ChangeRequestDiff(ctx context.Context, actor Actor, reqID, view string) (map[string]any, error) {
	item, target, err := s.loadChangeRequest(ctx, reqID)
	if err != nil {
		return nil, err
	}
	if !s.canViewChangeRequest(actor, item, target) {
		return nil, forbiddenErr()
	}

	current, _, err := s.notebooks.GetHeadContent(target.ID)
	if err != nil {
		return nil, err
	}
	beforeText, err := diffview.NotebookText(current.Raw())
	if err != nil {
		return nil, err
	}
	afterText, err := diffview.NotebookText(item.ProposedContent)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"reqid":      item.ReqID,
		"notebookId": target.ID,
		"view":       view,
	}
	switch view {
	case "diff":
		payload["segments"] = diffview.Diff(beforeText, afterText)
	case "compare":
		payload["rows"] = diffview.SideBySide(beforeText, afterText)
	case "diff_inline":
		payload["html"] = diffview.Inline(beforeText, afterText)
	default:
		return nil, domainError(404, "NOT_FOUND", "Not found", nil)
	}
	return payload, nil
}

// DownloadChangeRequest returns the proposed content and the
// attachment filename derived from the notebook title.
func (s *Service) DownloadChangeRequest(ctx context.Context, actor Actor, reqID string) (string, []byte, error) {
	item, target, err := s.loadChangeRequest(ctx, reqID)
	if err != nil {
		return "", nil, err
	}
	if !s.canViewChangeRequest(actor, item, target) {
		return "", nil, forbiddenErr()
	}
	filename := target.Title + " -- Change Request.ipynb"
	return filename, item.ProposedContent, nil
}

func changeRequestPayload(item store.ChangeRequest) map[string]any {
	return map[string]any{
		"reqid":            item.ReqID,
		"notebookId":       item.NotebookID,
		"requestorId":      item.RequestorID,
		"status":           item.Status,
		"requestorComment": item.RequestorComment,
		"ownerComment":     item.OwnerComment,
		"title":            item.Title,
		"description":      item.Description,
		"tags":             item.Tags,
		"commitId":         item.CommitID,
		"createdAt":        item.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":        item.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func changeRequestPayloads(items []store.ChangeRequest) []map[string]any {
	payloads := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payloads = append(payloads, changeRequestPayload(item))
	}
	return payloads
}

// ---- side effects ----

func (s *Service) track(ctx context.Context, eventType, actorID, notebookID, reqID string, payload map[string]any) {
	if err := s.store.InsertTrackingEvent(ctx, store.TrackingEvent{
		EventType:  eventType,
		ActorID:    actorID,
		NotebookID: notebookID,
		ReqID:      reqID,
		Payload:    payload,
	}); err != nil {
		// Tracking is an audit side effect, never a request failure.
		log.Printf("tracking event %s failed: %v", eventType, err)
	}
}

func (s *Service) notifyRequest(ctx context.Context, item store.ChangeRequest, target store.Notebook, recipientID, actorID, comment string, enqueue func(notify.RequestEvent)) {
	if s.notify == nil {
		return
	}
	recipient, err := s.store.GetUserByID(ctx, recipientID)
	if err != nil {
		return
	}
	actorUser, err := s.store.GetUserByID(ctx, actorID)
	if err != nil {
		return
	}
	enqueue(notify.RequestEvent{
		RecipientEmail: recipient.Email,
		RecipientName:  recipient.DisplayName,
		ActorName:      actorUser.DisplayName,
		NotebookTitle:  target.Title,
		Comment:        comment,
	})
}
