package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// IsForeignKeyViolation reports whether err is a Postgres foreign key
// violation, such as deleting a user who still owns notebooks.
func IsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- users ----

const userColumns = `id, display_name, email, password_hash, role, is_email_verified,
	COALESCE(verification_token, ''), verification_expires_at, terms_accepted_at, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var user User
	err := row.Scan(
		&user.ID,
		&user.DisplayName,
		&user.Email,
		&user.PasswordHash,
		&user.Role,
		&user.IsEmailVerified,
		&user.VerificationToken,
		&user.VerificationExpiresAt,
		&user.TermsAcceptedAt,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	return user, err
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role, is_email_verified, verification_token)
		VALUES ($1, $2, LOWER($3), $4, $5, $6, NULLIF($7, ''))
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.Role, user.IsEmailVerified, user.VerificationToken)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID)
	return scanUser(row)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=LOWER($1)`, email)
	return scanUser(row)
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateUserProfile(ctx context.Context, userID, displayName string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET display_name=$2, updated_at=NOW() WHERE id=$1
	`, userID, displayName)
	if err != nil {
		return fmt.Errorf("update user profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserRole(ctx context.Context, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET role=$2, updated_at=NOW() WHERE id=$1`, userID, role)
	if err != nil {
		return fmt.Errorf("update user role: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id=$1`, userID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

func (s *PostgresStore) AcceptTerms(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET terms_accepted_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND terms_accepted_at IS NULL
	`, userID)
	if err != nil {
		return fmt.Errorf("accept terms: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW() WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify user email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify user email rows: %w", err)
	}
	if affected == 0 {
		return errors.New("invalid or expired verification token")
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update user password: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// ---- notebooks ----

const notebookColumns = `id, owner_id, title, description, tags, lang_name, lang_version, public, head_commit, created_at, updated_at`

func scanNotebook(row interface{ Scan(...any) error }) (Notebook, error) {
	var item Notebook
	var tagsRaw []byte
	err := row.Scan(
		&item.ID,
		&item.OwnerID,
		&item.Title,
		&item.Description,
		&tagsRaw,
		&item.LangName,
		&item.LangVersion,
		&item.Public,
		&item.HeadCommit,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Notebook{}, err
	}
	if err := json.Unmarshal(tagsRaw, &item.Tags); err != nil {
		return Notebook{}, fmt.Errorf("decode notebook tags: %w", err)
	}
	return item, nil
}

func encodeTags(tags []string) []byte {
	if tags == nil {
		tags = []string{}
	}
	encoded, _ := json.Marshal(tags)
	return encoded
}

func (s *PostgresStore) InsertNotebook(ctx context.Context, item Notebook) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notebooks (id, owner_id, title, description, tags, lang_name, lang_version, public, head_commit)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9)
	`, item.ID, item.OwnerID, item.Title, item.Description, encodeTags(item.Tags), item.LangName, item.LangVersion, item.Public, item.HeadCommit)
	if err != nil {
		return fmt.Errorf("insert notebook: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetNotebook(ctx context.Context, notebookID string) (Notebook, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+notebookColumns+` FROM notebooks WHERE id=$1`, notebookID)
	return scanNotebook(row)
}

func (s *PostgresStore) ListNotebooks(ctx context.Context) ([]Notebook, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+notebookColumns+` FROM notebooks ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list notebooks: %w", err)
	}
	defer rows.Close()

	items := make([]Notebook, 0)
	for rows.Next() {
		item, err := scanNotebook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notebook: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notebooks: %w", err)
	}
	return items, nil
}

// DeleteNotebook removes the record; change requests cascade with it.
func (s *PostgresStore) DeleteNotebook(ctx context.Context, notebookID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM notebooks WHERE id=$1`, notebookID)
	if err != nil {
		return fmt.Errorf("delete notebook: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete notebook rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateNotebook(ctx context.Context, item Notebook) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notebooks
		SET title=$2, description=$3, tags=$4::jsonb, lang_name=$5, lang_version=$6, head_commit=$7, updated_at=NOW()
		WHERE id=$1
	`, item.ID, item.Title, item.Description, encodeTags(item.Tags), item.LangName, item.LangVersion, item.HeadCommit)
	if err != nil {
		return fmt.Errorf("update notebook: %w", err)
	}
	return nil
}

// ---- change requests ----

const changeRequestColumns = `reqid, notebook_id, requestor_id, status, proposed_content,
	requestor_comment, owner_comment, title, description, tags, commit_id, created_at, updated_at`

func scanChangeRequest(row interface{ Scan(...any) error }) (ChangeRequest, error) {
	var item ChangeRequest
	var tagsRaw []byte
	err := row.Scan(
		&item.ReqID,
		&item.NotebookID,
		&item.RequestorID,
		&item.Status,
		&item.ProposedContent,
		&item.RequestorComment,
		&item.OwnerComment,
		&item.Title,
		&item.Description,
		&tagsRaw,
		&item.CommitID,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return ChangeRequest{}, err
	}
	if err := json.Unmarshal(tagsRaw, &item.Tags); err != nil {
		return ChangeRequest{}, fmt.Errorf("decode change request tags: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) InsertChangeRequest(ctx context.Context, item ChangeRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO change_requests
			(reqid, notebook_id, requestor_id, status, proposed_content, requestor_comment, title, description, tags)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9::jsonb)
	`, item.ReqID, item.NotebookID, item.RequestorID, item.Status, item.ProposedContent,
		item.RequestorComment, item.Title, item.Description, encodeTags(item.Tags))
	if err != nil {
		return fmt.Errorf("insert change request: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetChangeRequest(ctx context.Context, reqID string) (ChangeRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+changeRequestColumns+` FROM change_requests WHERE reqid=$1`, reqID)
	return scanChangeRequest(row)
}

func (s *PostgresStore) DeleteChangeRequest(ctx context.Context, reqID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM change_requests WHERE reqid=$1`, reqID)
	if err != nil {
		return fmt.Errorf("delete change request: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete change request rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Pending requests sort first, then status name ascending, and within
// equal status most recently updated first.
const changeRequestOrder = `ORDER BY (status <> 'pending'), status ASC, updated_at DESC`

func (s *PostgresStore) listChangeRequests(ctx context.Context, query string, args ...any) ([]ChangeRequest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list change requests: %w", err)
	}
	defer rows.Close()

	items := make([]ChangeRequest, 0)
	for rows.Next() {
		item, err := scanChangeRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan change request: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change requests: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListChangeRequestsByRequestor(ctx context.Context, userID string) ([]ChangeRequest, error) {
	return s.listChangeRequests(ctx, `
		SELECT `+changeRequestColumns+`
		FROM change_requests
		WHERE requestor_id=$1
		`+changeRequestOrder, userID)
}

func (s *PostgresStore) ListChangeRequestsForOwner(ctx context.Context, ownerID string) ([]ChangeRequest, error) {
	return s.listChangeRequests(ctx, `
		SELECT cr.reqid, cr.notebook_id, cr.requestor_id, cr.status, cr.proposed_content,
			cr.requestor_comment, cr.owner_comment, cr.title, cr.description, cr.tags, cr.commit_id,
			cr.created_at, cr.updated_at
		FROM change_requests cr
		JOIN notebooks n ON n.id = cr.notebook_id
		WHERE n.owner_id=$1
		ORDER BY (cr.status <> 'pending'), cr.status ASC, cr.updated_at DESC`, ownerID)
}

func (s *PostgresStore) ListAllChangeRequests(ctx context.Context) ([]ChangeRequest, error) {
	return s.listChangeRequests(ctx, `
		SELECT `+changeRequestColumns+`
		FROM change_requests
		`+changeRequestOrder)
}

// Transitions only match rows still pending, so concurrent reviewers race
// on the UPDATE and the first writer wins. A zero row count means the
// request had already left the pending state.
func (s *PostgresStore) transitionChangeRequest(ctx context.Context, reqID, status, ownerComment, commitID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE change_requests
		SET status=$2, owner_comment=$3, commit_id=$4, updated_at=NOW()
		WHERE reqid=$1 AND status='pending'
	`, reqID, status, ownerComment, commitID)
	if err != nil {
		return false, fmt.Errorf("transition change request to %s: %w", status, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition change request rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) MarkChangeRequestAccepted(ctx context.Context, reqID, ownerComment, commitID string) (bool, error) {
	return s.transitionChangeRequest(ctx, reqID, StatusAccepted, ownerComment, commitID)
}

func (s *PostgresStore) MarkChangeRequestDeclined(ctx context.Context, reqID, ownerComment string) (bool, error) {
	return s.transitionChangeRequest(ctx, reqID, StatusDeclined, ownerComment, "")
}

func (s *PostgresStore) MarkChangeRequestCanceled(ctx context.Context, reqID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE change_requests
		SET status='canceled', updated_at=NOW()
		WHERE reqid=$1 AND status='pending'
	`, reqID)
	if err != nil {
		return false, fmt.Errorf("cancel change request: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel change request rows: %w", err)
	}
	return affected > 0, nil
}

// ---- warnings ----

const warningColumns = `id, user_id, message, level, issued_by, created_at, updated_at`

func scanWarning(row interface{ Scan(...any) error }) (Warning, error) {
	var item Warning
	err := row.Scan(&item.ID, &item.UserID, &item.Message, &item.Level, &item.IssuedBy, &item.CreatedAt, &item.UpdatedAt)
	return item, err
}

func (s *PostgresStore) InsertWarning(ctx context.Context, item Warning) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO warnings (id, user_id, message, level, issued_by)
		VALUES ($1, $2, $3, $4, $5)
	`, item.ID, item.UserID, item.Message, item.Level, item.IssuedBy)
	if err != nil {
		return fmt.Errorf("insert warning: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWarning(ctx context.Context, warningID string) (Warning, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+warningColumns+` FROM warnings WHERE id=$1`, warningID)
	return scanWarning(row)
}

func (s *PostgresStore) ListWarnings(ctx context.Context) ([]Warning, error) {
	return s.listWarnings(ctx, `SELECT `+warningColumns+` FROM warnings ORDER BY created_at DESC`)
}

func (s *PostgresStore) ListWarningsForUser(ctx context.Context, userID string) ([]Warning, error) {
	return s.listWarnings(ctx, `SELECT `+warningColumns+` FROM warnings WHERE user_id=$1 ORDER BY created_at DESC`, userID)
}

func (s *PostgresStore) listWarnings(ctx context.Context, query string, args ...any) ([]Warning, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list warnings: %w", err)
	}
	defer rows.Close()

	items := make([]Warning, 0)
	for rows.Next() {
		item, err := scanWarning(rows)
		if err != nil {
			return nil, fmt.Errorf("scan warning: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate warnings: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateWarning(ctx context.Context, warningID, message, level string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE warnings SET message=$2, level=$3, updated_at=NOW() WHERE id=$1
	`, warningID, message, level)
	if err != nil {
		return fmt.Errorf("update warning: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update warning rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeleteWarning(ctx context.Context, warningID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM warnings WHERE id=$1`, warningID)
	if err != nil {
		return fmt.Errorf("delete warning: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete warning rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ---- tracking events ----

func (s *PostgresStore) InsertTrackingEvent(ctx context.Context, event TrackingEvent) error {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode tracking payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tracking_events (event_type, actor_id, notebook_id, reqid, payload)
		VALUES ($1, $2, $3, $4, $5::jsonb)
	`, event.EventType, event.ActorID, event.NotebookID, event.ReqID, encoded)
	if err != nil {
		return fmt.Errorf("insert tracking event: %w", err)
	}
	return nil
}
