package store

import "time"

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	Role                  string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	TermsAcceptedAt       *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type Notebook struct {
	ID          string
	OwnerID     string
	Title       string
	Description string
	Tags        []string
	LangName    string
	LangVersion string
	Public      bool
	HeadCommit  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Change request statuses. Pending is the initial state; the other three
// are terminal.
const (
	StatusPending  = "pending"
	StatusAccepted = "accepted"
	StatusDeclined = "declined"
	StatusCanceled = "canceled"
)

type ChangeRequest struct {
	ReqID            string
	NotebookID       string
	RequestorID      string
	Status           string
	ProposedContent  []byte
	RequestorComment string
	OwnerComment     string
	// Optional fields mirrored onto the notebook at acceptance when non-blank.
	Title       string
	Description string
	Tags        []string
	// Commit captured at acceptance; "no changes" when content was identical.
	CommitID  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Warning struct {
	ID        string
	UserID    string
	Message   string
	Level     string
	IssuedBy  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type TrackingEvent struct {
	ID         int64
	EventType  string
	ActorID    string
	NotebookID string
	ReqID      string
	Payload    map[string]any
	CreatedAt  time.Time
}

type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}
