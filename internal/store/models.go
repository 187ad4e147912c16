package store

import "time"

type User struct {
	ID                    int64
	DisplayName           string
	Email                 string
	PasswordHash          string
	Rank                  string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
}

// Tag is a node in the hierarchical catalog. ParentID is nil only for the
// root node.
type Tag struct {
	ID        int64
	Name      string
	ParentID  *int64
	Intro     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type RequestType string

const (
	TypeMove     RequestType = "MOVE"
	TypeRename   RequestType = "RENAME"
	TypeSetIntro RequestType = "SET_INTRO"
)

type RequestStatus string

const (
	StatusPending  RequestStatus = "PENDING"
	StatusAccepted RequestStatus = "ACCEPTED"
	StatusRejected RequestStatus = "REJECTED"
	StatusCanceled RequestStatus = "CANCELED"
)

// RequestPayload is a sealed union keyed by request type, so a request
// structurally carries exactly the fields its type needs.
type RequestPayload interface {
	RequestType() RequestType
}

type MovePayload struct {
	NewParentID int64
}

func (MovePayload) RequestType() RequestType { return TypeMove }

type RenamePayload struct {
	NewName string
}

func (RenamePayload) RequestType() RequestType { return TypeRename }

type SetIntroPayload struct {
	NewIntro string
}

func (SetIntroPayload) RequestType() RequestType { return TypeSetIntro }

// ChangeRequest is a proposed mutation to one tag, subject to moderation.
// TransactorID is set exactly once, when the request is accepted or rejected.
type ChangeRequest struct {
	ID           int64
	TagID        int64
	SubmitterID  int64
	Status       RequestStatus
	TransactorID *int64
	Payload      RequestPayload
	CreatedAt    time.Time
}

func (r ChangeRequest) Type() RequestType { return r.Payload.RequestType() }

// ChangeRequestRow is a list projection of a request joined with the display
// names of its tag, submitter, and transactor.
type ChangeRequestRow struct {
	ChangeRequest
	TagName        string
	SubmitterName  string
	TransactorName string
}

type Feedback struct {
	ID        int64
	Content   string
	Name      string
	Email     string
	IP        string
	CreatedAt time.Time
}
