package store

import "time"

type Workspace struct {
	ID        string
	Name      string
	Slug      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Issue statuses as driven by the webhook automation. The full lifecycle
// (BACKLOG, TODO, CANCELED) belongs to the CRUD layer.
const (
	StatusBacklog    = "BACKLOG"
	StatusTodo       = "TODO"
	StatusInProgress = "IN_PROGRESS"
	StatusInReview   = "IN_REVIEW"
	StatusDone       = "DONE"
	StatusCanceled   = "CANCELED"
)

type Issue struct {
	ID          string
	WorkspaceID string
	Identifier  int
	Title       string
	Status      string
	Description []byte
	AssigneeID  *string
	UpdatedAt   time.Time
}

type Comment struct {
	ID        string
	IssueID   string
	Body      string
	AuthorID  *string
	IsSystem  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Notification struct {
	ID          string
	RecipientID string
	WorkspaceID string
	IssueID     string
	Title       string
	Body        string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Installation struct {
	ID             string
	InstallationID int64
	WorkspaceID    string
	CreatedBy      string
	CreatedAt      time.Time
}

// WikiFileRecord is the database twin of a wiki page: it carries the
// replicated-document blob the collab runtime edits. It is associated to a
// mirror directory via GithubRepositoryID but the two are not kept
// transactionally consistent.
type WikiFileRecord struct {
	ID                 string
	GithubRepositoryID int64
	Name               string
	Content            []byte
	IsModified         bool
	UpdatedAt          time.Time
}
