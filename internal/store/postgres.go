package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

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

func (s *PostgresStore) CreateInstallation(ctx context.Context, item Installation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO github_installations (id, installation_id, workspace_id, created_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (installation_id) DO UPDATE SET workspace_id=EXCLUDED.workspace_id, created_by=EXCLUDED.created_by
	`, item.ID, item.InstallationID, item.WorkspaceID, item.CreatedBy)
	if err != nil {
		return fmt.Errorf("create installation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetInstallation(ctx context.Context, installationID int64) (Installation, error) {
	var item Installation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, installation_id, workspace_id, created_by, created_at
		FROM github_installations
		WHERE installation_id=$1
	`, installationID).Scan(&item.ID, &item.InstallationID, &item.WorkspaceID, &item.CreatedBy, &item.CreatedAt)
	if err != nil {
		return Installation{}, err
	}
	return item, nil
}

func (s *PostgresStore) DeleteInstallation(ctx context.Context, installationID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM github_installations WHERE installation_id=$1`, installationID)
	if err != nil {
		return fmt.Errorf("delete installation: %w", err)
	}
	return nil
}

// FindIssueByIdentifier resolves an issue by its numeric identifier within
// the workspace that holds the given GitHub App installation. The
// installation scoping prevents cross-tenant hits when two workspaces reuse
// the same number.
func (s *PostgresStore) FindIssueByIdentifier(ctx context.Context, installationID int64, identifier int) (Issue, error) {
	const query = `
		SELECT i.id, i.workspace_id, i.identifier, i.title, i.status, i.assignee_id, i.updated_at
		FROM issues i
		JOIN github_installations gi ON gi.workspace_id = i.workspace_id
		WHERE gi.installation_id = $1 AND i.identifier = $2
	`
	var item Issue
	err := s.db.QueryRowContext(ctx, query, installationID, identifier).
		Scan(&item.ID, &item.WorkspaceID, &item.Identifier, &item.Title, &item.Status, &item.AssigneeID, &item.UpdatedAt)
	if err != nil {
		return Issue{}, err
	}
	return item, nil
}

// TransitionIssueStatus updates the issue status and records the system
// comment for the transition in one transaction. When a system comment whose
// body starts with prefix was touched within the dedup window it is updated
// in place instead of inserting a second row.
func (s *PostgresStore) TransitionIssueStatus(ctx context.Context, issueID, status string, comment Comment, prefix string, window time.Duration) (Comment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Comment{}, fmt.Errorf("begin transition tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE issues SET status=$2, updated_at=NOW() WHERE id=$1
	`, issueID, status); err != nil {
		return Comment{}, fmt.Errorf("update issue status: %w", err)
	}

	var existingID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM comments
		WHERE issue_id=$1 AND is_system AND starts_with(body, $2) AND updated_at > NOW() - make_interval(secs => $3)
		ORDER BY updated_at DESC
		LIMIT 1
	`, issueID, prefix, window.Seconds()).Scan(&existingID)
	switch {
	case err == nil:
		comment.ID = existingID
		if err := tx.QueryRowContext(ctx, `
			UPDATE comments SET body=$2, updated_at=NOW() WHERE id=$1
			RETURNING created_at, updated_at
		`, existingID, comment.Body).Scan(&comment.CreatedAt, &comment.UpdatedAt); err != nil {
			return Comment{}, fmt.Errorf("update system comment: %w", err)
		}
	case errors.Is(err, sql.ErrNoRows):
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO comments (id, issue_id, body, author_id, is_system)
			VALUES ($1, $2, $3, $4, TRUE)
			RETURNING created_at, updated_at
		`, comment.ID, issueID, comment.Body, comment.AuthorID).Scan(&comment.CreatedAt, &comment.UpdatedAt); err != nil {
			return Comment{}, fmt.Errorf("insert system comment: %w", err)
		}
	default:
		return Comment{}, fmt.Errorf("find system comment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Comment{}, fmt.Errorf("commit transition tx: %w", err)
	}
	comment.IssueID = issueID
	comment.IsSystem = true
	return comment, nil
}

// UpsertNotification coalesces repeated automation notifications for the
// same issue and message prefix inside the dedup window. A recipient change
// within the window deletes the stale row and recreates it.
func (s *PostgresStore) UpsertNotification(ctx context.Context, item Notification, prefix string, window time.Duration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin notification tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existingID, existingRecipient string
	err = tx.QueryRowContext(ctx, `
		SELECT id, recipient_id FROM notifications
		WHERE issue_id=$1 AND starts_with(body, $2) AND updated_at > NOW() - make_interval(secs => $3)
		ORDER BY updated_at DESC
		LIMIT 1
	`, item.IssueID, prefix, window.Seconds()).Scan(&existingID, &existingRecipient)

	switch {
	case err == nil && existingRecipient == item.RecipientID:
		if _, err := tx.ExecContext(ctx, `
			UPDATE notifications SET title=$2, body=$3, updated_at=NOW() WHERE id=$1
		`, existingID, item.Title, item.Body); err != nil {
			return fmt.Errorf("update notification: %w", err)
		}
	case err == nil:
		if _, err := tx.ExecContext(ctx, `DELETE FROM notifications WHERE id=$1`, existingID); err != nil {
			return fmt.Errorf("delete stale notification: %w", err)
		}
		fallthrough
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO notifications (id, recipient_id, workspace_id, issue_id, title, body)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, item.ID, item.RecipientID, item.WorkspaceID, item.IssueID, item.Title, item.Body); err != nil {
			return fmt.Errorf("insert notification: %w", err)
		}
	default:
		return fmt.Errorf("find notification: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit notification tx: %w", err)
	}
	return nil
}

// GetIssueDescription returns the stored replicated-document blob for the
// issue, or nil when the issue is unknown or has no description yet.
func (s *PostgresStore) GetIssueDescription(ctx context.Context, issueID string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT description FROM issues WHERE id=$1`, issueID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get issue description: %w", err)
	}
	return blob, nil
}

func (s *PostgresStore) SetIssueDescription(ctx context.Context, issueID string, state []byte) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE issues SET description=$2, updated_at=NOW() WHERE id=$1
	`, issueID, state)
	if err != nil {
		return fmt.Errorf("set issue description: %w", err)
	}
	return nil
}

// GetWikiFileContent returns the stored blob for the wiki file record, or
// nil when the record is unknown.
func (s *PostgresStore) GetWikiFileContent(ctx context.Context, id string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT content FROM wiki_files WHERE id=$1`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get wiki file content: %w", err)
	}
	return blob, nil
}

// SetWikiFileContent writes the blob, flags the record as modified, and
// returns the updated record so callers can publish to the owning
// repository's room.
func (s *PostgresStore) SetWikiFileContent(ctx context.Context, id string, state []byte) (WikiFileRecord, error) {
	var item WikiFileRecord
	err := s.db.QueryRowContext(ctx, `
		UPDATE wiki_files SET content=$2, is_modified=TRUE, updated_at=NOW()
		WHERE id=$1
		RETURNING id, github_repository_id, name, is_modified, updated_at
	`, id, state).Scan(&item.ID, &item.GithubRepositoryID, &item.Name, &item.IsModified, &item.UpdatedAt)
	if err != nil {
		return WikiFileRecord{}, err
	}
	item.Content = state
	return item, nil
}
