// Package webhook turns GitHub App lifecycle events into issue status
// transitions. Repeated deliveries of the same event coalesce: transitions
// are skipped when the status already matches, and system comments and
// notifications within the dedup window are updated in place.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"taskforge/api/internal/bus"
	"taskforge/api/internal/search"
	"taskforge/api/internal/store"
	"taskforge/api/internal/util"
)

// dedupWindow is how long repeated automation events keep updating the same
// system comment and notification instead of creating new rows.
const dedupWindow = 15 * time.Minute

const maxPayloadSize = 1 << 20

var issueRef = regexp.MustCompile(`#(\d+)`)

type dataStore interface {
	FindIssueByIdentifier(ctx context.Context, installationID int64, identifier int) (store.Issue, error)
	TransitionIssueStatus(ctx context.Context, issueID, status string, comment store.Comment, prefix string, window time.Duration) (store.Comment, error)
	UpsertNotification(ctx context.Context, item store.Notification, prefix string, window time.Duration) error
	DeleteInstallation(ctx context.Context, installationID int64) error
}

type publisher interface {
	Publish(ctx context.Context, e bus.Event) error
}

type indexer interface {
	IndexIssue(item search.IssueRecord)
}

type Handler struct {
	secret  []byte
	store   dataStore
	bus     publisher
	search  indexer
	timeout time.Duration
}

// New builds a handler. The indexer may be nil when search is not configured.
func New(secret []byte, dataStore dataStore, publisher publisher, indexer indexer) *Handler {
	return &Handler{
		secret:  secret,
		store:   dataStore,
		bus:     publisher,
		search:  indexer,
		timeout: 30 * time.Second,
	}
}

// ServeHTTP verifies the delivery signature and acknowledges immediately.
// GitHub expects a fast response, so the actual processing continues in the
// background with its own deadline.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadSize))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if !h.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}
	event := r.Header.Get("X-GitHub-Event")

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()
		if err := h.process(ctx, event, body); err != nil {
			log.Printf("webhook: process %s event: %v", event, err)
		}
	}()

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (h *Handler) verifySignature(body []byte, header string) bool {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(header), []byte(want))
}

type createEvent struct {
	Ref     string `json:"ref"`
	RefType string `json:"ref_type"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
}

type pullRequestEvent struct {
	Action      string `json:"action"`
	PullRequest struct {
		Merged bool `json:"merged"`
		Head   struct {
			Ref string `json:"ref"`
		} `json:"head"`
	} `json:"pull_request"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
}

type installationEvent struct {
	Action       string `json:"action"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
}

func (h *Handler) process(ctx context.Context, event string, body []byte) error {
	switch event {
	case "create":
		var e createEvent
		if err := json.Unmarshal(body, &e); err != nil {
			return fmt.Errorf("decode create event: %w", err)
		}
		if e.RefType != "branch" {
			return nil
		}
		msg := fmt.Sprintf("Branch %s created", e.Ref)
		return h.transition(ctx, e.Installation.ID, e.Ref, store.StatusInProgress, msg, e.Sender.Login)
	case "pull_request":
		var e pullRequestEvent
		if err := json.Unmarshal(body, &e); err != nil {
			return fmt.Errorf("decode pull_request event: %w", err)
		}
		ref := e.PullRequest.Head.Ref
		switch {
		case e.Action == "opened" || e.Action == "reopened":
			msg := fmt.Sprintf("Pull request for %s opened", ref)
			return h.transition(ctx, e.Installation.ID, ref, store.StatusInReview, msg, e.Sender.Login)
		case e.Action == "closed" && e.PullRequest.Merged:
			msg := fmt.Sprintf("Pull request for %s merged", ref)
			return h.transition(ctx, e.Installation.ID, ref, store.StatusDone, msg, e.Sender.Login)
		case e.Action == "closed":
			msg := fmt.Sprintf("Pull request for %s closed without merging", ref)
			return h.transition(ctx, e.Installation.ID, ref, store.StatusInProgress, msg, e.Sender.Login)
		}
		return nil
	case "installation":
		var e installationEvent
		if err := json.Unmarshal(body, &e); err != nil {
			return fmt.Errorf("decode installation event: %w", err)
		}
		if e.Action != "deleted" {
			return nil
		}
		return h.store.DeleteInstallation(ctx, e.Installation.ID)
	}
	return nil
}

// statusLabel is the human form used in system comment bodies.
func statusLabel(status string) string {
	switch status {
	case store.StatusInProgress:
		return "In Progress"
	case store.StatusInReview:
		return "In Review"
	case store.StatusDone:
		return "Done"
	}
	return status
}

func (h *Handler) transition(ctx context.Context, installationID int64, ref, status, message, actor string) error {
	m := issueRef.FindStringSubmatch(ref)
	if m == nil {
		log.Printf("webhook: ref %q carries no issue number, skipping", ref)
		return nil
	}
	identifier, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}

	issue, err := h.store.FindIssueByIdentifier(ctx, installationID, identifier)
	if errors.Is(err, sql.ErrNoRows) {
		log.Printf("webhook: no issue #%d under installation %d, skipping", identifier, installationID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("find issue #%d: %w", identifier, err)
	}
	if issue.Status == status {
		return nil
	}

	body := fmt.Sprintf("%s, issue moved to '%s'", message, statusLabel(status))
	comment := store.Comment{
		ID:   util.NewID("comment"),
		Body: body,
	}
	comment, err = h.store.TransitionIssueStatus(ctx, issue.ID, status, comment, message, dedupWindow)
	if err != nil {
		return fmt.Errorf("transition issue %s to %s: %w", issue.ID, status, err)
	}

	if h.search != nil {
		h.search.IndexIssue(search.IssueRecord{
			ID:          issue.ID,
			Title:       issue.Title,
			Status:      status,
			WorkspaceID: issue.WorkspaceID,
			Identifier:  issue.Identifier,
		})
	}

	h.publish(ctx, bus.Event{
		Room:   issue.WorkspaceID,
		Entity: "issue",
		Event:  "update",
		Payload: map[string]any{
			"id":     issue.ID,
			"status": status,
		},
	})
	h.publish(ctx, bus.Event{
		Room:   issue.ID,
		Entity: "comment",
		Event:  "create",
		Payload: map[string]any{
			"id":       comment.ID,
			"issueId":  issue.ID,
			"body":     comment.Body,
			"isSystem": true,
		},
	})

	if issue.AssigneeID == nil || *issue.AssigneeID == actor {
		return nil
	}
	notification := store.Notification{
		ID:          util.NewID("notification"),
		RecipientID: *issue.AssigneeID,
		WorkspaceID: issue.WorkspaceID,
		IssueID:     issue.ID,
		Title:       issue.Title,
		Body:        body,
	}
	if err := h.store.UpsertNotification(ctx, notification, message, dedupWindow); err != nil {
		log.Printf("webhook: notify assignee for issue %s: %v", issue.ID, err)
		return nil
	}
	h.publish(ctx, bus.Event{
		Room:   notification.RecipientID + "-" + issue.WorkspaceID,
		Entity: "notification",
		Event:  "create",
		Payload: map[string]any{
			"id":      notification.ID,
			"issueId": issue.ID,
			"title":   notification.Title,
			"body":    notification.Body,
		},
	})
	return nil
}

func (h *Handler) publish(ctx context.Context, e bus.Event) {
	if err := h.bus.Publish(ctx, e); err != nil {
		log.Printf("webhook: publish %s %s: %v", e.Entity, e.Event, err)
	}
}
