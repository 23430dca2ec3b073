package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"taskforge/api/internal/bus"
	"taskforge/api/internal/store"
)

type fakeStore struct {
	issues        map[int64]map[int]store.Issue
	transitions   []string
	comments      []store.Comment
	notifications []store.Notification
	deleted       []int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{issues: map[int64]map[int]store.Issue{}}
}

func (f *fakeStore) addIssue(installationID int64, issue store.Issue) {
	if f.issues[installationID] == nil {
		f.issues[installationID] = map[int]store.Issue{}
	}
	f.issues[installationID][issue.Identifier] = issue
}

func (f *fakeStore) FindIssueByIdentifier(_ context.Context, installationID int64, identifier int) (store.Issue, error) {
	issue, ok := f.issues[installationID][identifier]
	if !ok {
		return store.Issue{}, sql.ErrNoRows
	}
	return issue, nil
}

func (f *fakeStore) TransitionIssueStatus(_ context.Context, issueID, status string, comment store.Comment, _ string, _ time.Duration) (store.Comment, error) {
	f.transitions = append(f.transitions, issueID+"->"+status)
	comment.IssueID = issueID
	comment.IsSystem = true
	f.comments = append(f.comments, comment)
	return comment, nil
}

func (f *fakeStore) UpsertNotification(_ context.Context, item store.Notification, _ string, _ time.Duration) error {
	f.notifications = append(f.notifications, item)
	return nil
}

func (f *fakeStore) DeleteInstallation(_ context.Context, installationID int64) error {
	f.deleted = append(f.deleted, installationID)
	return nil
}

type fakeBus struct {
	events []bus.Event
}

func (f *fakeBus) Publish(_ context.Context, e bus.Event) error {
	f.events = append(f.events, e)
	return nil
}

func strPtr(s string) *string { return &s }

func TestBranchCreateTransitionsIssue(t *testing.T) {
	st := newFakeStore()
	st.addIssue(9, store.Issue{
		ID:          "issue_1",
		WorkspaceID: "ws_1",
		Identifier:  42,
		Title:       "Fix the flaky sync",
		Status:      store.StatusTodo,
		AssigneeID:  strPtr("user_2"),
	})
	published := &fakeBus{}
	h := New([]byte("s"), st, published, nil)

	payload := `{"ref":"feature/#42","ref_type":"branch","installation":{"id":9},"sender":{"login":"octocat"}}`
	if err := h.process(context.Background(), "create", []byte(payload)); err != nil {
		t.Fatalf("process() error = %v", err)
	}

	if len(st.transitions) != 1 || st.transitions[0] != "issue_1->IN_PROGRESS" {
		t.Fatalf("transitions = %v", st.transitions)
	}
	wantBody := "Branch feature/#42 created, issue moved to 'In Progress'"
	if len(st.comments) != 1 || st.comments[0].Body != wantBody {
		t.Fatalf("comments = %+v, want body %q", st.comments, wantBody)
	}
	if len(published.events) != 3 {
		t.Fatalf("published %d events, want 3", len(published.events))
	}
	if e := published.events[0]; e.Room != "ws_1" || e.Entity != "issue" || e.Event != "update" {
		t.Fatalf("first event = %+v", e)
	}
	if e := published.events[1]; e.Room != "issue_1" || e.Entity != "comment" || e.Event != "create" {
		t.Fatalf("second event = %+v", e)
	}
	if e := published.events[2]; e.Room != "user_2-ws_1" || e.Entity != "notification" || e.Event != "create" {
		t.Fatalf("third event = %+v", e)
	}
	if len(st.notifications) != 1 || st.notifications[0].RecipientID != "user_2" {
		t.Fatalf("notifications = %+v", st.notifications)
	}
}

func TestReplayedEventIsIdempotent(t *testing.T) {
	st := newFakeStore()
	st.addIssue(9, store.Issue{
		ID:          "issue_1",
		WorkspaceID: "ws_1",
		Identifier:  42,
		Status:      store.StatusInProgress,
	})
	published := &fakeBus{}
	h := New([]byte("s"), st, published, nil)

	payload := `{"ref":"feature/#42","ref_type":"branch","installation":{"id":9},"sender":{"login":"octocat"}}`
	if err := h.process(context.Background(), "create", []byte(payload)); err != nil {
		t.Fatalf("process() error = %v", err)
	}
	if len(st.transitions) != 0 || len(st.comments) != 0 || len(published.events) != 0 {
		t.Fatalf("replay produced side effects: transitions=%v comments=%v events=%v",
			st.transitions, st.comments, published.events)
	}
}

func TestPullRequestTransitions(t *testing.T) {
	tests := []struct {
		action     string
		merged     bool
		wantStatus string
		wantBody   string
	}{
		{"opened", false, store.StatusInReview, "Pull request for fix/#7 opened, issue moved to 'In Review'"},
		{"reopened", false, store.StatusInReview, "Pull request for fix/#7 opened, issue moved to 'In Review'"},
		{"closed", true, store.StatusDone, "Pull request for fix/#7 merged, issue moved to 'Done'"},
		{"closed", false, store.StatusInProgress, "Pull request for fix/#7 closed without merging, issue moved to 'In Progress'"},
	}
	for _, tt := range tests {
		t.Run(tt.action+fmt.Sprintf("/merged=%v", tt.merged), func(t *testing.T) {
			st := newFakeStore()
			st.addIssue(9, store.Issue{
				ID:          "issue_1",
				WorkspaceID: "ws_1",
				Identifier:  7,
				Status:      store.StatusTodo,
			})
			h := New([]byte("s"), st, &fakeBus{}, nil)

			payload := fmt.Sprintf(`{"action":%q,"pull_request":{"merged":%v,"head":{"ref":"fix/#7"}},"installation":{"id":9},"sender":{"login":"octocat"}}`,
				tt.action, tt.merged)
			if err := h.process(context.Background(), "pull_request", []byte(payload)); err != nil {
				t.Fatalf("process() error = %v", err)
			}
			if len(st.transitions) != 1 || st.transitions[0] != "issue_1->"+tt.wantStatus {
				t.Fatalf("transitions = %v, want ->%s", st.transitions, tt.wantStatus)
			}
			if st.comments[0].Body != tt.wantBody {
				t.Fatalf("comment body = %q, want %q", st.comments[0].Body, tt.wantBody)
			}
		})
	}
}

func TestNotificationSkippedWhenAssigneeIsActor(t *testing.T) {
	st := newFakeStore()
	st.addIssue(9, store.Issue{
		ID:          "issue_1",
		WorkspaceID: "ws_1",
		Identifier:  42,
		Status:      store.StatusTodo,
		AssigneeID:  strPtr("octocat"),
	})
	published := &fakeBus{}
	h := New([]byte("s"), st, published, nil)

	payload := `{"ref":"feature/#42","ref_type":"branch","installation":{"id":9},"sender":{"login":"octocat"}}`
	if err := h.process(context.Background(), "create", []byte(payload)); err != nil {
		t.Fatalf("process() error = %v", err)
	}
	if len(st.notifications) != 0 {
		t.Fatalf("notifications = %+v, want none", st.notifications)
	}
	for _, e := range published.events {
		if e.Entity == "notification" {
			t.Fatalf("published notification event %+v, want none", e)
		}
	}
}

func TestRefWithoutIssueNumberIsNoop(t *testing.T) {
	st := newFakeStore()
	h := New([]byte("s"), st, &fakeBus{}, nil)

	payload := `{"ref":"feature/cleanup","ref_type":"branch","installation":{"id":9},"sender":{"login":"octocat"}}`
	if err := h.process(context.Background(), "create", []byte(payload)); err != nil {
		t.Fatalf("process() error = %v", err)
	}
	if len(st.transitions) != 0 {
		t.Fatalf("transitions = %v, want none", st.transitions)
	}
}

func TestTagCreateIsIgnored(t *testing.T) {
	st := newFakeStore()
	st.addIssue(9, store.Issue{ID: "issue_1", Identifier: 42, Status: store.StatusTodo})
	h := New([]byte("s"), st, &fakeBus{}, nil)

	payload := `{"ref":"v1.0.0-#42","ref_type":"tag","installation":{"id":9}}`
	if err := h.process(context.Background(), "create", []byte(payload)); err != nil {
		t.Fatalf("process() error = %v", err)
	}
	if len(st.transitions) != 0 {
		t.Fatalf("transitions = %v, want none", st.transitions)
	}
}

func TestInstallationDeleted(t *testing.T) {
	st := newFakeStore()
	h := New([]byte("s"), st, &fakeBus{}, nil)

	payload := `{"action":"deleted","installation":{"id":9}}`
	if err := h.process(context.Background(), "installation", []byte(payload)); err != nil {
		t.Fatalf("process() error = %v", err)
	}
	if len(st.deleted) != 1 || st.deleted[0] != 9 {
		t.Fatalf("deleted = %v, want [9]", st.deleted)
	}
}

func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestServeHTTPSignature(t *testing.T) {
	secret := []byte("webhook-secret")
	h := New(secret, newFakeStore(), &fakeBus{}, nil)
	body := `{"ref":"feature/cleanup","ref_type":"branch","installation":{"id":9}}`

	req := httptest.NewRequest(http.MethodPost, "/github/events", strings.NewReader(body))
	req.Header.Set("X-GitHub-Event", "create")
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	req = httptest.NewRequest(http.MethodPost, "/github/events", strings.NewReader(body))
	req.Header.Set("X-GitHub-Event", "create")
	req.Header.Set("X-Hub-Signature-256", sign(secret, []byte(body)))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("good signature status = %d, want %d", rec.Code, http.StatusOK)
	}
}
