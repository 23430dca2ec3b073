package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"taskforge/api/internal/bus"
	"taskforge/api/internal/githubapp"
	"taskforge/api/internal/search"
	"taskforge/api/internal/wiki"
)

// apiVersion is the body of GET /.
const apiVersion = "v1.0.1"

type eventBus interface {
	Publish(ctx context.Context, e bus.Event) error
	HandleWS(w http.ResponseWriter, r *http.Request)
}

type HTTPServer struct {
	service       *Service
	bus           eventBus
	collab        http.Handler
	webhook       http.Handler
	search        *search.Service
	corsOrigin    string
	deploymentURL string
}

func NewHTTPServer(service *Service, b eventBus, collab, webhook http.Handler, searchSvc *search.Service, corsOrigin, deploymentURL string) *HTTPServer {
	return &HTTPServer{
		service:       service,
		bus:           b,
		collab:        collab,
		webhook:       webhook,
		search:        searchSvc,
		corsOrigin:    corsOrigin,
		deploymentURL: deploymentURL,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/" {
		writeText(w, http.StatusOK, apiVersion)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/notify" {
		s.handleNotify(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/github/setup" {
		s.handleGitHubSetup(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/github/events" {
		s.webhook.ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/ws" {
		s.bus.HandleWS(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/collab" {
		s.collab.ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 4 && parts[0] == "github" && parts[1] == "wiki" {
		s.handleWiki(w, r, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleNotify(w http.ResponseWriter, r *http.Request) {
	var event bus.Event
	if err := decodeBody(r, &event); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid JSON body", nil)
		return
	}
	if err := bus.Validate(event); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid notify payload",
			map[string]any{"reason": err.Error()})
		return
	}
	if err := s.bus.Publish(r.Context(), event); err != nil {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil)
		return
	}
	writeText(w, http.StatusOK, "OK")
}

type setupState struct {
	WorkspaceID string `json:"workspaceId"`
	UserID      string `json:"userId"`
}

func (s *HTTPServer) handleGitHubSetup(w http.ResponseWriter, r *http.Request) {
	installationID, err := strconv.ParseInt(r.URL.Query().Get("installation_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "installation_id must be numeric", nil)
		return
	}

	raw, err := base64.StdEncoding.DecodeString(r.URL.Query().Get("state"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "state must be base64", nil)
		return
	}
	var state setupState
	if err := json.Unmarshal(raw, &state); err != nil || state.WorkspaceID == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "malformed state", nil)
		return
	}

	if err := s.service.SetupInstallation(r.Context(), installationID, state.WorkspaceID, state.UserID); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	target := fmt.Sprintf("%s/workspace/%s/settings/general", s.deploymentURL, state.WorkspaceID)
	http.Redirect(w, r, target, http.StatusFound)
}

type wikiFileInput struct {
	Name    string  `json:"name"`
	OldName string  `json:"oldName"`
	Content *string `json:"content"`
}

func (s *HTTPServer) handleWiki(w http.ResponseWriter, r *http.Request, parts []string) {
	installationID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "installationId must be numeric", nil)
		return
	}
	repoID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "repoId must be numeric", nil)
		return
	}

	switch {
	case r.Method == http.MethodGet && len(parts) == 2:
		if err := s.service.CheckWiki(r.Context(), installationID, repoID); err != nil {
			s.writeWikiError(w, err)
			return
		}
		writeText(w, http.StatusOK, "OK")

	case r.Method == http.MethodGet && len(parts) == 3 && parts[2] == "pages":
		pages, err := s.service.ListWikiPages(r.Context(), installationID, repoID)
		if err != nil {
			s.writeWikiError(w, err)
			return
		}
		if pages == nil {
			pages = []wiki.Page{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"pages": pages})

	case r.Method == http.MethodPost && len(parts) == 3 && parts[2] == "file":
		var input wikiFileInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid JSON body", nil)
			return
		}
		if err := s.service.SaveWikiFile(r.Context(), installationID, repoID, input.Name, input.OldName, input.Content); err != nil {
			s.writeWikiError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"message": "File created or updated successfully"})

	case r.Method == http.MethodDelete && len(parts) == 3 && parts[2] == "file":
		var input wikiFileInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid JSON body", nil)
			return
		}
		if err := s.service.DeleteWikiFile(r.Context(), installationID, repoID, input.Name); err != nil {
			s.writeWikiError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"message": "File deleted successfully"})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// writeWikiError keeps the wire contract of the wiki routes: a missing
// remote wiki is a plain-text 404, everything else goes through the shared
// error mapping.
func (s *HTTPServer) writeWikiError(w http.ResponseWriter, err error) {
	if errors.Is(err, wiki.ErrWikiNotFound) {
		writeText(w, http.StatusNotFound, "Wiki not found")
		return
	}
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.search == nil {
		writeJSON(w, http.StatusOK, search.Response{Results: []search.Result{}})
		return
	}
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	resp := s.search.Search(search.Query{
		Text:              query.Get("q"),
		FilterType:        search.ResultType(query.Get("type")),
		FilterWorkspaceID: query.Get("workspaceId"),
		Limit:             limit,
		Offset:            offset,
	})
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the real writer so the
// websocket endpoints can hijack the connection through the logging wrapper.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, githubapp.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
