// Package wiki maintains one local git working copy per repository id,
// mirroring the repository's GitHub wiki.
package wiki

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

const (
	commitAuthorName  = "Taskforge Bot"
	commitAuthorEmail = "bot@taskforge.dev"
)

// ErrWikiNotFound reports that the remote wiki repository does not exist.
var ErrWikiNotFound = errors.New("wiki not found")

type Page struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// RemoteURLFunc builds the remote URL for a wiki. Credentials never go into
// the URL: the short-lived installation token is supplied per call as HTTP
// basic auth, so nothing secret ends up in the mirror's git config.
type RemoteURLFunc func(fullName string) string

func GitHubWikiRemote(fullName string) string {
	return fmt.Sprintf("https://github.com/%s.wiki.git", fullName)
}

type Service struct {
	baseDir   string
	remoteURL RemoteURLFunc
	timeout   time.Duration
	lockMu    sync.Mutex
	locks     map[string]*sync.Mutex
}

func New(baseDir string, timeout time.Duration) *Service {
	return NewWithRemote(baseDir, timeout, GitHubWikiRemote)
}

func NewWithRemote(baseDir string, timeout time.Duration, remoteURL RemoteURLFunc) *Service {
	return &Service{
		baseDir:   baseDir,
		remoteURL: remoteURL,
		timeout:   timeout,
		locks:     make(map[string]*sync.Mutex),
	}
}

// Mirror is a handle to a synced working copy whose per-repo lock is held
// by an in-flight Update call.
type Mirror struct {
	s      *Service
	repoID int64
}

func (m *Mirror) CreateOrReplaceFile(name, content string) error {
	return m.s.createOrReplaceFile(m.repoID, name, content)
}

func (m *Mirror) RenameFile(oldName, newName string) error {
	return m.s.renameFile(m.repoID, oldName, newName)
}

func (m *Mirror) DeleteFile(name string) error {
	return m.s.deleteFile(m.repoID, name)
}

// Update runs the whole pull -> mutate -> push sequence under the
// repository's lock, so concurrent edits against the same repository id
// cannot interleave and corrupt the working tree.
func (s *Service) Update(ctx context.Context, repoID int64, fullName, token string, mutate func(m *Mirror) error) error {
	lock := s.repoLock(repoID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.ensureSynced(ctx, repoID, fullName, token); err != nil {
		return err
	}
	if err := mutate(&Mirror{s: s, repoID: repoID}); err != nil {
		return err
	}
	return s.publish(ctx, repoID, fullName, token)
}

// EnsureSynced clones the wiki remote on first access and pulls the existing
// mirror afterwards. A freshly created wiki with no commits is not an error.
func (s *Service) EnsureSynced(ctx context.Context, repoID int64, fullName, token string) error {
	lock := s.repoLock(repoID)
	lock.Lock()
	defer lock.Unlock()
	return s.ensureSynced(ctx, repoID, fullName, token)
}

func (s *Service) ensureSynced(ctx context.Context, repoID int64, fullName, token string) error {
	ctx, cancel := s.gitContext(ctx)
	defer cancel()

	path := s.mirrorPath(repoID)
	url := s.remoteURL(fullName)

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		_, err := git.PlainCloneContext(ctx, path, false, &git.CloneOptions{
			URL:  url,
			Auth: tokenAuth(token),
		})
		if errors.Is(err, transport.ErrEmptyRemoteRepository) {
			return s.initEmptyMirror(path, url)
		}
		if errors.Is(err, transport.ErrRepositoryNotFound) {
			return ErrWikiNotFound
		}
		if err != nil {
			return fmt.Errorf("clone wiki %s: %w", fullName, err)
		}
		return nil
	} else if err != nil {
		return fmt.Errorf("stat mirror path: %w", err)
	}

	repo, err := git.PlainOpen(path)
	if err != nil {
		return fmt.Errorf("open mirror: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	err = worktree.PullContext(ctx, &git.PullOptions{
		RemoteName: "origin",
		RemoteURL:  url,
		Auth:       tokenAuth(token),
		Force:      true,
	})
	switch {
	case err == nil,
		errors.Is(err, git.NoErrAlreadyUpToDate),
		errors.Is(err, transport.ErrEmptyRemoteRepository),
		errors.Is(err, plumbing.ErrReferenceNotFound):
		return nil
	case errors.Is(err, transport.ErrRepositoryNotFound):
		return ErrWikiNotFound
	default:
		return fmt.Errorf("pull wiki %s: %w", fullName, err)
	}
}

// initEmptyMirror sets up a local working copy for a wiki whose remote
// exists but has no history yet.
func (s *Service) initEmptyMirror(path, url string) error {
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init empty mirror: %w", err)
	}
	_, err = repo.CreateRemote(&config.RemoteConfig{
		Name: "origin",
		URLs: []string{url},
	})
	if err != nil && !errors.Is(err, git.ErrRemoteExists) {
		return fmt.Errorf("configure mirror remote: %w", err)
	}
	return nil
}

// CreateOrReplaceFile writes content to <mirror>/<name>.md, overwriting any
// existing page.
func (s *Service) CreateOrReplaceFile(repoID int64, name, content string) error {
	lock := s.repoLock(repoID)
	lock.Lock()
	defer lock.Unlock()
	return s.createOrReplaceFile(repoID, name, content)
}

func (s *Service) createOrReplaceFile(repoID int64, name, content string) error {
	path, err := s.pagePath(repoID, name)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write page %s: %w", name, err)
	}
	return nil
}

// RenameFile moves a page. Equal names and a missing source are both no-ops.
func (s *Service) RenameFile(repoID int64, oldName, newName string) error {
	lock := s.repoLock(repoID)
	lock.Lock()
	defer lock.Unlock()
	return s.renameFile(repoID, oldName, newName)
}

func (s *Service) renameFile(repoID int64, oldName, newName string) error {
	if oldName == newName {
		return nil
	}
	oldPath, err := s.pagePath(repoID, oldName)
	if err != nil {
		return err
	}
	newPath, err := s.pagePath(repoID, newName)
	if err != nil {
		return err
	}
	if _, err := os.Stat(oldPath); errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("stat page %s: %w", oldName, err)
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("rename page %s to %s: %w", oldName, newName, err)
	}
	return nil
}

// DeleteFile removes a page; a missing page is a no-op.
func (s *Service) DeleteFile(repoID int64, name string) error {
	lock := s.repoLock(repoID)
	lock.Lock()
	defer lock.Unlock()
	return s.deleteFile(repoID, name)
}

func (s *Service) deleteFile(repoID int64, name string) error {
	path, err := s.pagePath(repoID, name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete page %s: %w", name, err)
	}
	return nil
}

// Publish stages everything and pushes. A clean working tree publishes
// nothing: no empty commits, no push.
func (s *Service) Publish(ctx context.Context, repoID int64, fullName, token string) error {
	lock := s.repoLock(repoID)
	lock.Lock()
	defer lock.Unlock()
	return s.publish(ctx, repoID, fullName, token)
}

func (s *Service) publish(ctx context.Context, repoID int64, fullName, token string) error {
	// The push must finish even if the caller's request was cancelled,
	// otherwise the mirror is left committed but unpushed.
	ctx, cancel := s.gitContext(context.WithoutCancel(ctx))
	defer cancel()

	repo, err := git.PlainOpen(s.mirrorPath(repoID))
	if err != nil {
		return fmt.Errorf("open mirror: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	if err := worktree.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return fmt.Errorf("stage changes: %w", err)
	}

	status, err := worktree.Status()
	if err != nil {
		return fmt.Errorf("read worktree status: %w", err)
	}
	if status.IsClean() {
		return nil
	}

	message := fmt.Sprintf("Update wiki at %s", time.Now().UTC().Format(time.RFC3339))
	if _, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  commitAuthorName,
			Email: commitAuthorEmail,
			When:  time.Now(),
		},
	}); err != nil {
		return fmt.Errorf("commit wiki changes: %w", err)
	}

	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		RemoteURL:  s.remoteURL(fullName),
		Auth:       tokenAuth(token),
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("push wiki %s: %w", fullName, err)
	}
	return nil
}

// ListPages returns every markdown page in the mirror.
func (s *Service) ListPages(repoID int64) ([]Page, error) {
	lock := s.repoLock(repoID)
	lock.Lock()
	defer lock.Unlock()

	entries, err := os.ReadDir(s.mirrorPath(repoID))
	if err != nil {
		return nil, fmt.Errorf("read mirror dir: %w", err)
	}

	pages := make([]Page, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		content, err := os.ReadFile(filepath.Join(s.mirrorPath(repoID), entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read page %s: %w", entry.Name(), err)
		}
		pages = append(pages, Page{
			Name:    strings.TrimSuffix(entry.Name(), ".md"),
			Content: string(content),
		})
	}
	return pages, nil
}

func (s *Service) mirrorPath(repoID int64) string {
	return filepath.Join(s.baseDir, strconv.FormatInt(repoID, 10))
}

func (s *Service) pagePath(repoID int64, name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid page name %q", name)
	}
	return filepath.Join(s.mirrorPath(repoID), name+".md"), nil
}

func (s *Service) repoLock(repoID int64) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	key := strconv.FormatInt(repoID, 10)
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

func (s *Service) gitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func tokenAuth(token string) transport.AuthMethod {
	if token == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: "x-access-token", Password: token}
}
