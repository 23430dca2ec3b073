package app

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"

	"taskforge/api/internal/githubapp"
	"taskforge/api/internal/store"
	"taskforge/api/internal/util"
	"taskforge/api/internal/wiki"
)

type dataStore interface {
	Ping(ctx context.Context) error
	CreateInstallation(ctx context.Context, item store.Installation) error
	GetInstallation(ctx context.Context, installationID int64) (store.Installation, error)
}

type githubClient interface {
	InstallationToken(ctx context.Context, installationID int64) (githubapp.Token, error)
	Repository(ctx context.Context, token string, repoID int64) (githubapp.Repository, error)
}

// Service orchestrates the GitHub integration: installation bookkeeping and
// driving the wiki mirror through sync, mutate and publish. It owns no state
// of its own.
type Service struct {
	store  dataStore
	github githubClient
	wiki   *wiki.Service
}

func NewService(dataStore dataStore, github githubClient, wikiSvc *wiki.Service) *Service {
	return &Service{store: dataStore, github: github, wiki: wikiSvc}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// SetupInstallation records a freshly installed GitHub App against the
// workspace chosen during the install flow.
func (s *Service) SetupInstallation(ctx context.Context, installationID int64, workspaceID, userID string) error {
	item := store.Installation{
		ID:             util.NewID("ghinst"),
		InstallationID: installationID,
		WorkspaceID:    workspaceID,
		CreatedBy:      userID,
	}
	return s.store.CreateInstallation(ctx, item)
}

// resolveRepo checks the installation is known and exchanges it for a
// short-lived token, then resolves repository metadata with that token.
// Installation lookup and token exchange run in parallel.
func (s *Service) resolveRepo(ctx context.Context, installationID, repoID int64) (token, fullName string, err error) {
	// The errgroup context only scopes the parallel phase; it is canceled
	// once Wait returns, so the follow-up call uses the caller's context.
	g, gctx := errgroup.WithContext(ctx)

	var tok githubapp.Token
	g.Go(func() error {
		var err error
		tok, err = s.github.InstallationToken(gctx, installationID)
		if err != nil {
			return fmt.Errorf("installation token: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if _, err := s.store.GetInstallation(gctx, installationID); err != nil {
			return fmt.Errorf("installation %d: %w", installationID, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return "", "", err
	}

	repo, err := s.github.Repository(ctx, tok.Value, repoID)
	if err != nil {
		return "", "", fmt.Errorf("repository %d: %w", repoID, err)
	}
	return tok.Value, repo.FullName, nil
}

// CheckWiki pulls (or clones) the mirror so the caller learns whether the
// remote wiki exists.
func (s *Service) CheckWiki(ctx context.Context, installationID, repoID int64) error {
	token, fullName, err := s.resolveRepo(ctx, installationID, repoID)
	if err != nil {
		return err
	}
	return s.wiki.EnsureSynced(ctx, repoID, fullName, token)
}

// SaveWikiFile runs one pull-mutate-push sequence: an optional rename
// followed by an optional content write.
func (s *Service) SaveWikiFile(ctx context.Context, installationID, repoID int64, name, oldName string, content *string) error {
	if name == "" && content == nil {
		return domainError(http.StatusBadRequest, "VALIDATION_ERROR", "name or content is required",
			map[string]any{"fields": []string{"name", "content"}})
	}
	token, fullName, err := s.resolveRepo(ctx, installationID, repoID)
	if err != nil {
		return err
	}
	return s.wiki.Update(ctx, repoID, fullName, token, func(m *wiki.Mirror) error {
		if oldName != "" && oldName != name {
			if err := m.RenameFile(oldName, name); err != nil {
				return err
			}
		}
		if content != nil {
			return m.CreateOrReplaceFile(name, *content)
		}
		return nil
	})
}

// DeleteWikiFile removes the page from the mirror and pushes the deletion.
func (s *Service) DeleteWikiFile(ctx context.Context, installationID, repoID int64, name string) error {
	if name == "" {
		return domainError(http.StatusBadRequest, "VALIDATION_ERROR", "name is required",
			map[string]any{"fields": []string{"name"}})
	}
	token, fullName, err := s.resolveRepo(ctx, installationID, repoID)
	if err != nil {
		return err
	}
	return s.wiki.Update(ctx, repoID, fullName, token, func(m *wiki.Mirror) error {
		return m.DeleteFile(name)
	})
}

// ListWikiPages returns the pages of an already-synced mirror.
func (s *Service) ListWikiPages(ctx context.Context, installationID, repoID int64) ([]wiki.Page, error) {
	token, fullName, err := s.resolveRepo(ctx, installationID, repoID)
	if err != nil {
		return nil, err
	}
	if err := s.wiki.EnsureSynced(ctx, repoID, fullName, token); err != nil {
		return nil, err
	}
	return s.wiki.ListPages(repoID)
}
