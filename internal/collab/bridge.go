// Package collab persists opaque replicated-document state for the entity
// kinds the collaborative editor works on. The CRDT encoding itself is a
// black box: blobs go in, the same blobs come out.
package collab

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"strconv"

	"taskforge/api/internal/auth"
	"taskforge/api/internal/bus"
	"taskforge/api/internal/search"
	"taskforge/api/internal/store"
)

type dataStore interface {
	GetIssueDescription(ctx context.Context, issueID string) ([]byte, error)
	SetIssueDescription(ctx context.Context, issueID string, state []byte) error
	GetWikiFileContent(ctx context.Context, id string) ([]byte, error)
	SetWikiFileContent(ctx context.Context, id string, state []byte) (store.WikiFileRecord, error)
}

type publisher interface {
	Publish(ctx context.Context, e bus.Event) error
}

type indexer interface {
	IndexWikiPage(item search.WikiPageRecord)
}

type Bridge struct {
	secret []byte
	store  dataStore
	bus    publisher
	search indexer
}

// New builds a bridge. The indexer may be nil when search is not configured.
func New(secret []byte, dataStore dataStore, publisher publisher, indexer indexer) *Bridge {
	return &Bridge{secret: secret, store: dataStore, bus: publisher, search: indexer}
}

// Authenticate verifies the signed access token. It runs before any fetch
// or store; a failure refuses the connection.
func (b *Bridge) Authenticate(token string) error {
	_, err := auth.ParseToken(b.secret, token)
	return err
}

// Fetch loads the stored replicated-document blob for the named document.
// A nil result means there is nothing to load yet.
func (b *Bridge) Fetch(ctx context.Context, name string) ([]byte, error) {
	doc := ParseDocName(name)
	switch doc.Kind {
	case KindDescription:
		return b.store.GetIssueDescription(ctx, doc.ID)
	case KindWikiFile:
		return b.store.GetWikiFileContent(ctx, doc.ID)
	case KindUnknown:
		return nil, nil
	}
	return nil, nil
}

// Store persists the blob. Wiki file writes additionally flag the record as
// modified and notify the owning repository's room; a notification failure
// never rolls the write back.
func (b *Bridge) Store(ctx context.Context, name string, state []byte) error {
	doc := ParseDocName(name)
	switch doc.Kind {
	case KindDescription:
		return b.store.SetIssueDescription(ctx, doc.ID, state)
	case KindWikiFile:
		record, err := b.store.SetWikiFileContent(ctx, doc.ID, state)
		if errors.Is(err, sql.ErrNoRows) {
			log.Printf("collab: wiki file %s unknown, dropping update", doc.ID)
			return nil
		}
		if err != nil {
			return err
		}
		event := bus.Event{
			Room:   strconv.FormatInt(record.GithubRepositoryID, 10),
			Entity: "wikiFile",
			Event:  "update",
			Payload: map[string]any{
				"id":         record.ID,
				"isModified": record.IsModified,
			},
		}
		if err := b.bus.Publish(ctx, event); err != nil {
			log.Printf("collab: publish wikiFile update for %s: %v", record.ID, err)
		}
		if b.search != nil {
			b.search.IndexWikiPage(search.WikiPageRecord{
				ID:           record.ID,
				Name:         record.Name,
				RepositoryID: record.GithubRepositoryID,
			})
		}
		return nil
	case KindUnknown:
		return nil
	}
	return nil
}
