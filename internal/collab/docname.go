package collab

import "strings"

// Kind tags the entity a collaborative document belongs to. Parsing happens
// once at the boundary; everything downstream switches on the tag.
type Kind int

const (
	KindUnknown Kind = iota
	KindDescription
	KindWikiFile
)

// DocName is the parsed form of a wire document name like
// "description.issue_42" or "wikiFile.wf_7".
type DocName struct {
	Kind Kind
	ID   string
}

// ParseDocName splits the wire name on the first separator. Unknown kinds
// are valid: they mean "nothing to load", not an error.
func ParseDocName(name string) DocName {
	kind, id, found := strings.Cut(name, ".")
	if !found || id == "" {
		return DocName{Kind: KindUnknown}
	}
	switch kind {
	case "description":
		return DocName{Kind: KindDescription, ID: id}
	case "wikiFile":
		return DocName{Kind: KindWikiFile, ID: id}
	default:
		return DocName{Kind: KindUnknown}
	}
}
