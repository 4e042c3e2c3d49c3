// Package vfs defines the virtual file store the template mirror reads from.
// The store itself (authoring, publishing, versioning) is an external system;
// this package only models the narrow read surface the loader needs.
package vfs

import (
	"context"
	"errors"
	"time"
)

// Scope selects one of the two parallel content universes: the published
// (online) view or the work-in-progress (offline) view.
type Scope int

const (
	Online Scope = iota
	Offline
)

// String returns the repository path segment for the scope.
func (s Scope) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

// ParseScope parses "online"/"offline". Empty defaults to Online.
func ParseScope(s string) (Scope, error) {
	switch s {
	case "", "online":
		return Online, nil
	case "offline":
		return Offline, nil
	default:
		return Online, errors.New("unknown scope: " + s)
	}
}

// TypeTemplate is the resource type id for native templates. Only resources
// of this type get the template extension appended to their mirror name;
// everything else is mirrored verbatim and treated as a hard include.
const TypeTemplate = 6

// Well-known resource property names.
const (
	PropertyEncoding = "content-encoding"
	PropertyCache    = "cache"
)

// CacheBypass is the PropertyCache value that disables client-side caching
// for the resource when served.
const CacheBypass = "bypass"

// ErrNotFound is returned when a resource does not exist in the given scope.
var ErrNotFound = errors.New("vfs: resource not found")

// Resource is the metadata of a virtual resource. Content is read separately
// since the loader only needs bytes when a mirror is actually stale.
type Resource struct {
	RootPath     string
	TypeID       int
	LastModified time.Time
	// Expires is when the resource content stops being valid; the zero
	// time means it never expires.
	Expires time.Time
}

// Provider supplies resource metadata, content, properties and strong-link
// relations, keyed by virtual path and scope.
type Provider interface {
	// Stat returns resource metadata, or ErrNotFound.
	Stat(ctx context.Context, scope Scope, rootPath string) (*Resource, error)

	// ReadContent returns the raw resource bytes, or ErrNotFound.
	ReadContent(ctx context.Context, scope Scope, rootPath string) ([]byte, error)

	// ReadProperty returns a resource property value, or "" when unset.
	// With inherited set, ancestor folders are searched upwards until a
	// value is found.
	ReadProperty(ctx context.Context, scope Scope, rootPath, name string, inherited bool) (string, error)

	// StrongLinks returns the root paths of all resources this one strongly
	// embeds. Missing source resources yield an empty list, not an error.
	StrongLinks(ctx context.Context, scope Scope, rootPath string) ([]string, error)
}
