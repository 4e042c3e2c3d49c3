package vfs

import (
	"context"
	"path"
	"sync"
	"time"
)

type memKey struct {
	scope Scope
	path  string
}

// MemProvider is an in-memory Provider for tests and local development.
type MemProvider struct {
	mu        sync.RWMutex
	resources map[memKey]*Resource
	contents  map[memKey][]byte
	props     map[memKey]map[string]string
	links     map[memKey][]string
}

// NewMemProvider creates an empty in-memory provider.
func NewMemProvider() *MemProvider {
	return &MemProvider{
		resources: make(map[memKey]*Resource),
		contents:  make(map[memKey][]byte),
		props:     make(map[memKey]map[string]string),
		links:     make(map[memKey][]string),
	}
}

// Add inserts or replaces a resource with its content.
func (m *MemProvider) Add(scope Scope, rootPath string, typeID int, modified time.Time, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := memKey{scope, rootPath}
	m.resources[k] = &Resource{RootPath: rootPath, TypeID: typeID, LastModified: modified}
	m.contents[k] = content
}

// SetExpires sets a resource's expiration time.
func (m *MemProvider) SetExpires(scope Scope, rootPath string, expires time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.resources[memKey{scope, rootPath}]; ok {
		r.Expires = expires
	}
}

// Remove deletes a resource, its content, properties and links.
func (m *MemProvider) Remove(scope Scope, rootPath string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := memKey{scope, rootPath}
	delete(m.resources, k)
	delete(m.contents, k)
	delete(m.props, k)
	delete(m.links, k)
}

// Touch bumps a resource's last-modified time.
func (m *MemProvider) Touch(scope Scope, rootPath string, modified time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.resources[memKey{scope, rootPath}]; ok {
		r.LastModified = modified
	}
}

// SetProperty sets a property on a resource (or folder path).
func (m *MemProvider) SetProperty(scope Scope, rootPath, name, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := memKey{scope, rootPath}
	if m.props[k] == nil {
		m.props[k] = make(map[string]string)
	}
	m.props[k][name] = value
}

// SetStrongLinks replaces the strong-link targets of a resource.
func (m *MemProvider) SetStrongLinks(scope Scope, rootPath string, targets []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[memKey{scope, rootPath}] = append([]string(nil), targets...)
}

// Stat implements Provider.
func (m *MemProvider) Stat(_ context.Context, scope Scope, rootPath string) (*Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.resources[memKey{scope, rootPath}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// ReadContent implements Provider.
func (m *MemProvider) ReadContent(_ context.Context, scope Scope, rootPath string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.contents[memKey{scope, rootPath}]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), c...), nil
}

// ReadProperty implements Provider.
func (m *MemProvider) ReadProperty(_ context.Context, scope Scope, rootPath, name string, inherited bool) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p := rootPath
	for {
		if props, ok := m.props[memKey{scope, p}]; ok {
			if v, ok := props[name]; ok {
				return v, nil
			}
		}
		if !inherited || p == "/" {
			return "", nil
		}
		parent := path.Dir(p)
		if parent == p {
			return "", nil
		}
		p = parent
	}
}

// StrongLinks implements Provider.
func (m *MemProvider) StrongLinks(_ context.Context, scope Scope, rootPath string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.links[memKey{scope, rootPath}]...), nil
}
