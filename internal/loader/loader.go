package loader

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pagemill/pagemill/internal/events"
	"github.com/pagemill/pagemill/internal/logging"
	"github.com/pagemill/pagemill/internal/metrics"
	"github.com/pagemill/pagemill/internal/vfs"
	"github.com/pagemill/pagemill/pkg/lru"
)

const (
	directiveStart    = "<%@"
	directiveEnd      = "%>"
	templateExtension = ".jsp"

	defaultCacheSize     = 1000
	defaultLockCacheSize = 10000
	defaultEncodingName  = "UTF-8"
)

// expiresNever marks a request whose expiration bookkeeping was never
// touched by any regenerated resource.
const expiresNever = int64(math.MaxInt64)

// Options configures a Loader.
type Options struct {
	// RepositoryDir is the root of the real-filesystem mirror repository.
	// One subdirectory per scope is created under it.
	RepositoryDir string
	// CacheSize is the per-scope staleness cache capacity. Defaults to 1000.
	CacheSize int
	// LockCacheSize is the per-path lock table capacity. Defaults to 10000.
	LockCacheSize int
	// DefaultEncoding is used when a template carries no encoding property
	// or an unsupported one. Defaults to UTF-8.
	DefaultEncoding string
	// Taglibs maps taglib prefixes to their URIs for directive expansion.
	Taglibs map[string]string
}

// Loader regenerates virtual templates into the mirror repository, keeping
// each mirror file no older than its source and every transitive reference.
type Loader struct {
	provider        vfs.Provider
	repo            string
	locks           *lockTable
	online          *lru.Cache[string, bool]
	offline         *lru.Cache[string, bool]
	taglibs         map[string]string
	defaultEncoding string

	// writeMu serializes mirror file writes so only one file is being
	// written at any time, independent of which path lock is held.
	writeMu sync.Mutex
}

// Result is the outcome of a top-level resolution.
type Result struct {
	// Path is the absolute filesystem path of the mirror file.
	Path string
	// Target is the repository-relative mirror name, e.g. "/online/a.jsp".
	Target string
	// LastModified is the newest modification time across every mirror
	// file the resolution touched.
	LastModified time.Time
	// Expires is the earliest expiration across the touched resources, or
	// the zero time when none of them expires.
	Expires time.Time
}

// New creates a Loader and its per-scope repository directories.
func New(provider vfs.Provider, opts Options) (*Loader, error) {
	if provider == nil {
		return nil, errors.New("loader: provider is required")
	}
	if opts.RepositoryDir == "" {
		return nil, errors.New("loader: repository directory is required")
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.LockCacheSize <= 0 {
		opts.LockCacheSize = defaultLockCacheSize
	}
	if opts.DefaultEncoding == "" {
		opts.DefaultEncoding = defaultEncodingName
	}

	repo, err := filepath.Abs(opts.RepositoryDir)
	if err != nil {
		return nil, fmt.Errorf("loader: resolve repository dir: %w", err)
	}
	for _, scope := range []vfs.Scope{vfs.Online, vfs.Offline} {
		if err := os.MkdirAll(filepath.Join(repo, scope.String()), 0755); err != nil {
			return nil, fmt.Errorf("loader: create repository dir: %w", err)
		}
	}

	l := &Loader{
		provider:        provider,
		repo:            repo,
		locks:           newLockTable(opts.LockCacheSize),
		online:          lru.New[string, bool](opts.CacheSize),
		offline:         lru.New[string, bool](opts.CacheSize),
		taglibs:         opts.Taglibs,
		defaultEncoding: lookupEncoding(opts.DefaultEncoding, defaultEncodingName),
	}
	logging.Info("mirror repository initialized",
		zap.String("dir", repo),
		zap.Int("cache_size", opts.CacheSize),
		zap.Int("lock_cache_size", opts.LockCacheSize))
	return l, nil
}

// RepositoryDir returns the absolute mirror repository root.
func (l *Loader) RepositoryDir() string {
	return l.repo
}

// StaleCacheSizes reports the current entry count of each staleness cache.
func (l *Loader) StaleCacheSizes() (online, offline int) {
	return l.online.Len(), l.offline.Len()
}

// request tracks the state of one top-level resolution episode.
type request struct {
	ctx   context.Context
	scope vfs.Scope
	force bool

	// visited holds mirror targets already rewritten during this request,
	// so shared references are regenerated at most once.
	visited map[string]struct{}
	// resolving holds targets currently on the resolution stack; a target
	// found here is part of a reference cycle and is returned as-is.
	resolving map[string]struct{}

	lastModified int64 // max mirror mtime, unix millis
	expires      int64 // min expiration, unix millis
}

func (l *Loader) newRequest(ctx context.Context, scope vfs.Scope, force bool) *request {
	return &request{
		ctx:       ctx,
		scope:     scope,
		force:     force,
		visited:   make(map[string]struct{}),
		resolving: make(map[string]struct{}),
		expires:   expiresNever,
	}
}

func (r *request) updateDates(modified, expires int64) {
	if modified > r.lastModified {
		r.lastModified = modified
	}
	if expires < r.expires {
		r.expires = expires
	}
}

// Resolve regenerates the mirror file for rootPath if stale and returns its
// location together with the request's date bookkeeping.
func (l *Loader) Resolve(ctx context.Context, rootPath string, scope vfs.Scope, forceRecompile bool) (*Result, error) {
	res, err := l.provider.Stat(ctx, scope, rootPath)
	if err != nil {
		metrics.RecordResolution(scope.String(), false)
		return nil, err
	}
	req := l.newRequest(ctx, scope, forceRecompile)
	target, err := l.updateMirror(res, req)
	if err != nil {
		metrics.RecordResolution(scope.String(), false)
		return nil, err
	}
	metrics.RecordResolution(scope.String(), true)

	out := &Result{
		Path:         l.absPath(target),
		Target:       target,
		LastModified: time.UnixMilli(req.lastModified),
	}
	if req.expires != expiresNever {
		out.Expires = time.UnixMilli(req.expires)
	}
	return out, nil
}

// ResolveMirrorRequest maps a repository-relative mirror name back to its
// virtual path and resolves it, for consumers that address mirror files
// directly before they have been generated.
func (l *Loader) ResolveMirrorRequest(ctx context.Context, target string, forceRecompile bool) (*Result, error) {
	rootPath, scope, err := splitMirrorName(target)
	if err != nil {
		return nil, err
	}
	if _, statErr := l.provider.Stat(ctx, scope, rootPath); statErr != nil {
		// native templates are mirrored with the extension appended, so
		// the virtual path may be the name without it
		if !errors.Is(statErr, vfs.ErrNotFound) || !strings.HasSuffix(rootPath, templateExtension) {
			return nil, statErr
		}
		trimmed := strings.TrimSuffix(rootPath, templateExtension)
		if _, err := l.provider.Stat(ctx, scope, trimmed); err != nil {
			return nil, err
		}
		rootPath = trimmed
	}
	return l.Resolve(ctx, rootPath, scope, forceRecompile)
}

func splitMirrorName(target string) (string, vfs.Scope, error) {
	name := strings.TrimPrefix(target, "/")
	seg, rest, found := strings.Cut(name, "/")
	if !found || rest == "" {
		return "", 0, fmt.Errorf("malformed mirror name %q", target)
	}
	scope, err := vfs.ParseScope(seg)
	if err != nil {
		return "", 0, fmt.Errorf("malformed mirror name %q: %w", target, err)
	}
	return "/" + rest, scope, nil
}

// mirrorName builds the repository-relative name of a resource's mirror.
func mirrorName(scope vfs.Scope, rootPath, ext string) string {
	return "/" + scope.String() + rootPath + ext
}

func (l *Loader) absPath(target string) string {
	return filepath.Join(l.repo, filepath.FromSlash(target))
}

func (l *Loader) scopeCache(scope vfs.Scope) *lru.Cache[string, bool] {
	if scope == vfs.Online {
		return l.online
	}
	return l.offline
}

// updateMirror brings the mirror file of res up to date and returns its
// repository-relative name. The staleness checks run under the path's read
// lock; a stale mirror upgrades to the write lock, re-checks, rewrites and
// downgrades back so concurrent readers of a fresh mirror never serialize.
func (l *Loader) updateMirror(res *vfs.Resource, req *request) (string, error) {
	vfsName := res.RootPath
	ext := ""
	hardInclude := false
	if res.TypeID == vfs.TypeTemplate && !strings.HasSuffix(vfsName, templateExtension) {
		ext = templateExtension
	} else if res.TypeID != vfs.TypeTemplate {
		// a non-template pulled in by a directive keeps its own name and
		// must not have an encoding directive injected into it
		hardInclude = true
	}
	target := mirrorName(req.scope, vfsName, ext)

	if _, ok := req.visited[target]; ok {
		return target, nil
	}
	if _, ok := req.resolving[target]; ok {
		// reference cycle: the regeneration already in progress higher up
		// the stack covers this target
		return target, nil
	}
	req.resolving[target] = struct{}{}
	defer delete(req.resolving, target)

	mirror := l.absPath(target)
	dir := filepath.Dir(mirror)
	if info, err := os.Stat(dir); err == nil {
		if !info.IsDir() {
			return "", fmt.Errorf("mirror parent %s is not a directory", dir)
		}
	} else if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create mirror directory: %w", err)
	}

	lock := l.locks.get(target)
	lock.RLock()
	defer lock.RUnlock()

	srcModified := res.LastModified.UnixMilli()
	mustUpdate := false
	var mirrorModified int64
	if info, err := os.Stat(mirror); err != nil {
		mustUpdate = true
	} else {
		mirrorModified = info.ModTime().UnixMilli()
		switch {
		case mirrorModified < srcModified:
			mustUpdate = true
		case req.force:
			mustUpdate = true
		default:
			// Get, not Contains: a fresh hit counts as use so hot paths
			// stay in the bounded cache
			_, fresh := l.scopeCache(req.scope).Get(vfsName)
			metrics.RecordStaleCacheCheck(req.scope.String(), fresh)
			if !fresh {
				grown, err := l.updateStrongLinks(res, req)
				if err != nil {
					return "", err
				}
				mustUpdate = grown
			}
		}
	}

	if mustUpdate {
		lock.RUnlock()
		lock.Lock()
		err := func() error {
			defer lock.Downgrade()
			// another writer may have refreshed the mirror while we
			// waited for the write lock
			if info, statErr := os.Stat(mirror); statErr == nil && info.ModTime().UnixMilli() != mirrorModified {
				return nil
			}
			return l.rewrite(res, req, target, mirror, hardInclude)
		}()
		if err != nil {
			return "", err
		}
	}

	if info, err := os.Stat(mirror); err == nil {
		expires := expiresNever
		if !res.Expires.IsZero() {
			expires = res.Expires.UnixMilli()
		}
		req.updateDates(info.ModTime().UnixMilli(), expires)
	}
	return target, nil
}

// rewrite regenerates one mirror file from its source. Callers hold the
// path's write lock.
func (l *Loader) rewrite(res *vfs.Resource, req *request, target, mirror string, hardInclude bool) error {
	start := time.Now()
	// marking the target visited before parsing makes reference cycles
	// through this target resolve to the file being written
	req.visited[target] = struct{}{}

	content, err := l.provider.ReadContent(req.ctx, req.scope, res.RootPath)
	if err != nil {
		return fmt.Errorf("read source %s: %w", res.RootPath, err)
	}
	encProp, err := l.provider.ReadProperty(req.ctx, req.scope, res.RootPath, vfs.PropertyEncoding, true)
	if err != nil {
		return fmt.Errorf("read encoding of %s: %w", res.RootPath, err)
	}
	encoding := lookupEncoding(encProp, l.defaultEncoding)

	out := l.parseTemplate(string(content), encoding, res.RootPath, hardInclude, req)

	l.writeMu.Lock()
	err = writeFileAtomic(mirror, []byte(out))
	if err == nil {
		// the mirror's mtime tracks the source, rounded up to the next
		// whole second: filesystems may keep only second precision, and
		// the staleness comparison must still see a source published in
		// the same second as newer
		stamp := time.UnixMilli((1 + res.LastModified.UnixMilli()/1000) * 1000)
		err = os.Chtimes(mirror, stamp, stamp)
	}
	l.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write mirror %s: %w", mirror, err)
	}

	l.scopeCache(req.scope).Put(res.RootPath, true)
	metrics.RecordRegeneration(req.scope.String(), time.Since(start))
	metrics.RecordMirrorWrite(int64(len(out)))
	logging.Info("mirror updated",
		zap.String("path", res.RootPath),
		zap.String("scope", req.scope.String()),
		zap.String("target", target))
	return nil
}

// updateStrongLinks regenerates every strong-link target of res and reports
// whether doing so rewrote at least one mirror file. Unresolvable targets
// are logged and skipped so one broken link never poisons the whole chain.
func (l *Loader) updateStrongLinks(res *vfs.Resource, req *request) (bool, error) {
	before := len(req.visited)
	targets, err := l.provider.StrongLinks(req.ctx, req.scope, res.RootPath)
	if err != nil {
		logging.Error("strong link lookup failed",
			zap.String("path", res.RootPath), zap.Error(err))
		return false, nil
	}
	for _, targetPath := range targets {
		if targetPath == res.RootPath {
			continue
		}
		tr, err := l.provider.Stat(req.ctx, req.scope, targetPath)
		if err != nil {
			logging.Error("strong link target unreadable",
				zap.String("path", res.RootPath),
				zap.String("target", targetPath),
				zap.Error(err))
			continue
		}
		if _, err := l.updateMirror(tr, req); err != nil {
			return false, err
		}
	}
	return len(req.visited) > before, nil
}

// resolveReference regenerates a directive-referenced resource and returns
// its mirror target. Failures are reported to the parser, which leaves the
// reference unrewritten so a broken include never fails the whole page.
func (l *Loader) resolveReference(name, basePath string, req *request) (string, bool) {
	ref := absoluteURI(name, basePath)
	res, err := l.provider.Stat(req.ctx, req.scope, ref)
	if err != nil {
		logging.Debug("directive reference not resolvable",
			zap.String("base", basePath),
			zap.String("ref", ref),
			zap.Error(err))
		return "", false
	}
	target, err := l.updateMirror(res, req)
	if err != nil {
		logging.Error("directive reference update failed",
			zap.String("ref", ref), zap.Error(err))
		return "", false
	}
	return target, true
}

// absoluteURI resolves name against the directory of basePath unless it is
// already absolute.
func absoluteURI(name, basePath string) string {
	if strings.HasPrefix(name, "/") {
		return name
	}
	return path.Join(path.Dir(basePath), name)
}

// RemoveMirrorEntry deletes the mirror file and staleness entry of one
// resource, under its write lock.
func (l *Loader) RemoveMirrorEntry(ctx context.Context, rootPath string, scope vfs.Scope) error {
	var candidates []string
	if res, err := l.provider.Stat(ctx, scope, rootPath); err == nil {
		ext := ""
		if res.TypeID == vfs.TypeTemplate && !strings.HasSuffix(rootPath, templateExtension) {
			ext = templateExtension
		}
		candidates = []string{mirrorName(scope, rootPath, ext)}
	} else {
		// the resource may already be gone, try both mirror names
		candidates = []string{mirrorName(scope, rootPath, "")}
		if !strings.HasSuffix(rootPath, templateExtension) {
			candidates = append(candidates, mirrorName(scope, rootPath, templateExtension))
		}
	}

	lock := l.locks.get(candidates[0])
	lock.Lock()
	defer func() {
		if err := lock.Unlock(); err != nil {
			logging.Warn("mirror entry lock release", zap.Error(err))
		}
	}()

	l.scopeCache(scope).Remove(rootPath)
	removed := false
	for _, target := range candidates {
		err := os.Remove(l.absPath(target))
		if err == nil {
			removed = true
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("remove mirror %s: %w", target, err)
		}
	}
	if removed {
		metrics.RecordMirrorDelete()
		logging.Info("mirror entry removed",
			zap.String("path", rootPath), zap.String("scope", scope.String()))
	}
	return nil
}

// ConsumeEvents applies invalidation events until the channel closes or the
// context is cancelled.
func (l *Loader) ConsumeEvents(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			l.applyEvent(ev)
		}
	}
}

func (l *Loader) applyEvent(ev events.Event) {
	var scopes []vfs.Scope
	switch ev.Kind {
	case events.ClearAll:
		scopes = []vfs.Scope{vfs.Online, vfs.Offline}
	case events.ClearOnline:
		scopes = []vfs.Scope{vfs.Online}
	case events.ClearOffline:
		scopes = []vfs.Scope{vfs.Offline}
	default:
		logging.Warn("unknown invalidation event", zap.String("kind", ev.Kind))
		return
	}
	for _, scope := range scopes {
		cache := l.scopeCache(scope)
		if len(ev.Paths) == 0 {
			cache.Clear()
			continue
		}
		for _, p := range ev.Paths {
			cache.Remove(p)
		}
	}
	online, offline := l.StaleCacheSizes()
	metrics.SetStaleCacheSize(vfs.Online.String(), online)
	metrics.SetStaleCacheSize(vfs.Offline.String(), offline)
	logging.Debug("invalidation applied",
		zap.String("kind", ev.Kind), zap.Int("paths", len(ev.Paths)))
}

// writeFileAtomic writes data via a temp file and rename so readers never
// observe a half-written mirror.
func writeFileAtomic(name string, data []byte) error {
	dir := filepath.Dir(name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".pagemill-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, name); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
