package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kuatroka/code-session-search/internal/logging"
	"github.com/kuatroka/code-session-search/internal/search"
	"github.com/kuatroka/code-session-search/internal/searchdb"
)

var srcLog = logging.ForComponent(logging.CompSource)

// Roots configures where each tool keeps its sessions. Empty entries
// disable that source.
type Roots struct {
	Claude   string // ~/.claude
	Codex    string // ~/.codex
	Gemini   string // ~/.gemini
	Opencode string // ~/.local/share/opencode
}

// DefaultRoots resolves the conventional per-tool directories under the
// user's home. Missing directories are kept: the catalog treats a root
// that doesn't exist as a source with zero sessions.
func DefaultRoots() Roots {
	home, err := os.UserHomeDir()
	if err != nil {
		return Roots{}
	}
	return Roots{
		Claude:   filepath.Join(home, ".claude"),
		Codex:    filepath.Join(home, ".codex"),
		Gemini:   filepath.Join(home, ".gemini"),
		Opencode: filepath.Join(home, ".local", "share", "opencode"),
	}
}

// Catalog enumerates and parses sessions across all configured sources.
// It is stateless between calls; listing always reflects the filesystem.
type Catalog struct {
	roots Roots
}

// NewCatalog builds a catalog over the given roots.
func NewCatalog(roots Roots) *Catalog {
	return &Catalog{roots: roots}
}

// Roots returns the configured source roots.
func (c *Catalog) Roots() Roots { return c.roots }

// listPaths returns the transcript paths for one source.
func (c *Catalog) listPaths(src string) ([]string, error) {
	switch src {
	case SourceClaude:
		if c.roots.Claude == "" {
			return nil, nil
		}
		return listClaudeSessions(c.roots.Claude)
	case SourceCodex:
		if c.roots.Codex == "" {
			return nil, nil
		}
		return listCodexSessions(c.roots.Codex)
	case SourceGemini:
		if c.roots.Gemini == "" {
			return nil, nil
		}
		return listGeminiSessions(c.roots.Gemini)
	case SourceOpencode:
		if c.roots.Opencode == "" {
			return nil, nil
		}
		return listOpencodeSessions(c.roots.Opencode)
	}
	return nil, fmt.Errorf("unknown source %q", src)
}

// ListSessions enumerates every session file across all sources. A source
// whose root is unreadable logs and contributes nothing rather than
// failing the whole listing.
func (c *Catalog) ListSessions(ctx context.Context) ([]search.SessionRef, error) {
	var refs []search.SessionRef
	for _, src := range All {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		paths, err := c.listPaths(src)
		if err != nil {
			srcLog.Warn("source_list_failed",
				slog.String("source", src), slog.String("error", err.Error()))
			continue
		}
		for _, p := range paths {
			refs = append(refs, search.SessionRef{ID: pathStem(p), Source: src})
		}
	}
	return refs, nil
}

// LoadDocument locates and parses one session, rendering it into an
// indexable document with its content hash.
func (c *Catalog) LoadDocument(ctx context.Context, ref search.SessionRef) (searchdb.Document, error) {
	sess, err := c.load(ctx, ref)
	if err != nil {
		return searchdb.Document{}, err
	}
	return searchdb.Document{
		SessionID:      sess.ID,
		Source:         sess.Source,
		Title:          sess.Title,
		ProjectPath:    sess.ProjectPath,
		Content:        sess.Content,
		ContentHash:    ContentHash(sess.Content),
		LastActivityAt: sess.LastActivity.UnixMilli(),
	}, nil
}

// GetFullContent re-reads a single transcript and returns its rendered
// text, for callers that want the whole session rather than a snippet.
func (c *Catalog) GetFullContent(ctx context.Context, ref search.SessionRef) (string, error) {
	sess, err := c.load(ctx, ref)
	if err != nil {
		return "", err
	}
	return sess.Content, nil
}

func (c *Catalog) load(ctx context.Context, ref search.SessionRef) (*Session, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	path, err := c.findPath(ref)
	if err != nil {
		return nil, err
	}
	return parsePath(ref.Source, path)
}

// findPath maps a session ref back to its file. Sources with a flat
// layout resolve directly; the rest scan their listing for the stem.
func (c *Catalog) findPath(ref search.SessionRef) (string, error) {
	if ref.Source == SourceOpencode && c.roots.Opencode != "" {
		p := filepath.Join(c.roots.Opencode, "storage", "session", "info", ref.ID+".json")
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	paths, err := c.listPaths(ref.Source)
	if err != nil {
		return "", err
	}
	for _, p := range paths {
		if pathStem(p) == ref.ID {
			return p, nil
		}
	}
	return "", fmt.Errorf("session %s/%s: %w", ref.Source, ref.ID, os.ErrNotExist)
}

func parsePath(src, path string) (*Session, error) {
	switch src {
	case SourceClaude:
		return parseClaude(path)
	case SourceCodex:
		return parseCodex(path)
	case SourceGemini:
		return parseGemini(path)
	case SourceOpencode:
		return parseOpencode(path)
	}
	return nil, fmt.Errorf("unknown source %q", src)
}

func pathStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
