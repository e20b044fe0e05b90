package source

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Source names. These are stable identifiers: they appear in the persistent
// index, in composite identity keys and in API responses.
const (
	SourceClaude   = "claude"
	SourceCodex    = "codex"
	SourceGemini   = "gemini"
	SourceOpencode = "opencode"
)

// All lists every supported source.
var All = []string{SourceClaude, SourceCodex, SourceGemini, SourceOpencode}

// Known reports whether name is a supported source.
func Known(name string) bool {
	switch name {
	case SourceClaude, SourceCodex, SourceGemini, SourceOpencode:
		return true
	}
	return false
}

// Session is one parsed transcript, normalized across sources.
type Session struct {
	ID           string
	Source       string
	Title        string
	ProjectPath  string
	Content      string
	LastActivity time.Time
}

// ContentHash returns the hex sha256 of the rendered content, used to
// short-circuit re-indexing of unchanged transcripts.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

const titleCap = 200

// truncateTitle bounds a derived title the way transcript summaries are
// shown in list UIs.
func truncateTitle(s string) string {
	runes := []rune(s)
	if len(runes) > titleCap {
		return string(runes[:titleCap]) + "..."
	}
	return s
}
