package source

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// claudeRecord is one line of a Claude Code JSONL transcript. Only the
// fields we index are declared; everything else is ignored.
type claudeRecord struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	CWD       string          `json:"cwd"`
	Summary   string          `json:"summary"`
	Timestamp string          `json:"timestamp"`
	Message   json.RawMessage `json:"message"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// listClaudeSessions enumerates <root>/projects/*/<uuid>.jsonl files.
// The file stem is the session id.
func listClaudeSessions(root string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(root, "projects", "*", "*.jsonl"))
	if err != nil {
		return nil, err
	}
	return matches, nil
}

// parseClaude reads a Claude JSONL transcript. Malformed lines are
// skipped: a half-written tail line is normal while a session is live.
func parseClaude(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ID:     strings.TrimSuffix(filepath.Base(path), ".jsonl"),
		Source: SourceClaude,
	}

	var content bytes.Buffer
	scanner := bufio.NewScanner(bytes.NewReader(data))
	// Transcript lines carry whole tool outputs; allow large lines.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec claudeRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}

		if sess.ProjectPath == "" && rec.CWD != "" {
			sess.ProjectPath = rec.CWD
		}
		if sess.Title == "" && rec.Summary != "" {
			sess.Title = truncateTitle(rec.Summary)
		}
		if rec.Timestamp != "" {
			if ts, err := time.Parse(time.RFC3339, rec.Timestamp); err == nil && ts.After(sess.LastActivity) {
				sess.LastActivity = ts
			}
		}

		if len(rec.Message) == 0 {
			continue
		}
		var msg claudeMessage
		if err := json.Unmarshal(rec.Message, &msg); err != nil {
			continue
		}
		text := extractContentText(msg.Content)
		if text == "" {
			continue
		}
		if sess.Title == "" && rec.Type == "user" {
			sess.Title = truncateTitle(text)
		}
		content.WriteString(rolePrefix(msg.Role))
		content.WriteString(text)
		content.WriteString("\n")
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	sess.Content = content.String()
	if sess.LastActivity.IsZero() {
		if info, err := os.Stat(path); err == nil {
			sess.LastActivity = info.ModTime()
		}
	}
	return sess, nil
}

func rolePrefix(role string) string {
	switch role {
	case "user":
		return "User: "
	case "assistant":
		return "Assistant: "
	}
	return ""
}

// extractContentText handles both content shapes: a plain string, or an
// array of blocks with text fields.
func extractContentText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []map[string]any
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, block := range blocks {
		text, ok := block["text"].(string)
		if !ok || text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(text)
	}
	return sb.String()
}
