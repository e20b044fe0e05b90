package source

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// codexLine is one line of a Codex rollout file: an envelope with a
// timestamp, a type tag and a type-specific payload.
type codexLine struct {
	Timestamp string          `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

type codexSessionMeta struct {
	ID  string `json:"id"`
	CWD string `json:"cwd"`
}

type codexResponseItem struct {
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// listCodexSessions walks <root>/sessions for rollout-*.jsonl files,
// which are sharded into YYYY/MM/DD subdirectories.
func listCodexSessions(root string) ([]string, error) {
	var paths []string
	base := filepath.Join(root, "sessions")
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable shard, keep walking
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, "rollout-") && strings.HasSuffix(name, ".jsonl") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return paths, nil
}

// parseCodex reads a Codex rollout transcript. The file stem is the
// session id so that listing, watching and loading all agree without
// parsing; the embedded meta id only informs the title.
func parseCodex(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ID:     strings.TrimSuffix(filepath.Base(path), ".jsonl"),
		Source: SourceCodex,
	}

	var content bytes.Buffer
	scanner := bufio.NewScanner(bytes.NewReader(data))
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec codexLine
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if rec.Timestamp != "" {
			if ts, err := time.Parse(time.RFC3339, rec.Timestamp); err == nil && ts.After(sess.LastActivity) {
				sess.LastActivity = ts
			}
		}

		switch rec.Type {
		case "session_meta":
			var meta codexSessionMeta
			if err := json.Unmarshal(rec.Payload, &meta); err == nil {
				if sess.ProjectPath == "" && meta.CWD != "" {
					sess.ProjectPath = meta.CWD
				}
			}
		case "response_item":
			var item codexResponseItem
			if err := json.Unmarshal(rec.Payload, &item); err != nil {
				continue
			}
			if item.Type != "message" {
				continue
			}
			var sb strings.Builder
			for _, c := range item.Content {
				if c.Text == "" {
					continue
				}
				if sb.Len() > 0 {
					sb.WriteString("\n")
				}
				sb.WriteString(c.Text)
			}
			text := sb.String()
			if text == "" {
				continue
			}
			if sess.Title == "" && item.Role == "user" {
				sess.Title = truncateTitle(text)
			}
			content.WriteString(rolePrefix(item.Role))
			content.WriteString(text)
			content.WriteString("\n")
		}
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
