package source

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// opencodeInfo is <storage>/session/info/<id>.json.
type opencodeInfo struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Directory string `json:"directory"`
	Time      struct {
		Created int64 `json:"created"`
		Updated int64 `json:"updated"`
	} `json:"time"`
}

// opencodeMessage is one file under <storage>/message/<sessionID>/.
// Parts may be inlined or stored separately; the inlined form carries
// everything we index.
type opencodeMessage struct {
	Role  string `json:"role"`
	Parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"parts"`
}

// listOpencodeSessions enumerates <root>/storage/session/info/*.json.
func listOpencodeSessions(root string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(root, "storage", "session", "info", "*.json"))
	if err != nil {
		return nil, err
	}
	return matches, nil
}

// parseOpencode reads an OpenCode session: metadata from the info file,
// transcript text from the per-session message directory. A session with
// no message files still indexes with its title and directory.
func parseOpencode(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var info opencodeInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}

	id := strings.TrimSuffix(filepath.Base(path), ".json")
	sess := &Session{
		ID:          id,
		Source:      SourceOpencode,
		Title:       truncateTitle(info.Title),
		ProjectPath: info.Directory,
	}
	if info.Time.Updated > 0 {
		sess.LastActivity = time.UnixMilli(info.Time.Updated)
	} else if info.Time.Created > 0 {
		sess.LastActivity = time.UnixMilli(info.Time.Created)
	}

	// storage/session/info/<id>.json -> storage/message/<id>/
	storageDir := filepath.Dir(filepath.Dir(filepath.Dir(path)))
	msgDir := filepath.Join(storageDir, "message", id)
	entries, err := os.ReadDir(msgDir)
	if err != nil {
		// No messages yet is fine.
		sess.Content = ""
		return sess, nil
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var content strings.Builder
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(msgDir, name))
		if err != nil {
			continue
		}
		var msg opencodeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		var sb strings.Builder
		for _, p := range msg.Parts {
			if p.Type != "text" || p.Text == "" {
				continue
			}
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(p.Text)
		}
		text := sb.String()
		if text == "" {
			continue
		}
		if sess.Title == "" && msg.Role == "user" {
			sess.Title = truncateTitle(text)
		}
		content.WriteString(rolePrefix(msg.Role))
		content.WriteString(text)
		content.WriteString("\n")
	}
	sess.Content = content.String()

	if sess.LastActivity.IsZero() {
		if fi, err := os.Stat(path); err == nil {
			sess.LastActivity = fi.ModTime()
		}
	}
	return sess, nil
}
