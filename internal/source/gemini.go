package source

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// geminiChat is a Gemini CLI chat file: one JSON document per session.
type geminiChat struct {
	SessionID   string          `json:"sessionId"`
	ProjectHash string          `json:"projectHash"`
	StartTime   string          `json:"startTime"`
	LastUpdated string          `json:"lastUpdated"`
	Messages    []geminiMessage `json:"messages"`
}

type geminiMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Parts   []struct {
		Text string `json:"text"`
	} `json:"parts"`
}

// listGeminiSessions enumerates <root>/tmp/<hash>/chats/*.json.
func listGeminiSessions(root string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(root, "tmp", "*", "chats", "*.json"))
	if err != nil {
		return nil, err
	}
	return matches, nil
}

// parseGemini reads a Gemini chat file. The file stem is the session id;
// the embedded sessionId is not used for identity so watcher delete
// events, which only have a path, can still name the session.
func parseGemini(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var chat geminiChat
	if err := json.Unmarshal(data, &chat); err != nil {
		return nil, err
	}

	sess := &Session{
		ID:          strings.TrimSuffix(filepath.Base(path), ".json"),
		Source:      SourceGemini,
		ProjectPath: chat.ProjectHash,
	}
	if ts, err := time.Parse(time.RFC3339, chat.LastUpdated); err == nil {
		sess.LastActivity = ts
	}

	var content strings.Builder
	for _, msg := range chat.Messages {
		text := geminiMessageText(msg)
		if text == "" {
			continue
		}
		if sess.Title == "" && msg.Role == "user" {
			sess.Title = truncateTitle(text)
		}
		content.WriteString(rolePrefix(normalizeGeminiRole(msg.Role)))
		content.WriteString(text)
		content.WriteString("\n")
	}
	sess.Content = content.String()

	if sess.LastActivity.IsZero() {
		if info, err := os.Stat(path); err == nil {
			sess.LastActivity = info.ModTime()
		}
	}
	return sess, nil
}

func geminiMessageText(msg geminiMessage) string {
	if len(msg.Content) > 0 {
		if text := extractContentText(msg.Content); text != "" {
			return text
		}
	}
	var sb strings.Builder
	for _, p := range msg.Parts {
		if p.Text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(p.Text)
	}
	return sb.String()
}

func normalizeGeminiRole(role string) string {
	if role == "model" {
		return "assistant"
	}
	return role
}
