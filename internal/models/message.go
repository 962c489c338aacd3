package models

import (
	"strings"
	"time"
)

// Message represents an individual entry of a conversation. The ordered sequence of messages of a
// session is append-only, and its order reflects the order in which the turns were completed.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Role represents the role of a message participant.
type Role string

// Mode selects how a user input is handled: answered by the model with or without retrieved
// context, summarized, or used as a plain chunk search.
type Mode string

const (
	// RoleSystem represents the mode-specific instruction prepended to a chat request.
	RoleSystem Role = "system"
	// RoleUser represents a message typed by the user.
	RoleUser Role = "user"
	// RoleAssistant represents an answer streamed back by the backend.
	RoleAssistant Role = "assistant"

	// ModeRAG answers using the retrieved context of the ingested documents.
	ModeRAG Mode = "rag"
	// ModeBasic answers without retrieved context.
	ModeBasic Mode = "basic"
	// ModeSearch returns the most relevant chunks of the ingested documents, without the model.
	ModeSearch Mode = "search"
	// ModeSummarize summarizes the retrieved context.
	ModeSummarize Mode = "summarize"
)

// DefaultDocumentName is shown wherever the backend doesn't report a file name for a document.
const DefaultDocumentName = "Document"

// Modes lists every supported mode, in the order they are presented to the user.
var Modes = []Mode{ModeRAG, ModeBasic, ModeSearch, ModeSummarize}

// ParseMode returns the Mode named by s, and false if s doesn't name a supported mode.
func ParseMode(s string) (Mode, bool) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Modes {
		if m == known {
			return m, true
		}
	}
	return "", false
}

// UsesContext reports whether requests of this mode should ask the backend to answer using the
// retrieved document context.
func (m Mode) UsesContext() bool {
	return m == ModeRAG || m == ModeSummarize
}

// IsChat reports whether the mode is served by the chat-completion endpoint.
func (m Mode) IsChat() bool {
	return m != ModeSearch
}

// Source is a document that the backend used to produce an answer.
type Source struct {
	FileName string
	Text     string
}

// Chunk is a retrieved fragment of an ingested document.
type Chunk struct {
	Text     string
	FileName string
}

// Document is one ingested document record. A single uploaded file usually yields many records
// sharing the same FileName.
type Document struct {
	ID       string
	FileName string
}

// Session is the conversation state of one page load: the selected mode and language, and the
// ordered history of completed turns.
type Session struct {
	ID        string    `json:"id"`
	Mode      Mode      `json:"mode"`
	Language  string    `json:"language"`
	History   []Message `json:"history"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// FileNames returns the distinct, non-empty file names of docs in first-seen order.
func FileNames(docs []Document) []string {
	seen := make(map[string]struct{}, len(docs))
	names := make([]string, 0, len(docs))
	for _, d := range docs {
		if d.FileName == "" {
			continue
		}
		if _, ok := seen[d.FileName]; ok {
			continue
		}
		seen[d.FileName] = struct{}{}
		names = append(names, d.FileName)
	}
	return names
}

// StreamEventKind tells which field of a StreamEvent is meaningful.
type StreamEventKind int

const (
	// StreamEventDelta carries a text fragment to append to the answer.
	StreamEventDelta StreamEventKind = iota + 1
	// StreamEventSources carries the complete list of sources used for the answer so far.
	StreamEventSources
	// StreamEventDone marks the normal end of the stream.
	StreamEventDone
)

// StreamEvent is one parsed unit of a streamed chat answer.
type StreamEvent struct {
	Kind    StreamEventKind
	Delta   string
	Sources []Source
}
