package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/rag-web-ui/internal/conversation"
	"github.com/MegaGrindStone/rag-web-ui/internal/i18n"
	"github.com/MegaGrindStone/rag-web-ui/internal/models"
	"github.com/MegaGrindStone/rag-web-ui/internal/services"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

type searchResult struct {
	Index    int
	FileName string
	Preview  string
}

type searchResultsData struct {
	ID      string
	Results []searchResult
	Error   string

	T i18n.Strings
}

// HandleChats processes a user input sent through an HTTP POST request. It expects the "message"
// and "session_id" form fields.
//
// In the search mode, the chunks most relevant to the input are fetched and rendered right away.
// In the other modes, the handler starts a turn and renders the user message followed by a
// placeholder for the answer; the answer is then streamed through Server-Sent Events on the topic
// of the placeholder's message ID.
//
// An empty message is rejected with 400, and a message sent while the session still streams an
// answer is rejected with 409, rendered as an error bubble.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess, t, err := m.sessionStrings(r)
	if err != nil {
		if errors.Is(err, services.ErrSessionNotFound) {
			http.Error(w, "Session not found, reload the page", http.StatusNotFound)
			return
		}
		m.logger.Error("Failed to get session", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	msg := strings.TrimSpace(r.FormValue("message"))
	if msg == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	if !sess.Mode.IsChat() {
		m.search(w, r, msg, t)
		return
	}

	turn, err := m.engine.Start(m.turnsCtx, sess.ID, msg)
	if err != nil {
		if errors.Is(err, conversation.ErrTurnInFlight) {
			w.WriteHeader(http.StatusConflict)
			m.renderError(w, t, t.Busy)
			return
		}
		m.logger.Error("Failed to start turn",
			slog.String("sessionID", sess.ID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	aiMsgID := uuid.New().String()
	subscribed := make(chan struct{})
	m.subscribers.Store(aiMsgID, subscribed)

	go m.chat(turn, aiMsgID, subscribed, t)

	if err := m.renderUserMessage(w, msg, t); err != nil {
		m.logger.Error("Failed to render user message", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	err = m.templates.ExecuteTemplate(w, "ai_message", message{
		ID:             aiMsgID,
		Role:           string(models.RoleAssistant),
		StreamingState: "loading",
		T:              t,
	})
	if err != nil {
		m.logger.Error("Failed to execute ai_message template", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleSSE serves the Server-Sent Events streams of the answers.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

func (m Main) renderUserMessage(w http.ResponseWriter, msg string, t i18n.Strings) error {
	content, err := models.RenderMarkdown(msg)
	if err != nil {
		return err
	}
	return m.templates.ExecuteTemplate(w, "user_message", message{
		ID:             uuid.New().String(),
		Role:           string(models.RoleUser),
		Content:        content,
		StreamingState: "ended",
		T:              t,
	})
}

func (m Main) renderError(w http.ResponseWriter, t i18n.Strings, errMsg string) {
	err := m.templates.ExecuteTemplate(w, "ai_message", message{
		ID:             uuid.New().String(),
		Role:           string(models.RoleAssistant),
		Error:          errMsg,
		StreamingState: "ended",
		T:              t,
	})
	if err != nil {
		m.logger.Error("Failed to execute ai_message template", slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) search(w http.ResponseWriter, r *http.Request, msg string, t i18n.Strings) {
	data := searchResultsData{
		ID: uuid.New().String(),
		T:  t,
	}

	chunks, err := m.backend.Chunks(r.Context(), msg, m.opts.SearchLimit, m.opts.SearchPrevNextChunks)
	if err != nil {
		m.logger.Error("Failed to search chunks", slog.String(errLoggerKey, err.Error()))
		data.Error = err.Error()
	}
	for i, c := range chunks {
		data.Results = append(data.Results, searchResult{
			Index:    i + 1,
			FileName: c.FileName,
			Preview:  models.Preview(c.Text, m.opts.SearchPreviewLength),
		})
	}

	if err := m.renderUserMessage(w, msg, t); err != nil {
		m.logger.Error("Failed to render user message", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := m.templates.ExecuteTemplate(w, "search_results", data); err != nil {
		m.logger.Error("Failed to execute search_results template", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// chat runs the turn and publishes the rendered answer after every update, then the answer with
// its sources, or the error that aborted the turn.
func (m Main) chat(turn *conversation.Turn, aiMsgID string, subscribed <-chan struct{}, t i18n.Strings) {
	topic := messageIDTopic(aiMsgID)

	// Ensure SSE connection cleanup on function exit
	defer func() {
		e := &sse.Message{Type: closeMessageSSEType}
		e.AppendData("bye")
		_ = m.sseSrv.Publish(e, topic)
	}()

	select {
	case <-subscribed:
	case <-time.After(m.opts.SubscribeTimeout):
		m.subscribers.Delete(aiMsgID)
		m.logger.Warn("No subscriber for the answer, streaming anyway", slog.String("messageID", aiMsgID))
	}

	res, err := turn.Run(func(answer string) {
		content, err := models.RenderMarkdown(answer)
		if err != nil {
			m.logger.Error("Failed to render answer", slog.String(errLoggerKey, err.Error()))
			return
		}
		m.publishContent(topic, message{
			ID:      aiMsgID,
			Role:    string(models.RoleAssistant),
			Content: content,
			T:       t,
		})
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			m.logger.Info("Turn cancelled", slog.String("messageID", aiMsgID))
		} else {
			m.logger.Error("Turn failed",
				slog.String("messageID", aiMsgID),
				slog.String(errLoggerKey, err.Error()))
		}
		m.publishContent(topic, message{
			ID:    aiMsgID,
			Role:  string(models.RoleAssistant),
			Error: err.Error(),
			T:     t,
		})
		return
	}

	content, err := models.RenderMarkdown(res.Answer)
	if err != nil {
		m.logger.Error("Failed to render answer", slog.String(errLoggerKey, err.Error()))
		return
	}
	sources := make([]string, len(res.Sources))
	for i, s := range res.Sources {
		sources[i] = s.FileName
	}
	m.publishContent(topic, message{
		ID:      aiMsgID,
		Role:    string(models.RoleAssistant),
		Content: content,
		Sources: sources,
		T:       t,
	})
}

func (m Main) publishContent(topic string, msg message) {
	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, "message_content", msg); err != nil {
		m.logger.Error("Failed to execute message_content template", slog.String(errLoggerKey, err.Error()))
		return
	}

	e := &sse.Message{Type: messagesSSEType}
	e.AppendData(sb.String())
	if err := m.sseSrv.Publish(e, topic); err != nil {
		m.logger.Error("Failed to publish message",
			slog.String("topic", topic),
			slog.String(errLoggerKey, err.Error()))
	}
}
