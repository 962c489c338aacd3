package handlers

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/rag-web-ui/internal/i18n"
	"github.com/MegaGrindStone/rag-web-ui/internal/models"
	"github.com/MegaGrindStone/rag-web-ui/internal/services"
	"github.com/google/uuid"
)

type option struct {
	Value  string
	Label  string
	Active bool
}

type message struct {
	ID             string
	Role           string
	Content        template.HTML
	Sources        []string
	Error          string
	StreamingState string

	T i18n.Strings
}

type filesData struct {
	SessionID string
	Names     []string
	Errors    []string

	T i18n.Strings
}

type homePageData struct {
	SessionID string
	Modes     []option
	Languages []option
	Messages  []message
	Files     filesData

	T i18n.Strings
}

var languageLabels = map[string]string{
	"en": "English",
	"es": "Español",
}

// HandleHome renders the chat page. A request carrying the session_id of a live session renders
// that session, any other request starts a new session: reloading the page starts over.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess, err := m.engine.Session(r.Context(), r.URL.Query().Get("session_id"))
	if err != nil {
		if !errors.Is(err, services.ErrSessionNotFound) {
			m.logger.Error("Failed to get session", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		sess, err = m.engine.NewSession(r.Context(), m.opts.DefaultMode, i18n.Negotiate(r.Header.Get("Accept-Language")))
		if err != nil {
			m.logger.Error("Failed to create session", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	t := i18n.Lookup(sess.Language)

	msgs, err := m.historyMessages(sess, t)
	if err != nil {
		m.logger.Error("Failed to render history",
			slog.String("sessionID", sess.ID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data := homePageData{
		SessionID: sess.ID,
		Modes:     modeOptions(sess.Mode, t),
		Languages: languageOptions(sess.Language),
		Messages:  msgs,
		Files:     m.files(r.Context(), sess.ID, t, nil),
		T:         t,
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to execute home template", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m Main) historyMessages(sess models.Session, t i18n.Strings) ([]message, error) {
	msgs := make([]message, 0, len(sess.History))
	for _, msg := range sess.History {
		content, err := models.RenderMarkdown(msg.Content)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, message{
			ID:             uuid.New().String(),
			Role:           string(msg.Role),
			Content:        content,
			StreamingState: "ended",
			T:              t,
		})
	}
	return msgs, nil
}

// files lists the ingested file names. A failure to list is logged and shown as an empty list, so
// the page stays usable while the backend is unavailable.
func (m Main) files(ctx context.Context, sessionID string, t i18n.Strings, errs []string) filesData {
	data := filesData{
		SessionID: sessionID,
		Errors:    errs,
		T:         t,
	}

	docs, err := m.backend.Documents(ctx)
	if err != nil {
		m.logger.Error("Failed to list documents", slog.String(errLoggerKey, err.Error()))
		data.Errors = append(data.Errors, fmt.Sprintf("%s: %s", t.Error, err.Error()))
		return data
	}
	data.Names = models.FileNames(docs)
	return data
}

func modeOptions(active models.Mode, t i18n.Strings) []option {
	opts := make([]option, len(models.Modes))
	for i, mode := range models.Modes {
		opts[i] = option{
			Value:  string(mode),
			Label:  t.Modes[string(mode)],
			Active: mode == active,
		}
	}
	return opts
}

func languageOptions(active string) []option {
	opts := make([]option, len(i18n.Languages))
	for i, lang := range i18n.Languages {
		opts[i] = option{
			Value:  lang,
			Label:  languageLabels[lang],
			Active: lang == active,
		}
	}
	return opts
}

// sessionStrings resolves the session of a request and its strings. A request without a live
// session falls back to the default language.
func (m Main) sessionStrings(r *http.Request) (models.Session, i18n.Strings, error) {
	sess, err := m.engine.Session(r.Context(), r.FormValue("session_id"))
	if err != nil {
		return models.Session{}, i18n.Lookup(i18n.Negotiate(r.Header.Get("Accept-Language"))), err
	}
	return sess, i18n.Lookup(sess.Language), nil
}
