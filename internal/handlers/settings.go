package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/MegaGrindStone/rag-web-ui/internal/i18n"
	"github.com/MegaGrindStone/rag-web-ui/internal/models"
	"github.com/MegaGrindStone/rag-web-ui/internal/services"
)

// HandleSettings changes the mode and/or the language of a session, from the optional "mode" and
// "language" form fields. A language change asks the browser to reload the page of the session,
// so every string is rendered in the new language without losing the conversation.
func (m Main) HandleSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess, _, err := m.sessionStrings(r)
	if err != nil {
		m.sessionError(w, err)
		return
	}

	if v := r.FormValue("mode"); v != "" {
		mode, ok := models.ParseMode(v)
		if !ok {
			http.Error(w, "Unknown mode", http.StatusBadRequest)
			return
		}
		if mode != sess.Mode {
			if err := m.engine.SetMode(r.Context(), sess.ID, mode); err != nil {
				m.sessionError(w, err)
				return
			}
			m.logger.Debug("Mode changed", slog.String("sessionID", sess.ID), slog.String("mode", string(mode)))
		}
	}

	if lang := r.FormValue("language"); lang != "" && lang != sess.Language {
		if !i18n.Supported(lang) {
			http.Error(w, "Unknown language", http.StatusBadRequest)
			return
		}
		if err := m.engine.SetLanguage(r.Context(), sess.ID, lang); err != nil {
			m.sessionError(w, err)
			return
		}
		w.Header().Set("HX-Redirect", "/?session_id="+url.QueryEscape(sess.ID))
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleClear aborts the answer being streamed, if any, empties the history of the session and
// renders the emptied chat box.
func (m Main) HandleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess, t, err := m.sessionStrings(r)
	if err != nil {
		m.sessionError(w, err)
		return
	}

	if err := m.engine.Clear(r.Context(), sess.ID); err != nil {
		m.sessionError(w, err)
		return
	}

	if err := m.templates.ExecuteTemplate(w, "chatbox", homePageData{SessionID: sess.ID, T: t}); err != nil {
		m.logger.Error("Failed to execute chatbox template", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleEndSession deletes a session when its page goes away.
func (m Main) HandleEndSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.FormValue("session_id")
	if id == "" {
		http.Error(w, "Session is required", http.StatusBadRequest)
		return
	}

	if err := m.engine.End(r.Context(), id); err != nil {
		m.sessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m Main) sessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, services.ErrSessionNotFound) {
		http.Error(w, "Session not found, reload the page", http.StatusNotFound)
		return
	}
	m.logger.Error("Failed to update session", slog.String(errLoggerKey, err.Error()))
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
