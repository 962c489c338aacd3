// Package conversation runs chat turns against the backend and owns every mutation of the
// conversation state of a session.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/rag-web-ui/internal/models"
	"github.com/google/uuid"
)

// ChatStreamer streams the answer of the backend to a sequence of messages.
type ChatStreamer interface {
	Chat(ctx context.Context, messages []models.Message, useContext bool) iter.Seq2[models.StreamEvent, error]
}

// Store persists the sessions.
type Store interface {
	Session(ctx context.Context, id string) (models.Session, error)
	SaveSession(ctx context.Context, sess models.Session) error
	DeleteSession(ctx context.Context, id string) error
	PruneSessions(ctx context.Context, before time.Time) (int, error)
}

// Engine starts chat turns and applies every change to the sessions. At most one turn per session
// is in flight: starting another one fails with ErrTurnInFlight until the first one ends.
type Engine struct {
	llm     ChatStreamer
	store   Store
	prompts Prompts
	window  int

	// mu serializes the read-modify-write cycles on the store, and guards inFlight.
	mu       sync.Mutex
	inFlight map[string]context.CancelFunc

	logger *slog.Logger
}

// Turn is a started chat turn. Run must be called exactly once to stream the answer and release
// the session.
type Turn struct {
	engine    *Engine
	sessionID string
	input     string
	messages  []models.Message
	useCtx    bool

	ctx    context.Context
	cancel context.CancelFunc
}

// Result is the outcome of a completed turn.
type Result struct {
	Answer  string
	Sources []models.Source
}

var (
	// ErrEmptyInput is returned when the user input is blank.
	ErrEmptyInput = errors.New("message is empty")
	// ErrTurnInFlight is returned when a turn is started for a session that is still streaming one.
	ErrTurnInFlight = errors.New("a message is already being answered")
	// ErrNotChatMode is returned when a turn is started for a session whose mode doesn't chat.
	ErrNotChatMode = errors.New("mode doesn't use the chat endpoint")
)

const errLoggerKey = "err"

// NewEngine creates an Engine. A window lower than 1 falls back to DefaultHistoryWindow.
func NewEngine(llm ChatStreamer, store Store, prompts Prompts, window int, logger *slog.Logger) *Engine {
	if window < 1 {
		window = DefaultHistoryWindow
	}
	return &Engine{
		llm:      llm,
		store:    store,
		prompts:  prompts,
		window:   window,
		inFlight: make(map[string]context.CancelFunc),
		logger:   logger.With(slog.String("module", "conversation")),
	}
}

// NewSession creates and stores an empty session.
func (e *Engine) NewSession(ctx context.Context, mode models.Mode, language string) (models.Session, error) {
	sess := models.Session{
		ID:        uuid.New().String(),
		Mode:      mode,
		Language:  language,
		UpdatedAt: time.Now(),
	}
	if err := e.store.SaveSession(ctx, sess); err != nil {
		return models.Session{}, fmt.Errorf("failed to save session: %w", err)
	}
	return sess, nil
}

// Session returns the stored session.
func (e *Engine) Session(ctx context.Context, id string) (models.Session, error) {
	return e.store.Session(ctx, id)
}

// SetMode changes the mode of a session. It doesn't affect a turn in flight.
func (e *Engine) SetMode(ctx context.Context, id string, mode models.Mode) error {
	return e.update(ctx, id, func(sess *models.Session) error {
		sess.Mode = mode
		return nil
	})
}

// SetLanguage changes the language of a session.
func (e *Engine) SetLanguage(ctx context.Context, id string, language string) error {
	return e.update(ctx, id, func(sess *models.Session) error {
		sess.Language = language
		return nil
	})
}

// Clear aborts the turn in flight of the session, if any, and empties its history.
func (e *Engine) Clear(ctx context.Context, id string) error {
	e.mu.Lock()
	if cancel, ok := e.inFlight[id]; ok {
		cancel()
	}
	e.mu.Unlock()

	return e.update(ctx, id, func(sess *models.Session) error {
		sess.History = nil
		return nil
	})
}

// End aborts the turn in flight of the session, if any, and deletes the session.
func (e *Engine) End(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cancel, ok := e.inFlight[id]; ok {
		cancel()
	}
	return e.store.DeleteSession(ctx, id)
}

// Prune removes the sessions idle for longer than ttl, except those with a turn in flight. No turn
// can start while the sessions are pruned.
func (e *Engine) Prune(ctx context.Context, ttl time.Duration) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Touching the busy sessions keeps them out of the pruned range.
	for id := range e.inFlight {
		if err := e.updateLocked(ctx, id, func(*models.Session) error { return nil }); err != nil {
			e.logger.Warn("Failed to touch busy session",
				slog.String("sessionID", id),
				slog.String(errLoggerKey, err.Error()))
		}
	}

	return e.store.PruneSessions(ctx, time.Now().Add(-ttl))
}

// PruneEvery calls Prune every interval until ctx is done.
func (e *Engine) PruneEvery(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.Prune(ctx, ttl)
			if err != nil {
				e.logger.Error("Failed to prune sessions", slog.String(errLoggerKey, err.Error()))
				continue
			}
			if n > 0 {
				e.logger.Info("Pruned idle sessions", slog.Int("count", n))
			}
		}
	}
}

// Start validates the input and reserves the session for a new turn. The request is built from the
// session state at this point: the system prompt of its mode, the last messages of its history,
// and the input.
func (e *Engine) Start(ctx context.Context, sessionID, input string) (*Turn, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, ErrEmptyInput
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.inFlight[sessionID]; ok {
		return nil, ErrTurnInFlight
	}

	sess, err := e.store.Session(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if !sess.Mode.IsChat() {
		return nil, ErrNotChatMode
	}

	turnCtx, cancel := context.WithCancel(ctx)
	e.inFlight[sessionID] = cancel

	return &Turn{
		engine:    e,
		sessionID: sessionID,
		input:     input,
		messages:  BuildMessages(e.prompts[sess.Mode], sess.History, input, e.window),
		useCtx:    sess.Mode.UsesContext(),
		ctx:       turnCtx,
		cancel:    cancel,
	}, nil
}

// Send starts a turn and runs it to completion.
func (e *Engine) Send(
	ctx context.Context,
	sessionID, input string,
	onUpdate func(answer string),
) (Result, error) {
	t, err := e.Start(ctx, sessionID, input)
	if err != nil {
		return Result{}, err
	}
	return t.Run(onUpdate)
}

// Messages returns the messages the turn sends to the backend.
func (t *Turn) Messages() []models.Message {
	return t.messages
}

// Input returns the trimmed user input of the turn.
func (t *Turn) Input() string {
	return t.input
}

// Run streams the answer, calling onUpdate with the whole answer so far after every received
// fragment. When the stream completes, the user input and the answer are appended to the session
// history. When it fails, the history is left untouched and the error is returned.
func (t *Turn) Run(onUpdate func(answer string)) (Result, error) {
	defer t.release()

	var (
		answer  strings.Builder
		sources []models.Source
	)

	for ev, err := range t.engine.llm.Chat(t.ctx, t.messages, t.useCtx) {
		if err != nil {
			return Result{}, fmt.Errorf("failed to stream answer: %w", err)
		}

		switch ev.Kind {
		case models.StreamEventDelta:
			answer.WriteString(ev.Delta)
			if onUpdate != nil {
				onUpdate(answer.String())
			}
		case models.StreamEventSources:
			sources = ev.Sources
		}
	}

	res := Result{
		Answer:  answer.String(),
		Sources: sources,
	}

	err := t.engine.update(t.ctx, t.sessionID, func(sess *models.Session) error {
		// The turn may have been cleared after the stream ended.
		if err := t.ctx.Err(); err != nil {
			return err
		}
		sess.History = append(sess.History,
			models.Message{Role: models.RoleUser, Content: t.input},
			models.Message{Role: models.RoleAssistant, Content: res.Answer},
		)
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to save turn: %w", err)
	}

	return res, nil
}

func (t *Turn) release() {
	t.cancel()

	t.engine.mu.Lock()
	defer t.engine.mu.Unlock()
	delete(t.engine.inFlight, t.sessionID)
}

func (e *Engine) update(ctx context.Context, id string, fn func(*models.Session) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.updateLocked(ctx, id, fn)
}

// updateLocked is update for callers already holding e.mu.
func (e *Engine) updateLocked(ctx context.Context, id string, fn func(*models.Session) error) error {
	sess, err := e.store.Session(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(&sess); err != nil {
		return err
	}
	sess.UpdatedAt = time.Now()
	return e.store.SaveSession(ctx, sess)
}
