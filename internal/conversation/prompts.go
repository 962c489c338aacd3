package conversation

import (
	"slices"

	"github.com/MegaGrindStone/rag-web-ui/internal/models"
)

// Prompts maps a mode to the system prompt prepended to its chat requests. A mode without an entry,
// or with an empty one, is sent without a system prompt.
type Prompts map[models.Mode]string

// DefaultHistoryWindow is the number of most recent history messages sent with a new request.
const DefaultHistoryWindow = 10

// DefaultPrompts returns the built-in system prompts.
func DefaultPrompts() Prompts {
	return Prompts{
		models.ModeRAG: "You are a Senior MEAL Expert. Answer questions based on the provided context.\n" +
			"IMPORTANT: Respond in the same language the user writes in.",
		models.ModeBasic: "You are a Senior MEAL Expert and RBM Specialist.\n" +
			"IMPORTANT: Respond in the same language the user writes in.",
		models.ModeSummarize: "Summarize the provided context comprehensively.\n" +
			"IMPORTANT: Respond in the same language the user writes in.",
	}
}

// Merge returns a copy of p with the non-empty entries of overrides applied on top.
func (p Prompts) Merge(overrides Prompts) Prompts {
	res := make(Prompts, len(p)+len(overrides))
	for m, s := range p {
		res[m] = s
	}
	for m, s := range overrides {
		if s != "" {
			res[m] = s
		}
	}
	return res
}

// BuildMessages assembles a chat request: the system prompt when there is one, then at most the
// last window messages of history in their original order, then the new user input.
func BuildMessages(systemPrompt string, history []models.Message, input string, window int) []models.Message {
	window = max(window, 0)
	if len(history) > window {
		history = history[len(history)-window:]
	}

	msgs := make([]models.Message, 0, len(history)+2)
	if systemPrompt != "" {
		msgs = append(msgs, models.Message{Role: models.RoleSystem, Content: systemPrompt})
	}
	msgs = append(msgs, slices.Clone(history)...)
	return append(msgs, models.Message{Role: models.RoleUser, Content: input})
}
