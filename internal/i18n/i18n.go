// Package i18n holds the user interface strings of every supported language.
package i18n

import (
	"golang.org/x/text/language"
)

// Strings is the set of user interface strings of one language.
type Strings struct {
	Lang string

	Title            string
	WelcomeTitle     string
	WelcomeText      string
	Placeholder      string
	Send             string
	NoFiles          string
	Uploading        string
	Thinking         string
	NoResults        string
	ConfirmDeleteAll string
	Sources          string
	Error            string
	Documents        string
	UploadHint       string
	DeleteAll        string
	ClearChat        string
	Mode             string
	Language         string
	Busy             string

	Modes map[string]string
}

// DefaultLanguage is used when no supported language matches.
const DefaultLanguage = "en"

var catalog = map[string]Strings{
	"en": {
		Lang:             "en",
		Title:            "PrivateGPT",
		WelcomeTitle:     "Welcome to PrivateGPT",
		WelcomeText:      "Your private MEAL Expert. Upload documents and ask questions.",
		Placeholder:      "Ask a question about MEAL, indicators, or your documents...",
		Send:             "Send",
		NoFiles:          "No files uploaded yet",
		Uploading:        "Uploading...",
		Thinking:         "Thinking...",
		NoResults:        "No results found.",
		ConfirmDeleteAll: "Are you sure you want to delete all files?",
		Sources:          "Sources:",
		Error:            "Error",
		Documents:        "Documents",
		UploadHint:       "Drop files here or click to upload",
		DeleteAll:        "Delete all",
		ClearChat:        "Clear chat",
		Mode:             "Mode",
		Language:         "Language",
		Busy:             "Please wait for the current answer to finish.",
		Modes: map[string]string{
			"rag":       "Query Docs",
			"basic":     "LLM Chat",
			"search":    "Search Docs",
			"summarize": "Summarize",
		},
	},
	"es": {
		Lang:             "es",
		Title:            "PrivateGPT",
		WelcomeTitle:     "Bienvenido a PrivateGPT",
		WelcomeText:      "Tu experto MEAL privado. Sube documentos y haz preguntas.",
		Placeholder:      "Haz una pregunta sobre MEAL, indicadores, o tus documentos...",
		Send:             "Enviar",
		NoFiles:          "No hay archivos cargados",
		Uploading:        "Subiendo...",
		Thinking:         "Pensando...",
		NoResults:        "No se encontraron resultados.",
		ConfirmDeleteAll: "¿Estás seguro de eliminar todos los archivos?",
		Sources:          "Fuentes:",
		Error:            "Error",
		Documents:        "Documentos",
		UploadHint:       "Suelta archivos aquí o haz clic para subir",
		DeleteAll:        "Eliminar todo",
		ClearChat:        "Limpiar chat",
		Mode:             "Modo",
		Language:         "Idioma",
		Busy:             "Espera a que termine la respuesta actual.",
		Modes: map[string]string{
			"rag":       "Consultar documentos",
			"basic":     "Chat LLM",
			"search":    "Buscar en documentos",
			"summarize": "Resumir",
		},
	},
}

// Languages lists the supported language codes, the default first.
var Languages = []string{"en", "es"}

var matcher = language.NewMatcher([]language.Tag{
	language.English,
	language.Spanish,
})

// Lookup returns the strings of lang, falling back to the default language.
func Lookup(lang string) Strings {
	if s, ok := catalog[lang]; ok {
		return s
	}
	return catalog[DefaultLanguage]
}

// Supported reports whether lang has its own strings.
func Supported(lang string) bool {
	_, ok := catalog[lang]
	return ok
}

// Negotiate picks the supported language that best matches an Accept-Language header value.
func Negotiate(acceptLanguage string) string {
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return DefaultLanguage
	}

	_, idx, conf := matcher.Match(tags...)
	if conf == language.No {
		return DefaultLanguage
	}
	return Languages[idx]
}
