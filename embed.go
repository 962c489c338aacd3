// Package ragwebui bundles the browser assets of the PrivateGPT chat: the htmx page templates and
// the static files they load.
package ragwebui

import "embed"

// TemplateFS holds the page, layout and partial templates. Partials are rendered on their own as
// htmx swaps and SSE payloads.
//
//go:embed templates/*
var TemplateFS embed.FS

// StaticFS holds the stylesheet and the client script.
//
//go:embed static/*
var StaticFS embed.FS
