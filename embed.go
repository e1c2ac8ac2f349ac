package codeassistant

import "embed"

// TemplateFS contains the HTML templates of the web interface, split into layout, pages and
// partial views.
//
//go:embed templates/*
var TemplateFS embed.FS

// StaticFS contains the script and stylesheet served under /static/.
//
//go:embed static/*
var StaticFS embed.FS
