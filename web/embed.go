// Package web embeds the HTML templates and static assets served by the
// HTTP front end.
package web

import "embed"

// Templates holds templates/*.tmpl. Each page defines "<name>-body",
// rendered inside "layout".
//
//go:embed templates/*.tmpl
var Templates embed.FS

// Static holds the files served under /static/.
//
//go:embed static
var Static embed.FS
