package templates

import (
	"embed"
	"html/template"
)

// SetupPage is the name the control server renders /setup with.
const SetupPage = "setup.html"

//go:embed setup.html
var pages embed.FS

// ParseSetup parses the control setup page shipped with the binary.
func ParseSetup() (*template.Template, error) {
	return template.ParseFS(pages, SetupPage)
}
