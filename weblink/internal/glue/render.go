package glue

import (
	"bytes"
	"embed"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"github.com/wippyai/weblink/errors"
)

//go:embed templates/*.js.tmpl
var templateFS embed.FS

var defaultTemplates = template.Must(
	template.New("glue").Funcs(funcs).ParseFS(templateFS, "templates/*.js.tmpl"),
)

var funcs = template.FuncMap{
	"indent": indent,
	"quote":  strconv.Quote,
}

// Params selects the skeleton and supplies the fragments to render.
type Params struct {
	Fragments      []Fragment
	Entry          string
	RuntimeVersion string
	Template       string // caller-provided skeleton, overrides the default
	Runtime        bool
}

type templateData struct {
	Fragments      []Fragment
	Module         string
	Entry          string
	RuntimeVersion string
}

// Render concatenates the fragments in order into the selected skeleton.
// Two fragments with the same binding are a glue_template error.
func Render(p Params) (string, error) {
	seen := make(map[string]Fragment, len(p.Fragments))
	for _, f := range p.Fragments {
		if prev, ok := seen[f.Binding]; ok {
			return "", errors.GlueTemplate(
				fmt.Sprintf("binding collision: %s satisfies both %s and %s", f.Binding, prev.Origin(), f.Origin()), nil)
		}
		seen[f.Binding] = f
	}

	var tmpl *template.Template
	if p.Template != "" {
		t, err := template.New("custom").Funcs(funcs).Parse(p.Template)
		if err != nil {
			return "", errors.GlueTemplate("parse skeleton", err)
		}
		tmpl = t
	} else {
		name := "native.js.tmpl"
		if p.Runtime {
			name = "runtime.js.tmpl"
		}
		tmpl = defaultTemplates.Lookup(name)
	}

	data := templateData{
		Fragments:      p.Fragments,
		Module:         Module,
		Entry:          p.Entry,
		RuntimeVersion: p.RuntimeVersion,
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", errors.GlueTemplate("execute skeleton", err)
	}
	return buf.String(), nil
}

// indent prefixes every line of s after the first with n spaces.
func indent(n int, s string) string {
	pad := strings.Repeat(" ", n)
	return strings.ReplaceAll(s, "\n", "\n"+pad)
}
