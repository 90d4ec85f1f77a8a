// Package boottmpl renders boot scripts and answer files from
// operator-authored templates. The contract is deliberately narrow:
// render(template, context) -> bytes, nothing else.
package boottmpl

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"
)

// Context is what a boot template sees. Extra carries the free-form
// per-machine keys from hardware.cfg.
type Context struct {
	ServerHost string
	ServerPort string
	Machine    string
	Alias      string
	Profile    string
	Filename   string
	Hostname   string
	Extra      map[string]string
}

var funcMap = template.FuncMap{
	"default": func(value, fallback string) string {
		if strings.TrimSpace(value) == "" {
			return fallback
		}
		return value
	},
	"join":    strings.Join,
	"replace": strings.ReplaceAll,
}

// Render parses the template file and executes it with the given context.
// Templates are plain text; boot scripts and answer files must come out
// byte-exact, so no escaping of any kind is applied.
func Render(path string, ctx *Context) (rendered []byte, err error) {
	var content []byte
	if content, err = os.ReadFile(path); err != nil {
		return
	}

	var tpl *template.Template
	if tpl, err = template.New(path).Funcs(funcMap).Parse(string(content)); err != nil {
		err = fmt.Errorf("parse template %s: %w", path, err)
		return
	}

	var buf bytes.Buffer
	if err = tpl.Execute(&buf, ctx); err != nil {
		err = fmt.Errorf("render template %s: %w", path, err)
		return
	}

	rendered = buf.Bytes()
	return
}
