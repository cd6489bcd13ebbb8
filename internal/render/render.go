// Package render turns (namespace, format, data) into text.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"io"
	"io/fs"
	"path"
	"strings"
	"sync"
	texttemplate "text/template"

	"noticed/internal/locale"
)

var ErrTemplateNotFound = errors.New("template not found")

// Renderer is the template collaborator used by channels.
type Renderer interface {
	Render(ctx context.Context, namespace, format string, data map[string]any) (string, error)
}

// Templates renders files from an fs.FS laid out as <namespace>/<format>,
// with <format> at the root as the shared fallback.
//
// When the context carries a locale, <namespace>/<locale>/<format> is tried
// first. Formats ending in ".html" are parsed with html/template.
type Templates struct {
	fsys  fs.FS
	funcs map[string]any

	mu    sync.Mutex
	cache map[string]executor
}

type executor interface {
	Execute(w io.Writer, data any) error
}

type textExec struct{ t *texttemplate.Template }

func (e textExec) Execute(w io.Writer, data any) error {
	return e.t.Execute(w, data)
}

type htmlExec struct{ t *htmltemplate.Template }

func (e htmlExec) Execute(w io.Writer, data any) error {
	return e.t.Execute(w, data)
}

func NewTemplates(fsys fs.FS) *Templates {
	return &Templates{
		fsys:  fsys,
		cache: map[string]executor{},
		funcs: map[string]any{
			"trim":  strings.TrimSpace,
			"upper": strings.ToUpper,
		},
	}
}

func (t *Templates) Render(ctx context.Context, namespace, format string, data map[string]any) (string, error) {
	for _, name := range candidates(ctx, namespace, format) {
		ex, err := t.load(name)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		var buf bytes.Buffer
		if err := ex.Execute(&buf, data); err != nil {
			return "", fmt.Errorf("render %s: %w", name, err)
		}
		return buf.String(), nil
	}
	return "", fmt.Errorf("%w: %s/%s", ErrTemplateNotFound, namespace, format)
}

func candidates(ctx context.Context, namespace, format string) []string {
	out := make([]string, 0, 3)
	if namespace != "" {
		if id, ok := locale.FromContext(ctx); ok {
			out = append(out, path.Join(namespace, string(id), format))
		}
		out = append(out, path.Join(namespace, format))
	}
	return append(out, format)
}

func (t *Templates) load(name string) (executor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ex, ok := t.cache[name]; ok {
		return ex, nil
	}
	b, err := fs.ReadFile(t.fsys, name)
	if err != nil {
		return nil, err
	}
	var ex executor
	if strings.HasSuffix(name, ".html") {
		tpl, err := htmltemplate.New(name).Funcs(t.funcs).Parse(string(b))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		ex = htmlExec{tpl}
	} else {
		tpl, err := texttemplate.New(name).Funcs(t.funcs).Option("missingkey=zero").Parse(string(b))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		ex = textExec{tpl}
	}
	t.cache[name] = ex
	return ex, nil
}

// Func is a Renderer backed by a plain function. Handy in tests.
type Func func(ctx context.Context, namespace, format string, data map[string]any) (string, error)

func (f Func) Render(ctx context.Context, namespace, format string, data map[string]any) (string, error) {
	return f(ctx, namespace, format, data)
}
