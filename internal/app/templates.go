package app

import (
	"embed"
	"errors"
	"io/fs"
	"os"
)

//go:embed templates
var builtin embed.FS

// templateFS serves dir first and the built-in defaults for anything dir lacks.
func templateFS(dir string) fs.FS {
	base, err := fs.Sub(builtin, "templates")
	if err != nil {
		panic(err)
	}
	if dir == "" {
		return base
	}
	return overlay{top: os.DirFS(dir), base: base}
}

type overlay struct{ top, base fs.FS }

func (o overlay) Open(name string) (fs.File, error) {
	f, err := o.top.Open(name)
	if errors.Is(err, fs.ErrNotExist) {
		return o.base.Open(name)
	}
	return f, err
}
