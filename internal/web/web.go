package web

import (
	"embed"
	"io/fs"
)

//go:embed static
var files embed.FS

// Static returns the single-page UI assets rooted at the static directory.
func Static() fs.FS {
	sub, err := fs.Sub(files, "static")
	if err != nil {
		panic(err)
	}
	return sub
}

// Index returns the page served at "/".
func Index() []byte {
	data, err := files.ReadFile("static/index.html")
	if err != nil {
		panic(err)
	}
	return data
}
