package web

import (
	"bytes"
	"io/fs"
	"testing"
)

func TestIndexCarriesUploadAffordances(t *testing.T) {
	page := Index()
	for _, want := range []string{`accept="image/*"`, `download="masked_output.png"`, `/static/app.js`} {
		if !bytes.Contains(page, []byte(want)) {
			t.Fatalf("index.html missing %s", want)
		}
	}
}

func TestStaticServesAssets(t *testing.T) {
	for _, name := range []string{"app.js", "app.css", "index.html"} {
		if _, err := fs.Stat(Static(), name); err != nil {
			t.Fatalf("missing asset %s: %v", name, err)
		}
	}
}

func TestScriptUsesOnlyTheTwoNotices(t *testing.T) {
	script, err := fs.ReadFile(Static(), "app.js")
	if err != nil {
		t.Fatalf("read app.js: %v", err)
	}
	for _, want := range []string{
		`"Please upload an image first!"`,
		`"Masking failed. Check if backend is running."`,
		`"X-Session-Token"`,
	} {
		if !bytes.Contains(script, []byte(want)) {
			t.Fatalf("app.js missing %s", want)
		}
	}
	if bytes.Contains(script, []byte("err.message ||")) {
		t.Fatal("app.js must not surface raw error messages for failed uploads")
	}
}
