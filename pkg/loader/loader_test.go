package loader_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarlsen/ragline/pkg/loader"
)

func TestFileLoaderWalksDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.md"), []byte("# Notes\nsome text"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plain.txt"), []byte("plain text body"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "binary.bin"), []byte{0x00, 0x01}, 0o644))

	docs, err := loader.NewFileLoader(nil).Load(dir)
	require.NoError(t, err)
	require.Len(t, docs, 2, "unsupported extensions are skipped")

	for _, doc := range docs {
		assert.NotEmpty(t, doc.ID)
		assert.NotEmpty(t, doc.Content)
		assert.NotEmpty(t, doc.Source)
		assert.Contains(t, doc.Metadata, "extension")
	}
}

func TestFileLoaderIDIsStable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte("content"), 0o644))

	l := loader.NewFileLoader(nil)
	first, err := l.Load(path)
	require.NoError(t, err)
	second, err := l.Load(path)
	require.NoError(t, err)

	assert.Equal(t, first[0].ID, second[0].ID, "re-loading the same path must upsert, not duplicate")
}

func TestFileLoaderRejectsUnsupportedSingleFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.png")
	require.NoError(t, os.WriteFile(path, []byte("not really"), 0o644))

	_, err := loader.NewFileLoader(nil).Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported file type")
}

func TestWebLoaderFollowsSameHostLinks(t *testing.T) {
	mux := http.NewServeMux()
	var server *httptest.Server
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><head><title>Home</title></head>
			<body><main>welcome home page</main>
			<a href="/about">about</a>
			<a href="https://elsewhere.example.com/">external</a></body></html>`)
	})
	mux.HandleFunc("/about", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><head><title>About</title></head>
			<body><main>about page content</main></body></html>`)
	})
	server = httptest.NewServer(mux)
	defer server.Close()

	var visited []string
	l, err := loader.NewWebLoader(loader.WebLoaderConfig{
		BaseURL:    server.URL + "/",
		MaxDepth:   2,
		RateLimit:  100,
		OnProgress: func(url string) { visited = append(visited, url) },
	})
	require.NoError(t, err)

	docs, err := l.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 2, "the external host must not be crawled")

	assert.Equal(t, server.URL+"/", docs[0].Source)
	assert.Equal(t, "welcome home page", docs[0].Content)
	assert.Equal(t, "Home", docs[0].Metadata["title"])
	assert.Equal(t, "about page content", docs[1].Content)
	assert.Len(t, visited, 2)
}

func TestWebLoaderHonorsIgnorePatterns(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><body><main>root</main>
			<a href="/admin/login">admin</a></body></html>`)
	})
	mux.HandleFunc("/admin/login", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><body><main>secret</main></body></html>`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	l, err := loader.NewWebLoader(loader.WebLoaderConfig{
		BaseURL:        server.URL + "/",
		RateLimit:      100,
		IgnorePatterns: []string{"/admin"},
	})
	require.NoError(t, err)

	docs, err := l.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "root", docs[0].Content)
}
