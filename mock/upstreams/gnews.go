package main

import (
	"fmt"
	"net/http"
	"time"
)

// newGNewsHandler returns an http.Handler that simulates the GNews API.
// Requests must carry the apikey query parameter the proxy injects.
func newGNewsHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	serveArticles := func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if r.URL.Query().Get("apikey") == "" {
			writeError(w, http.StatusUnauthorized, "missing apikey parameter")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeError(w, http.StatusInternalServerError, "mock internal error")
			return
		}

		now := time.Now().UTC().Format(time.RFC3339)
		writeJSON(w, http.StatusOK, map[string]any{
			"totalArticles": 2,
			"articles": []map[string]any{
				{
					"title":       "Markets steady as mock earnings season opens",
					"description": "A fabricated wire story served by the development simulator.",
					"content":     fakeSentence(cfg.ReplyWords),
					"url":         "https://news.example.com/articles/1",
					"image":       "https://news.example.com/images/1.jpg",
					"publishedAt": now,
					"source":      map[string]string{"name": "Example Wire", "url": "https://news.example.com"},
				},
				{
					"title":       "Regulators approve entirely fictional merger",
					"description": "Second fabricated story for list rendering.",
					"content":     fakeSentence(cfg.ReplyWords),
					"url":         "https://news.example.com/articles/2",
					"image":       "https://news.example.com/images/2.jpg",
					"publishedAt": now,
					"source":      map[string]string{"name": "Example Wire", "url": "https://news.example.com"},
				},
			},
		})
	}

	mux.HandleFunc("/search", serveArticles)
	mux.HandleFunc("/top-headlines", serveArticles)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}
