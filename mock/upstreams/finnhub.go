package main

import (
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"
)

// newFinnhubHandler returns an http.Handler that simulates the Finnhub API.
// Requests must carry the token query parameter the proxy injects.
func newFinnhubHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	guard := func(w http.ResponseWriter, r *http.Request) bool {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return false
		}
		if r.URL.Query().Get("token") == "" {
			writeError(w, http.StatusUnauthorized, "Invalid API key")
			return false
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeError(w, http.StatusInternalServerError, "mock internal error")
			return false
		}
		return true
	}

	// GET /quote?symbol=AAPL
	mux.HandleFunc("/quote", func(w http.ResponseWriter, r *http.Request) {
		if !guard(w, r) {
			return
		}
		prev := 180 + rand.Float64()*20
		current := prev * (0.98 + rand.Float64()*0.04)
		writeJSON(w, http.StatusOK, map[string]any{
			"c":  round2(current),
			"d":  round2(current - prev),
			"dp": round2((current - prev) / prev * 100),
			"h":  round2(current * 1.01),
			"l":  round2(current * 0.99),
			"o":  round2(prev * 1.002),
			"pc": round2(prev),
			"t":  time.Now().Unix(),
		})
	})

	// GET /stock/profile2?symbol=AAPL
	mux.HandleFunc("/stock/profile2", func(w http.ResponseWriter, r *http.Request) {
		if !guard(w, r) {
			return
		}
		symbol := r.URL.Query().Get("symbol")
		if symbol == "" {
			symbol = "MOCK"
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"ticker":               symbol,
			"name":                 "Mock Industries Inc",
			"country":              "US",
			"currency":             "USD",
			"exchange":             "NASDAQ NMS - GLOBAL MARKET",
			"ipo":                  "1996-05-14",
			"marketCapitalization": 51234.5,
			"shareOutstanding":     310.2,
			"finnhubIndustry":      "Technology",
			"weburl":               "https://mock.example.com",
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

func round2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}
