package main

import (
	"fmt"
	"net/http"
	"strings"
)

// newKBOHandler returns an http.Handler that simulates the KBO company
// registry API.  Requests must carry the bearer token the proxy injects.
func newKBOHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	// GET /v1/companies  (search by name, ?q=)
	mux.HandleFunc("/v1/companies", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if bearerToken(r) == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeError(w, http.StatusInternalServerError, "mock internal error")
			return
		}

		q := r.URL.Query().Get("q")
		writeJSON(w, http.StatusOK, map[string]any{
			"query": q,
			"total": 2,
			"results": []map[string]string{
				{"enterprise_number": "0403.170.701", "name": "Mock Ventures BV"},
				{"enterprise_number": "0417.497.106", "name": "Fabriek van Voorbeelden NV"},
			},
		})
	})

	// GET /v1/companies/{number}
	mux.HandleFunc("/v1/companies/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if bearerToken(r) == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeError(w, http.StatusInternalServerError, "mock internal error")
			return
		}

		number := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/companies/"), "/")
		if number == "" {
			writeError(w, http.StatusBadRequest, "enterprise number required")
			return
		}
		writeJSON(w, http.StatusOK, companyPayload(number, r.Header.Get("Accept-Language")))
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

// companyPayload fabricates a company record.  The legal form is localised
// so the Accept-Language header the proxy injects is visible in responses.
func companyPayload(number, lang string) map[string]any {
	legalForm := "Naamloze vennootschap"
	if strings.HasPrefix(lang, "fr") {
		legalForm = "Société anonyme"
	}
	return map[string]any{
		"enterprise_number":   number,
		"name":                "Mock Ventures BV",
		"status":              "active",
		"legal_form":          legalForm,
		"juridical_situation": "normal",
		"start_date":          "2001-04-17",
		"addresses": []map[string]string{{
			"type":        "registered_office",
			"street":      "Kunstlaan 12",
			"postal_code": "1000",
			"city":        "Brussel",
			"country":     "BE",
		}},
		"nace_codes": []map[string]string{
			{"code": "62.010", "description": "Computer programming activities"},
		},
	}
}
