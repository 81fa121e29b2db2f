// Package problem writes RFC 7807 problem documents.
package problem

import (
	"encoding/json"
	"net/http"
	"strings"
)

const (
	ContentType = "application/problem+json"
	baseTypeURL = "https://errors.tapcoin.app/"
)

// Details represents RFC 7807 Problem Details.
type Details struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail"`
	Instance  string `json:"instance"`
	RequestID string `json:"request_id"`
	// Code is the slug of Type, e.g. "wallet/insufficient-balance", for Mini App
	// clients that switch on error kind.
	Code string `json:"code,omitempty"`
}

// Type returns the absolute problem type URI for slug.
func Type(slug string) string {
	return baseTypeURL + slug
}

// New builds a problem document for r. An empty title defaults to the status text.
func New(r *http.Request, status int, problemType, title, detail string) Details {
	if title == "" {
		title = http.StatusText(status)
	}
	if problemType == "" {
		problemType = "about:blank"
	}
	code := strings.TrimPrefix(problemType, baseTypeURL)
	if code == problemType {
		code = ""
	}
	d := Details{
		Type:   problemType,
		Title:  title,
		Status: status,
		Detail: detail,
		Code:   code,
	}
	if r != nil {
		d.Instance = r.URL.Path
		d.RequestID = r.Header.Get("X-Trace-ID")
	}
	return d
}

// Write sends a problem document.
func Write(w http.ResponseWriter, r *http.Request, status int, problemType, title, detail string) {
	d := New(r, status, problemType, title, detail)
	if d.RequestID == "" {
		d.RequestID = w.Header().Get("X-Trace-ID")
	}

	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(d)
}
