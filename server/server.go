// Package server contains misc HTTP server utilities.
package server

import (
	"encoding/json"
	"log"
	"net/http"

	goji "goji.io"
)

// RouteTable maps URL patterns to the handlers serving them.
type RouteTable map[goji.Pattern]http.HandlerFunc

// Bind attaches every route in the table to mux.
func (rt RouteTable) Bind(mux *goji.Mux) {
	for p, h := range rt {
		mux.HandleFunc(p, h)
	}
}

// HTTPer is an object which can yield its route table for binding.
type HTTPer interface {
	RT() RouteTable
}

// JSON replies with v encoded as a JSON body and the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encoding response: %v", err)
	}
}

// Error replies with {"error": ...} and the given status code.
func Error(w http.ResponseWriter, status int, err error) {
	JSON(w, status, map[string]string{"error": err.Error()})
}
