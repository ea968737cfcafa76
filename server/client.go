package server

import (
	"embed"
	"net/http"
)

//go:embed client/*.html
var clientFS embed.FS

// handleClientPage serves the embedded in-browser harness. Remote sessions
// are navigated here with their session id, socket port and suite list in
// the query string.
func (s *Server) handleClientPage(w http.ResponseWriter, r *http.Request) {
	data, err := clientFS.ReadFile("client/client.html")
	if err != nil {
		http.Error(w, "client page missing", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data) //nolint:errcheck
}
