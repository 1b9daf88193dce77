package httpapi

import (
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/certmill/certmill/safety"
)

// downloadFrom serves files out of a single directory by URL parameter.
// Traversal attempts are rejected before the filesystem is touched.
func (s *Server) downloadFrom(dir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fileName := chi.URLParam(r, "fileName")
		path, err := safety.SafePath(dir, fileName)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid file name")
			return
		}
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			writeError(w, http.StatusNotFound, "file not found")
			return
		}
		w.Header().Set("Content-Disposition", `attachment; filename="`+fileName+`"`)
		http.ServeFile(w, r, path)
	}
}
