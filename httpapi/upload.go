package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/certmill/certmill/observability"
	"github.com/certmill/certmill/safety"
)

// uploadFieldName is the multipart field the browser client posts.
const uploadFieldName = "excelFile"

type uploadResponse struct {
	Message  string `json:"message"`
	FileName string `json:"fileName"`
	FilePath string `json:"filePath"`
	SocketID string `json:"socketId"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUpload)

	file, header, err := r.FormFile(uploadFieldName)
	if err != nil {
		writeError(w, http.StatusBadRequest, "no file uploaded")
		return
	}
	defer file.Close()

	name := storedName(header.Filename)
	dest, err := safety.SafePath(s.cfg.UploadsDir, name)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid file name")
		return
	}

	if err := os.MkdirAll(s.cfg.UploadsDir, 0o755); err != nil {
		s.logger.Error("create uploads dir", "error", err)
		writeError(w, http.StatusInternalServerError, "could not store file")
		return
	}
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		s.logger.Error("create upload file", "path", dest, "error", err)
		writeError(w, http.StatusInternalServerError, "could not store file")
		return
	}
	defer out.Close()
	if _, err := io.Copy(out, file); err != nil {
		os.Remove(dest)
		s.logger.Error("write upload", "path", dest, "error", err)
		writeError(w, http.StatusInternalServerError, "could not store file")
		return
	}

	socketID := s.newToken()
	s.logger.Info("file uploaded", "file", name, "socket_id", socketID)
	s.logEvent(r, observability.BusinessEvent{
		EventType:  observability.EventUpload,
		EntityType: "upload",
		EntityID:   name,
		Action:     "upload",
		Success:    true,
	})

	writeJSON(w, http.StatusOK, uploadResponse{
		Message:  "File uploaded successfully",
		FileName: name,
		FilePath: dest,
		SocketID: socketID,
	})
}

// storedName builds a collision-resistant on-disk name from the client's
// original file name. Path components and shell-hostile characters are
// stripped; a millisecond timestamp prefix keeps repeat uploads distinct.
func storedName(original string) string {
	base := filepath.Base(strings.ReplaceAll(original, "\\", "/"))
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	cleaned := b.String()
	if cleaned == "" || cleaned == "." || cleaned == ".." {
		cleaned = "upload"
	}
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), cleaned)
}
