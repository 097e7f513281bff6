package handler

import (
	"errors"
	"io"
	"net/http"

	"enquirychat/internal/logger"
)

const multipartMemory = 8 << 20

// UploadMedia handles POST /api/messages/upload. The returned object is
// sent back by the client in a sendMessage event.
func (h *Handler) UploadMedia(w http.ResponseWriter, r *http.Request) {
	if h.Media == nil {
		writeError(w, http.StatusServiceUnavailable, "Uploads are not configured")
		return
	}

	// leave room for the multipart framing around the file itself
	r.Body = http.MaxBytesReader(w, r.Body, h.Config.MediaMaxBytes+maxBodyBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "File too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	if header.Size > h.Config.MediaMaxBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "File too large")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		sniff := make([]byte, 512)
		n, _ := io.ReadFull(file, sniff)
		contentType = http.DetectContentType(sniff[:n])
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			fail(w, r, err)
			return
		}
	}

	obj, err := h.Media.Put(r.Context(), header.Filename, contentType, file, header.Size)
	if err != nil {
		fail(w, r, err)
		return
	}
	logger.Info("media_upload", "user", caller(r).UserID, "key", obj.Key, "size", obj.Size)
	writeJSON(w, http.StatusCreated, obj)
}

type tokenRequest struct {
	Token string `json:"token"`
}

// RegisterToken handles POST /api/push/tokens
func (h *Handler) RegisterToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.Service.SaveDeviceToken(r.Context(), caller(r).UserID, req.Token); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
