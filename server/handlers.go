package server

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"lukechampine.com/blake3"

	"github.com/lon9/upscale-go/upscaler"
)

type jsonResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message,omitempty"`
	File    string `json:"file,omitempty"`
	Digest  string `json:"blake3,omitempty"`
}

type upscaleRequest struct {
	Filename string `json:"filename"`
}

func respond(c *gin.Context, status int, msg, file string) {
	c.JSON(status, jsonResponse{Status: status, Message: msg, File: file})
}

func (s *Server) healthz(c *gin.Context) {
	msg := "initializing"
	if s.service.Ready() {
		msg = "ready"
	}
	respond(c, http.StatusOK, msg, "")
}

func (s *Server) upscaleFile(c *gin.Context) {
	var req upscaleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, "failed to parse request body", "")
		return
	}
	if req.Filename == "" {
		respond(c, http.StatusNotFound, "no file provided", "")
		return
	}

	name, ok := sanitize(req.Filename)
	if !ok {
		respond(c, http.StatusNotFound, fmt.Sprintf("file %s not found", req.Filename), req.Filename)
		return
	}
	path := filepath.Join(s.storageDir, name)
	if stat, err := os.Stat(path); err != nil || stat.IsDir() {
		respond(c, http.StatusNotFound, fmt.Sprintf("file %s not found", name), name)
		return
	}

	res := s.service.Run(path)
	if !res.OK() {
		s.logger.Warn("upscale failed",
			zap.String("request_id", c.GetString("request_id")),
			zap.Stringer("kind", res.Err.Kind),
			zap.Error(res.Err),
		)
		respond(c, statusFor(res.Err.Kind), "encountered error: "+res.Err.Error(), name)
		return
	}
	respond(c, http.StatusOK, "success", res.Filename)
}

func statusFor(k upscaler.Kind) int {
	switch k {
	case upscaler.KindNotInitialized:
		return http.StatusServiceUnavailable
	case upscaler.KindDecode:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) uploadFile(c *gin.Context) {
	// leave room for the multipart envelope around the file itself
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUpload+1<<20)

	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respond(c, http.StatusRequestEntityTooLarge, "file size is too large", "")
			return
		}
		respond(c, http.StatusBadRequest, "error extracting file from request", "")
		return
	}
	if header.Size > s.maxUpload {
		respond(c, http.StatusRequestEntityTooLarge, "file size is too large", "")
		return
	}

	name, ok := sanitize(header.Filename)
	if !ok || !s.allowedExtension(name) {
		respond(c, http.StatusBadRequest, "file type is not allowed", "")
		return
	}

	content, err := header.Open()
	if err != nil {
		respond(c, http.StatusBadRequest, "failed to open file", "")
		return
	}
	defer content.Close()

	data, err := io.ReadAll(io.LimitReader(content, s.maxUpload+1))
	if err != nil {
		respond(c, http.StatusBadRequest, "failed to read file", "")
		return
	}
	if mtype := mimetype.Detect(data); !strings.HasPrefix(mtype.String(), "image/") {
		respond(c, http.StatusBadRequest, "file content is not an image", "")
		return
	}

	if err := os.WriteFile(filepath.Join(s.storageDir, name), data, 0o644); err != nil {
		s.logger.Error("failed to store upload", zap.String("file", name), zap.Error(err))
		respond(c, http.StatusInternalServerError, "error saving file data", "")
		return
	}

	sum := blake3.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	s.logger.Info("file uploaded", zap.String("file", name), zap.Int("bytes", len(data)), zap.String("blake3", digest))
	c.JSON(http.StatusOK, jsonResponse{
		Status:  http.StatusOK,
		Message: "file uploaded successfully",
		File:    name,
		Digest:  digest,
	})
}

func (s *Server) listFiles(c *gin.Context) {
	entries, err := os.ReadDir(s.storageDir)
	if err != nil {
		respond(c, http.StatusInternalServerError, "failed to read storage directory", "")
		return
	}

	files := []string{}
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	c.JSON(http.StatusOK, gin.H{"status": http.StatusOK, "files": files})
}

func (s *Server) getFile(c *gin.Context) {
	name, ok := sanitize(c.Param("filename"))
	if !ok || !s.exists(name) {
		respond(c, http.StatusNotFound, "file not found", "")
		return
	}
	respond(c, http.StatusOK, "file found", name)
}

func (s *Server) deleteFile(c *gin.Context) {
	name, ok := sanitize(c.Param("filename"))
	if !ok || !s.exists(name) {
		respond(c, http.StatusNotFound, "file not found", "")
		return
	}
	if err := os.Remove(filepath.Join(s.storageDir, name)); err != nil {
		s.logger.Error("failed to remove file", zap.String("file", name), zap.Error(err))
		respond(c, http.StatusInternalServerError, "failed to remove file", name)
		return
	}
	respond(c, http.StatusOK, "file successfully deleted", name)
}

func (s *Server) exists(name string) bool {
	stat, err := os.Stat(filepath.Join(s.storageDir, name))
	return err == nil && stat.Mode().IsRegular()
}

func (s *Server) allowedExtension(name string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	return ext != "" && slices.Contains(s.allowed, ext)
}

// sanitize reduces a client supplied name to a plain file name inside the
// storage directory.
func sanitize(name string) (string, bool) {
	name = strings.ReplaceAll(name, "../", "")
	name = filepath.Base(filepath.Clean("/" + name))
	if name == "/" || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return "", false
	}
	return name, true
}
