package server

import (
	"net/http"

	"github.com/gin-contrib/static"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

const usageInfo = `POST: /upload, /upscale
GET: /files, /files/<filename>, /uploads/<filename>, /healthz
DELETE: /files/<filename>
`

func (s *Server) setupRoutes() {
	s.ginEngine.Use(static.Serve("/uploads", static.LocalFile(s.storageDir, false)))

	s.ginEngine.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, usageInfo)
	})
	s.ginEngine.GET("/healthz", s.healthz)

	s.ginEngine.POST("/upload", s.uploadFile)
	s.ginEngine.POST("/upscale", s.upscaleFile)

	s.ginEngine.GET("/files", s.listFiles)
	s.ginEngine.GET("/files/:filename", s.getFile)
	s.ginEngine.DELETE("/files/:filename", s.deleteFile)
}

// requestID tags every request and response with an id, reusing the
// caller's when present.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}
