package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"patapim-server/internal/logging"
	"patapim-server/internal/releases"
)

func (s *Server) handleDownloadInfo(c *gin.Context) {
	if s.svc.Releases == nil {
		respondError(c, releases.ErrNoReleases)
		return
	}
	m, err := s.svc.Releases.Manifest(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.Header("Cache-Control", "public, max-age=60")
	c.JSON(http.StatusOK, m)
}

func (s *Server) handleDownloadLatest(c *gin.Context) {
	if s.svc.Releases == nil {
		respondError(c, releases.ErrNoReleases)
		return
	}
	a, err := s.svc.Releases.Installer(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	s.streamArtifact(c, a, "installer", "application/octet-stream")
}

func (s *Server) handleDownloadZip(c *gin.Context) {
	if s.svc.Releases == nil {
		respondError(c, releases.ErrNoReleases)
		return
	}
	a, err := s.svc.Releases.Zip(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	s.streamArtifact(c, a, "zip", "application/zip")
}

// streamArtifact copies a to the client and counts the download once the
// body has been written in full
func (s *Server) streamArtifact(c *gin.Context, a *releases.Artifact, kind, contentType string) {
	defer a.Close()

	h := c.Writer.Header()
	h.Set("Content-Type", contentType)
	h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.Name))
	if a.Size >= 0 {
		h.Set("Content-Length", strconv.FormatInt(a.Size, 10))
	}
	h.Set("Cache-Control", "public, max-age=3600")
	h.Set("X-Patapim-Version", a.Version)
	c.Status(http.StatusOK)

	if _, err := io.Copy(c.Writer, a); err != nil {
		reqLog := logging.FromContext(c.Request.Context())
		reqLog.Warn().Err(err).Str("file", a.Name).Msg("Download interrupted")
		return
	}

	if s.svc.Bus != nil {
		s.svc.Bus.PublishDownload(kind, a.Version, countryOf(c))
	}
}
