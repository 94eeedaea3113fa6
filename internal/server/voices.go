package server

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/voice-service/internal/fsutil"
	"github.com/book-expert/voice-service/internal/synthesis"
	"github.com/book-expert/voice-service/internal/voice"
	"github.com/gin-gonic/gin"
)

// VoiceListResponse lists the custom voices.
type VoiceListResponse struct {
	Voices []voice.Record `json:"voices"`
	Total  int            `json:"total"`
}

// VoiceDeleteResponse acknowledges a deletion.
type VoiceDeleteResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	VoiceID string `json:"voice_id"`
}

// VoiceUpdateRequest carries the fields of a PATCH. Omitted fields are unchanged.
type VoiceUpdateRequest struct {
	Name *string `json:"name"`
	Text *string `json:"text"`
}

// ModelInfo describes a synthesis model in OpenAI list format.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelListResponse is the OpenAI-compatible model listing.
type ModelListResponse struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// HealthResponse reports service readiness.
type HealthResponse struct {
	synthesis.Health

	Timestamp string `json:"timestamp"`
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "Voice Service API",
		"version": Version,
		"health":  "/health",
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Health:    s.orchestrator.Health(c.Request.Context()),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleModels(c *gin.Context) {
	c.JSON(http.StatusOK, ModelListResponse{
		Object: "list",
		Data: []ModelInfo{{
			ID:      ModelID,
			Object:  "model",
			Created: time.Now().Unix(),
			OwnedBy: modelOwner,
		}},
	})
}

func (s *Server) handleCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"cache_stats": s.orchestrator.CacheStats(),
		"status":      "ok",
	})
}

func (s *Server) handleCachePreload(c *gin.Context) {
	warmed := s.orchestrator.PreloadCache(c.Request.Context())

	c.JSON(http.StatusOK, gin.H{
		"warmed":      warmed,
		"cache_stats": s.orchestrator.CacheStats(),
		"status":      "ok",
	})
}

// handleCacheClear drops the memory tier; disk entries stay and reload on demand.
func (s *Server) handleCacheClear(c *gin.Context) {
	s.orchestrator.ClearCacheMemory()

	c.JSON(http.StatusOK, gin.H{
		"cache_stats": s.orchestrator.CacheStats(),
		"status":      "ok",
	})
}

func (s *Server) handleCreateVoice(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxUploadBytes)

	fileHeader, err := c.FormFile("audio")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, ErrorResponse{
				Error:  titleInvalidRequest,
				Detail: fmt.Sprintf("upload exceeds %d bytes", s.opts.MaxUploadBytes),
				Code:   http.StatusRequestEntityTooLarge,
			})

			return
		}

		badRequest(c, "audio file is required")

		return
	}

	uploadPath, err := s.saveUpload(c, fileHeader)
	if err != nil {
		s.fail(c, err)

		return
	}

	defer func() {
		removeErr := os.Remove(uploadPath)
		if removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			s.log.Warn(logUploadCleanup, uploadPath, removeErr)
		}
	}()

	record, err := s.orchestrator.CreateVoice(c.Request.Context(), synthesis.CreateVoiceRequest{
		Name:          c.PostForm("name"),
		AudioPath:     uploadPath,
		ReferenceText: c.PostForm("text"),
	})
	if err != nil {
		s.fail(c, err)

		return
	}

	c.JSON(http.StatusOK, record)
}

// saveUpload stores the uploaded audio in a private temp file that keeps the
// original extension.
func (s *Server) saveUpload(c *gin.Context, fileHeader *multipart.FileHeader) (string, error) {
	ext := filepath.Ext(fsutil.SanitizeFilename(fileHeader.Filename))

	tmp, err := os.CreateTemp(s.opts.UploadDir, "voice-upload-*"+ext)
	if err != nil {
		return "", fmt.Errorf("failed to create upload file: %w", err)
	}

	path := tmp.Name()

	closeErr := tmp.Close()
	if closeErr != nil {
		_ = os.Remove(path)

		return "", fmt.Errorf("failed to create upload file: %w", closeErr)
	}

	saveErr := c.SaveUploadedFile(fileHeader, path)
	if saveErr != nil {
		_ = os.Remove(path)

		return "", fmt.Errorf("failed to store upload: %w", saveErr)
	}

	return path, nil
}

func (s *Server) handleListVoices(c *gin.Context) {
	records, err := s.orchestrator.ListVoices()
	if err != nil {
		s.fail(c, err)

		return
	}

	c.JSON(http.StatusOK, VoiceListResponse{Voices: records, Total: len(records)})
}

func (s *Server) handleGetVoice(c *gin.Context) {
	record, err := s.orchestrator.GetVoice(c.Param("id"))
	if err != nil {
		s.fail(c, err)

		return
	}

	c.JSON(http.StatusOK, record)
}

func (s *Server) handleUpdateVoice(c *gin.Context) {
	var request VoiceUpdateRequest

	bindErr := c.ShouldBindJSON(&request)
	if bindErr != nil {
		badRequest(c, bindErr.Error())

		return
	}

	record, err := s.orchestrator.UpdateVoice(c.Param("id"), voice.UpdateFields{
		Name:          request.Name,
		ReferenceText: request.Text,
	})
	if err != nil {
		s.fail(c, err)

		return
	}

	c.JSON(http.StatusOK, record)
}

func (s *Server) handleDeleteVoice(c *gin.Context) {
	voiceID := c.Param("id")

	err := s.orchestrator.DeleteVoice(voiceID)
	if err != nil {
		s.fail(c, err)

		return
	}

	c.JSON(http.StatusOK, VoiceDeleteResponse{
		Success: true,
		Message: fmt.Sprintf("Voice '%s' deleted", voiceID),
		VoiceID: voiceID,
	})
}
