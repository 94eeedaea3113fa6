package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/book-expert/voice-service/internal/synthesis"
	"github.com/gin-gonic/gin"
	"google.golang.org/api/iterator"
)

// Audio response headers.
const (
	HeaderSampleRate  = "X-Sample-Rate"
	HeaderChannels    = "X-Channels"
	HeaderBitDepth    = "X-Bit-Depth"
	HeaderStreamError = "X-Stream-Error"

	contentTypeWAV = "audio/wav"
	contentTypePCM = "audio/pcm"
	wavDisposition = "attachment; filename=speech.wav"
)

// SpeechRequest is the OpenAI-compatible speech request.
type SpeechRequest struct {
	Input          string   `json:"input"`
	Voice          string   `json:"voice"`
	Model          string   `json:"model"`
	ResponseFormat string   `json:"response_format"`
	Speed          *float64 `json:"speed"`
}

// SimpleTTSRequest is the minimal synthesis request.
type SimpleTTSRequest struct {
	Text    string   `json:"text"`
	VoiceID string   `json:"voice_id"`
	Speed   *float64 `json:"speed"`
	Stream  bool     `json:"stream"`
}

func (s *Server) handleSpeech(c *gin.Context) {
	var request SpeechRequest

	bindErr := c.ShouldBindJSON(&request)
	if bindErr != nil {
		badRequest(c, bindErr.Error())

		return
	}

	if request.Model != "" && request.Model != ModelID {
		badRequest(c, fmt.Sprintf("unknown model %q, use %q", request.Model, ModelID))

		return
	}

	mode, err := synthesis.ParseMode(request.ResponseFormat)
	if err != nil {
		s.fail(c, err)

		return
	}

	speed, ok := s.validSpeed(c, request.Speed)
	if !ok {
		return
	}

	s.synthesize(c, synthesis.Request{
		Text:    request.Input,
		VoiceID: request.Voice,
		Speed:   speed,
		Mode:    mode,
	})
}

func (s *Server) handleSimpleTTS(c *gin.Context) {
	var request SimpleTTSRequest

	bindErr := c.ShouldBindJSON(&request)
	if bindErr != nil {
		badRequest(c, bindErr.Error())

		return
	}

	mode := synthesis.ModeComplete
	if request.Stream {
		mode = synthesis.ModeStream
	}

	speed, ok := s.validSpeed(c, request.Speed)
	if !ok {
		return
	}

	s.synthesize(c, synthesis.Request{
		Text:    request.Text,
		VoiceID: request.VoiceID,
		Speed:   speed,
		Mode:    mode,
	})
}

// validSpeed rejects an explicit zero or negative speed, which the orchestrator
// would otherwise treat as "use the default".
func (s *Server) validSpeed(c *gin.Context, speed *float64) (float64, bool) {
	resolved, err := s.resolveSpeed(speed)
	if err != nil {
		badRequest(c, err.Error())

		return 0, false
	}

	return resolved, true
}

func (s *Server) resolveSpeed(speed *float64) (float64, error) {
	options := s.orchestrator.Options()

	if speed == nil {
		return options.DefaultSpeed, nil
	}

	if *speed <= 0 {
		return 0, fmt.Errorf("speed must be between %.1f and %.1f, got %v",
			options.MinSpeed, options.MaxSpeed, *speed)
	}

	return *speed, nil
}

func (s *Server) synthesize(c *gin.Context, request synthesis.Request) {
	if request.Mode == synthesis.ModeStream {
		s.streamPCM(c, request)

		return
	}

	result, err := s.orchestrator.Synthesize(c.Request.Context(), request)
	if err != nil {
		s.fail(c, err)

		return
	}

	c.Header("Content-Disposition", wavDisposition)
	c.Header(HeaderSampleRate, strconv.Itoa(result.Format.SampleRate))
	c.Data(http.StatusOK, contentTypeWAV, result.Data)
}

// streamPCM writes raw PCM as it is generated. Errors before the first chunk get a
// normal error response; later errors can only be reported in the X-Stream-Error
// trailer because the status line has already been sent.
func (s *Server) streamPCM(c *gin.Context, request synthesis.Request) {
	stream, err := s.orchestrator.Stream(c.Request.Context(), request)
	if err != nil {
		s.fail(c, err)

		return
	}
	defer stream.Close()

	first, err := stream.Next()
	if err != nil && !errors.Is(err, iterator.Done) {
		s.fail(c, err)

		return
	}

	format := stream.Format()
	header := c.Writer.Header()
	header.Set("Content-Type", contentTypePCM)
	header.Set(HeaderSampleRate, strconv.Itoa(format.SampleRate))
	header.Set(HeaderChannels, strconv.Itoa(format.Channels))
	header.Set(HeaderBitDepth, strconv.Itoa(format.BitDepth))
	header.Set("Trailer", HeaderStreamError)
	c.Status(http.StatusOK)

	chunk := first
	for err == nil {
		_, writeErr := c.Writer.Write(chunk)
		if writeErr != nil {
			s.log.Warn(logClientGone, request.VoiceID, writeErr)

			return
		}

		c.Writer.Flush()

		chunk, err = stream.Next()
	}

	if !errors.Is(err, iterator.Done) {
		s.log.Error(logStreamAborted, request.VoiceID, err)

		_, body := classify(err)
		header.Set(HeaderStreamError, body.Error)
	}
}
