package http

import (
	"context"
	"net/http"

	"avatarlink/internal/core/domain"
	"avatarlink/internal/core/ports"
	"avatarlink/internal/session"
	"avatarlink/pkg/errors"
	"avatarlink/pkg/utils"
	"avatarlink/pkg/validation"

	"github.com/gin-gonic/gin"
)

// maxMessageRunes bounds one chat message accepted from the control API.
// Chunking handles any length; this only stops accidental pastes.
const maxMessageRunes = 8000

type SessionHandler struct {
	sessions *session.Orchestrator
	api      ports.SessionAPI
}

func NewSessionHandler(sessions *session.Orchestrator, api ports.SessionAPI) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		api:      api,
	}
}

// SetupRoutes registers read-only routes on read and mutating routes on
// write. Both groups are expected to be rooted at /api/v1.
func (h *SessionHandler) SetupRoutes(read, write *gin.RouterGroup) {
	read.GET("/session", h.GetSession)
	read.GET("/session/state", h.GetState)
	read.GET("/session/audio/dump", h.DumpAudio)
	read.GET("/avatars", h.ListAvatars)
	read.GET("/voices", h.ListVoices)
	read.GET("/languages", h.ListLanguages)

	write.POST("/session", h.StartSession)
	write.DELETE("/session", h.StopSession)
	write.POST("/session/switch", h.SwitchProvider)
	write.POST("/session/messages", h.SendMessage)
	write.POST("/session/interrupt", h.SendInterrupt)
	write.POST("/session/params", h.SetParams)

	write.POST("/session/audio/enable", h.EnableAudio)
	write.POST("/session/audio/disable", h.media(ports.StreamingProvider.DisableAudio))
	write.POST("/session/audio/publish", h.media(ports.StreamingProvider.PublishAudio))
	write.POST("/session/audio/unpublish", h.media(ports.StreamingProvider.UnpublishAudio))

	write.POST("/session/video/enable", h.EnableVideo)
	write.POST("/session/video/disable", h.media(ports.StreamingProvider.DisableVideo))
	write.POST("/session/video/publish", h.media(ports.StreamingProvider.PublishVideo))
	write.POST("/session/video/unpublish", h.media(ports.StreamingProvider.UnpublishVideo))
	write.POST("/session/video/stop", h.media(ports.StreamingProvider.StopVideo))

	write.POST("/session/noise-reduction/enable", h.media(ports.StreamingProvider.EnableNoiseReduction))
	write.POST("/session/noise-reduction/disable", h.media(ports.StreamingProvider.DisableNoiseReduction))
}

// sessionView is what the control API exposes of a session. Vendor
// credentials stay server side.
type sessionView struct {
	ID       string                 `json:"id"`
	Provider domain.ProviderType    `json:"provider"`
	State    *domain.StreamingState `json:"state,omitempty"`
}

func (h *SessionHandler) view(s *domain.Session, withState bool) sessionView {
	v := sessionView{ID: s.ID, Provider: s.StreamType}
	if withState {
		if p, err := h.sessions.Provider(); err == nil {
			st := p.State()
			v.State = &st
		}
	}
	return v
}

func (h *SessionHandler) StartSession(c *gin.Context) {
	var req session.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidParameterError(err.Error()))
		return
	}
	if req.Provider != "" {
		p, err := domain.ParseProviderType(string(req.Provider))
		if err != nil {
			c.Error(errors.NewProviderNotSupportedError(string(req.Provider)))
			return
		}
		req.Provider = p
	}

	s, err := h.sessions.Start(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}
	c.Set("session_id", s.ID)
	c.Set("provider", string(s.StreamType))

	c.JSON(http.StatusCreated, gin.H{"session": h.view(s, true)})
}

func (h *SessionHandler) StopSession(c *gin.Context) {
	if err := h.sessions.Stop(c.Request.Context()); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	s := h.sessions.Active()
	if s == nil {
		c.Error(errors.Wrap(domain.ErrSessionNotFound, errors.ErrCodeInvalidConfiguration, "no active session"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": h.view(s, true)})
}

func (h *SessionHandler) SwitchProvider(c *gin.Context) {
	var req struct {
		Provider string `json:"provider" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidParameterError(err.Error()))
		return
	}
	to, err := domain.ParseProviderType(req.Provider)
	if err != nil {
		c.Error(errors.NewProviderNotSupportedError(req.Provider))
		return
	}

	s, err := h.sessions.Switch(c.Request.Context(), to)
	if err != nil {
		c.Error(err)
		return
	}
	c.Set("session_id", s.ID)
	c.Set("provider", string(to))
	c.JSON(http.StatusOK, gin.H{"session": h.view(s, true)})
}

func (h *SessionHandler) GetState(c *gin.Context) {
	p, ok := h.provider(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"provider": p.Type(),
		"phase":    p.State().Phase(),
		"state":    p.State(),
	})
}

func (h *SessionHandler) SendMessage(c *gin.Context) {
	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidParameterError(err.Error()))
		return
	}
	req.Content = utils.SanitizeString(req.Content)
	if err := validation.ValidateMessage(req.Content, maxMessageRunes); err != nil {
		c.Error(errors.Wrap(err, errors.ErrCodeInvalidParameter, err.Error()))
		return
	}

	p, ok := h.provider(c)
	if !ok {
		return
	}
	if err := p.SendMessage(c.Request.Context(), req.Content); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "sent"})
}

func (h *SessionHandler) SendInterrupt(c *gin.Context) {
	p, ok := h.provider(c)
	if !ok {
		return
	}
	if err := p.SendInterrupt(c.Request.Context()); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "sent"})
}

func (h *SessionHandler) SetParams(c *gin.Context) {
	var metadata map[string]any
	if err := c.ShouldBindJSON(&metadata); err != nil {
		c.Error(errors.NewInvalidParameterError(err.Error()))
		return
	}
	if len(metadata) == 0 {
		c.Error(errors.NewInvalidParameterError("at least one parameter is required"))
		return
	}

	p, ok := h.provider(c)
	if !ok {
		return
	}
	if err := p.SetAvatarParameters(c.Request.Context(), metadata); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "sent"})
}

func (h *SessionHandler) EnableAudio(c *gin.Context) {
	cfg := ports.DefaultAudioConfig()
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&cfg); err != nil {
			c.Error(errors.NewInvalidParameterError(err.Error()))
			return
		}
	}

	p, ok := h.provider(c)
	if !ok {
		return
	}
	track, err := p.EnableAudio(c.Request.Context(), cfg)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"track": track})
}

func (h *SessionHandler) EnableVideo(c *gin.Context) {
	cfg := ports.DefaultVideoConfig()
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&cfg); err != nil {
			c.Error(errors.NewInvalidParameterError(err.Error()))
			return
		}
	}

	p, ok := h.provider(c)
	if !ok {
		return
	}
	track, err := p.EnableVideo(c.Request.Context(), cfg)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"track": track})
}

// DumpAudio streams the recorded local microphone audio as Ogg/Opus.
func (h *SessionHandler) DumpAudio(c *gin.Context) {
	p, ok := h.provider(c)
	if !ok {
		return
	}
	c.Header("Content-Type", "audio/ogg")
	c.Header("Content-Disposition", `attachment; filename="local-audio.ogg"`)
	if err := p.DumpAudio(c.Request.Context(), c.Writer); err != nil {
		c.Error(err)
	}
}

// media adapts a provider method with no arguments to a handler.
func (h *SessionHandler) media(op func(ports.StreamingProvider, context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := h.provider(c)
		if !ok {
			return
		}
		if err := op(p, c.Request.Context()); err != nil {
			c.Error(err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (h *SessionHandler) provider(c *gin.Context) (ports.StreamingProvider, bool) {
	p, err := h.sessions.Provider()
	if err != nil {
		c.Error(errors.Wrap(err, errors.ErrCodeInvalidConfiguration, "no active provider"))
		return nil, false
	}
	if s := h.sessions.Active(); s != nil {
		c.Set("session_id", s.ID)
	}
	c.Set("provider", string(p.Type()))
	return p, true
}

func (h *SessionHandler) ListAvatars(c *gin.Context) {
	avatars, err := h.api.ListAvatars(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"avatars": avatars})
}

func (h *SessionHandler) ListVoices(c *gin.Context) {
	voices, err := h.api.ListVoices(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"voices": voices})
}

func (h *SessionHandler) ListLanguages(c *gin.Context) {
	languages, err := h.api.ListLanguages(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"languages": languages})
}
