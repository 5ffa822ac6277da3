package http

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"regexp"

	"avatarlink/internal/core/domain"
	"avatarlink/internal/core/ports"
	"avatarlink/pkg/errors"

	"github.com/gin-gonic/gin"
)

const maxSettingSize = 64 << 10

var settingKeyRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]{1,64}$`)

// SettingsHandler persists control surface form state as opaque JSON.
type SettingsHandler struct {
	repo ports.SettingsRepository
}

func NewSettingsHandler(repo ports.SettingsRepository) *SettingsHandler {
	return &SettingsHandler{repo: repo}
}

func (h *SettingsHandler) SetupRoutes(read, write *gin.RouterGroup) {
	read.GET("/settings", h.ListSettings)
	read.GET("/settings/:key", h.GetSetting)
	write.PUT("/settings/:key", h.PutSetting)
	write.DELETE("/settings/:key", h.DeleteSetting)
}

func (h *SettingsHandler) ListSettings(c *gin.Context) {
	values, err := h.repo.List(c.Request.Context())
	if err != nil {
		c.Error(errors.Wrap(err, errors.ErrCodeUnknown, "failed to list settings"))
		return
	}

	out := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		out[k] = json.RawMessage(v)
	}
	c.JSON(http.StatusOK, gin.H{"settings": out})
}

func (h *SettingsHandler) GetSetting(c *gin.Context) {
	key, ok := settingKey(c)
	if !ok {
		return
	}
	value, err := h.repo.Get(c.Request.Context(), key)
	if err != nil {
		c.Error(settingError(err, key))
		return
	}
	c.Data(http.StatusOK, "application/json", value)
}

func (h *SettingsHandler) PutSetting(c *gin.Context) {
	key, ok := settingKey(c)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSettingSize+1))
	if err != nil {
		c.Error(errors.NewInvalidParameterError("failed to read body"))
		return
	}
	if len(body) > maxSettingSize {
		c.Error(errors.NewInvalidParameterError("setting value is too large"))
		return
	}
	if !json.Valid(body) {
		c.Error(errors.NewInvalidParameterError("setting value must be valid JSON"))
		return
	}

	if err := h.repo.Set(c.Request.Context(), key, body); err != nil {
		c.Error(errors.Wrap(err, errors.ErrCodeUnknown, "failed to store setting"))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SettingsHandler) DeleteSetting(c *gin.Context) {
	key, ok := settingKey(c)
	if !ok {
		return
	}
	if err := h.repo.Delete(c.Request.Context(), key); err != nil {
		c.Error(settingError(err, key))
		return
	}
	c.Status(http.StatusNoContent)
}

func settingError(err error, key string) error {
	if stderrors.Is(err, domain.ErrSettingNotFound) {
		return errors.Wrap(err, errors.ErrCodeInvalidParameter, "setting not found").WithDetail("key", key)
	}
	return errors.Wrap(err, errors.ErrCodeUnknown, "settings store failed").WithDetail("key", key)
}

func settingKey(c *gin.Context) (string, bool) {
	key := c.Param("key")
	if !settingKeyRegex.MatchString(key) {
		c.Error(errors.NewInvalidParameterError("invalid setting key"))
		return "", false
	}
	return key, true
}
