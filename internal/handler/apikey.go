package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/aman-churiwal/tiered-gateway/internal/models"
	"github.com/aman-churiwal/tiered-gateway/internal/repository"
	"github.com/aman-churiwal/tiered-gateway/internal/service"
	"github.com/aman-churiwal/tiered-gateway/internal/tiers"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type APIKeyHandler struct {
	service *service.APIKeyService
}

func NewAPIKeyHandler(service *service.APIKeyService) *APIKeyHandler {
	return &APIKeyHandler{service: service}
}

// Handles POST /admin/keys
func (h *APIKeyHandler) Create(c *gin.Context) {
	var req struct {
		Name      string     `json:"name" binding:"required"`
		CreatedBy string     `json:"created_by"`
		Tier      string     `json:"tier" binding:"required"`
		ExpiresIn string     `json:"expires_in"`
		ExpiresAt *time.Time `json:"expires_at"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	in := service.CreateKeyInput{
		Name:      req.Name,
		CreatedBy: req.CreatedBy,
		Tier:      req.Tier,
		ExpiresAt: req.ExpiresAt,
	}
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "expires_in must be a duration such as 720h"})
			return
		}
		in.ExpiresIn = d
	}
	if in.CreatedBy == "" {
		in.CreatedBy = c.GetString("subject")
	}

	ctx := c.Request.Context()
	key, apiKey, err := h.service.Create(ctx, in)
	if err != nil {
		switch {
		case errors.Is(err, tiers.ErrUnknownTier),
			errors.Is(err, service.ErrInvalidExpiry),
			errors.Is(err, service.ErrNameRequired):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, repository.ErrDuplicateKey):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"key":     key,
		"api_key": apiKey,
		"message": "Save this key - it won't be shown again",
	})
}

func (h *APIKeyHandler) List(c *gin.Context) {
	ctx := c.Request.Context()
	keys, err := h.service.List(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if keys == nil {
		keys = []models.APIKey{}
	}

	c.JSON(http.StatusOK, keys)
}

func (h *APIKeyHandler) Get(c *gin.Context) {
	id, ok := parseKeyID(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	apiKey, err := h.service.Get(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if apiKey == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "API key not found"})
		return
	}

	c.JSON(http.StatusOK, apiKey)
}

// Handles DELETE /admin/keys/:id. The record is deactivated, never removed
func (h *APIKeyHandler) Revoke(c *gin.Context) {
	id, ok := parseKeyID(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	apiKey, changed, err := h.service.Revoke(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if apiKey == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "API key not found"})
		return
	}

	message := "API key revoked"
	if !changed {
		message = "API key was already inactive"
	}

	c.JSON(http.StatusOK, gin.H{
		"message": message,
		"api_key": apiKey,
	})
}

func parseKeyID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid API key ID"})
		return "", false
	}
	return id, true
}
