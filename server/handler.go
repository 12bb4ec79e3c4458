package server

import (
	"fmt"
	"image"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/krau/konavision/clip"
	"github.com/krau/konavision/imageio"
)

// maxLabels caps the candidate labels a /classify request may carry.
const maxLabels = 64

type EmbeddingRequest struct {
	Image *string `json:"image"`
}

type EmbeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

type ClassifyRequest struct {
	Image  *string  `json:"image"`
	Labels []string `json:"labels,omitempty"`
}

type ClassifyResponse struct {
	Predictions []clip.Prediction `json:"predictions"`
}

// bindImage decodes the JSON body into dst and then the base64 image it carries.
func bindImage(c *gin.Context, dst any, field func() *string) (image.Image, error) {
	if err := c.ShouldBindJSON(dst); err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidInput, err)
	}
	payload := field()
	if payload == nil {
		return nil, fmt.Errorf("%w: %w", errInvalidInput, errMissingImage)
	}
	return imageio.DecodeBase64(*payload)
}

func (s *Server) EmbeddingHandler(c *gin.Context) {
	var req EmbeddingRequest
	img, err := bindImage(c, &req, func() *string { return req.Image })
	if err != nil {
		s.fail(c, "Embedding request rejected", err)
		return
	}

	vec, err := s.embedder.Embed(c.Request.Context(), img)
	if err != nil {
		s.fail(c, "Embedding failed", err)
		return
	}
	c.JSON(http.StatusOK, EmbeddingResponse{Embedding: vec})
}

func (s *Server) ClassifyHandler(c *gin.Context) {
	var req ClassifyRequest
	img, err := bindImage(c, &req, func() *string { return req.Image })
	if err != nil {
		s.fail(c, "Classify request rejected", err)
		return
	}
	labels := req.Labels
	if len(labels) > maxLabels {
		s.fail(c, "Classify request rejected", fmt.Errorf("%w: %d labels, at most %d allowed", errInvalidInput, len(labels), maxLabels))
		return
	}
	if len(labels) == 0 {
		labels = s.classifier.Labels()
	}

	preds, err := s.classifier.ClassifyImage(c.Request.Context(), img, labels)
	if err != nil {
		s.fail(c, "Classification failed", err)
		return
	}
	c.JSON(http.StatusOK, ClassifyResponse{Predictions: preds})
}

func (s *Server) HealthHandler(c *gin.Context) {
	resp := gin.H{"status": "healthy"}
	if s.device != "" {
		resp["device"] = s.device
	}
	if s.catalog != nil {
		if n, err := s.catalog.Count(c.Request.Context()); err != nil {
			slog.Warn("Catalog unavailable", slog.String("request_id", requestID(c)), slog.String("error", err.Error()))
		} else {
			resp["products"] = n
		}
	}
	c.JSON(http.StatusOK, resp)
}
