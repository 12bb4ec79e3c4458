package server

import (
	"fmt"
	"image"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/krau/konavision/imageio"
)

type AddProductRequest struct {
	Name     string `json:"name"`
	ImageURL string `json:"imageUrl"`
	Image    string `json:"image,omitempty"`
}

type URLSearchRequest struct {
	ImageURL string `json:"imageUrl"`
}

func (s *Server) AddProductHandler(c *gin.Context) {
	var req AddProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, "Add product request rejected", fmt.Errorf("%w: %w", errInvalidInput, err))
		return
	}
	if req.Name == "" || (req.ImageURL == "" && req.Image == "") {
		s.fail(c, "Add product request rejected", fmt.Errorf("%w: name and imageUrl or image are required", errInvalidInput))
		return
	}

	var img image.Image
	if req.Image != "" {
		var err error
		if img, err = imageio.DecodeBase64(req.Image); err != nil {
			s.fail(c, "Add product request rejected", err)
			return
		}
	}
	p, err := s.catalog.AddProduct(c.Request.Context(), req.Name, req.ImageURL, img)
	if err != nil {
		s.fail(c, "Add product failed", err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *Server) UploadSearchHandler(c *gin.Context) {
	fileHeader, err := c.FormFile("image")
	if err != nil {
		s.fail(c, "Upload search rejected", fmt.Errorf("%w: %w", errInvalidInput, err))
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		s.fail(c, "Upload search rejected", fmt.Errorf("%w: %w", errInvalidInput, err))
		return
	}
	defer file.Close()

	img, err := imageio.Decode(file)
	if err != nil {
		s.fail(c, "Upload search rejected", err)
		return
	}
	matches, err := s.catalog.SearchByImage(c.Request.Context(), img)
	if err != nil {
		s.fail(c, "Upload search failed", err)
		return
	}
	c.JSON(http.StatusOK, matches)
}

func (s *Server) URLSearchHandler(c *gin.Context) {
	var req URLSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ImageURL == "" {
		s.fail(c, "URL search rejected", fmt.Errorf("%w: imageUrl is required", errInvalidInput))
		return
	}
	matches, err := s.catalog.SearchByURL(c.Request.Context(), req.ImageURL)
	if err != nil {
		s.fail(c, "URL search failed", err)
		return
	}
	c.JSON(http.StatusOK, matches)
}
