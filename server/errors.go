package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/krau/konavision/catalog"
	"github.com/krau/konavision/clip"
	"github.com/krau/konavision/embedding"
	"github.com/krau/konavision/imageio"
)

var (
	errInvalidInput = errors.New("invalid input")
	errMissingImage = errors.New("missing image field")
)

type errorKind struct {
	status  int
	message string
}

var (
	kindInvalidInput = errorKind{http.StatusBadRequest, "invalid image payload"}
	kindInference    = errorKind{http.StatusInternalServerError, "inference failed"}
	kindUnavailable  = errorKind{http.StatusServiceUnavailable, "model unavailable"}
	kindFetch        = errorKind{http.StatusBadGateway, "failed to fetch image"}
)

func errorKindOf(err error) errorKind {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, errInvalidInput),
		errors.Is(err, imageio.ErrInvalidImage),
		errors.Is(err, clip.ErrNoLabels),
		errors.Is(err, clip.ErrTooFewLabels),
		errors.As(err, &maxBytes):
		return kindInvalidInput
	case errors.Is(err, embedding.ErrNotInitialized):
		return kindUnavailable
	case errors.Is(err, catalog.ErrFetch):
		return kindFetch
	default:
		return kindInference
	}
}

// fail logs err and answers with a 500 carrying the raw error text, or with
// a stable message and status for its kind when typed errors are enabled.
func (s *Server) fail(c *gin.Context, msg string, err error) {
	slog.Error(msg,
		slog.String("request_id", requestID(c)),
		slog.String("error", err.Error()),
	)
	if !s.cfg.TypedErrors {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	kind := errorKindOf(err)
	c.JSON(kind.status, gin.H{"error": kind.message})
}
