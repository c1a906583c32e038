package upscale

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultMaxUpload caps the size of an uploaded image.
const DefaultMaxUpload = 64 << 20

// Response headers of POST /v1/upscale.
const (
	HeaderJobID         = "X-Job-ID"
	HeaderDegradedTiles = "X-Degraded-Tiles"
)

// Server exposes an Upscaler over HTTP.
type Server struct {
	up        *Upscaler
	logger    Logger
	engine    *gin.Engine
	maxUpload int64
}

// modelInfo is a configured model as listed by GET /v1/models.
type modelInfo struct {
	ModelDescriptor
	Downloaded bool `json:"downloaded"`
	Loaded     bool `json:"loaded"`
}

// NewServer builds the HTTP API around up.
func NewServer(up *Upscaler, logger Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		up:        up,
		logger:    logger,
		engine:    gin.New(),
		maxUpload: DefaultMaxUpload,
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())

	s.engine.GET("/healthz", s.health)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.engine.Group("/v1")
	{
		api.GET("/models", s.listModels)
		api.POST("/models/:id/pull", s.pullModel)
		api.POST("/upscale", s.upscale)
	}
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.logger.Info("server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		s.logger.Info("request",
			"method", c.Request.Method,
			"path", path,
			"query", query,
			"status", c.Writer.Status(),
			"ip", c.ClientIP(),
			"cost", time.Since(start),
		)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"model":  s.up.Status(),
	})
}

func (s *Server) listModels(c *gin.Context) {
	current := s.up.Status()
	models := s.up.Models()
	out := make([]modelInfo, 0, len(models))
	for _, d := range models {
		out = append(out, modelInfo{
			ModelDescriptor: d,
			Downloaded:      d.URL == "" || fileExists(d.WeightPath),
			Loaded:          current.State == stateLoaded.String() && current.Model == d.ID,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) pullModel(c *gin.Context) {
	id := c.Param("id")
	path, err := s.up.Download(c.Request.Context(), id, nil)
	if errors.Is(err, ErrNoWeights) {
		c.JSON(http.StatusOK, pullResult{Model: id, Builtin: true})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pullResult{Model: id, Path: path})
}

func (s *Server) upscale(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUpload)
	header, err := c.FormFile("image")
	if err != nil {
		status := http.StatusBadRequest
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			status = http.StatusRequestEntityTooLarge
		}
		c.JSON(status, gin.H{"error": "multipart field \"image\" is required: " + err.Error()})
		return
	}

	format := FormatPNG
	if q := c.Query("format"); q != "" {
		if format, err = FormatFromPath("." + q); err != nil {
			s.fail(c, err)
			return
		}
	}

	f, err := header.Open()
	if err != nil {
		s.fail(c, fmt.Errorf("%w: %w", ErrImageDecode, err))
		return
	}
	defer f.Close()
	src, err := DecodeImageLimit(f, s.up.Config().MaxPixels)
	if err != nil {
		s.fail(c, err)
		return
	}

	job := uuid.NewString()
	model := c.Query("model")
	s.logger.Info("upscale request", "job", job, "model", model, "file", header.Filename,
		"width", src.Width, "height", src.Height)

	res, err := s.up.UpscaleImage(c.Request.Context(), model, src, nil)
	if err != nil {
		s.logger.Error("upscale failed", "job", job, "error", err)
		s.fail(c, err)
		return
	}

	var buf bytes.Buffer
	if err := EncodeImage(&buf, res.Image, format); err != nil {
		s.fail(c, err)
		return
	}
	c.Header(HeaderJobID, job)
	if degraded := res.Degraded(); len(degraded) > 0 {
		c.Header(HeaderDegradedTiles, formatRects(degraded))
	}
	c.Data(http.StatusOK, format.ContentType(), buf.Bytes())
}

func (s *Server) fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnknownModel):
		return http.StatusNotFound
	case errors.Is(err, ErrUnsupportedArchitecture):
		return http.StatusNotImplemented
	case errors.Is(err, ErrImageTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrImageDecode), errors.Is(err, ErrInvalidTiling), errors.Is(err, ErrImageWrite):
		return http.StatusBadRequest
	case errors.Is(err, ErrNetwork):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// formatRects renders rectangles as "x0,y0,x1,y1" joined by ";".
func formatRects(rects []image.Rectangle) string {
	parts := make([]string, len(rects))
	for i, r := range rects {
		parts[i] = strings.Join([]string{
			strconv.Itoa(r.Min.X), strconv.Itoa(r.Min.Y),
			strconv.Itoa(r.Max.X), strconv.Itoa(r.Max.Y),
		}, ",")
	}
	return strings.Join(parts, ";")
}
