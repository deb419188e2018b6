// Package server exposes packed layers over HTTP.
package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/woq/internal/logger"
	"github.com/samcharles93/woq/internal/quant"
	"github.com/samcharles93/woq/internal/store"
	"github.com/samcharles93/woq/internal/tensor"
	"github.com/samcharles93/woq/internal/woq"
)

// DefaultMaxBody bounds request bodies.
const DefaultMaxBody = 64 << 20

// Layers resolves layer names.
type Layers interface {
	Get(name string) (*store.Layer, error)
	List() []store.Info
}

type Server struct {
	layers  Layers
	engine  *woq.Engine
	log     logger.Logger
	maxBody int64
}

func New(layers Layers, engine *woq.Engine, log logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{layers: layers, engine: engine, log: log, maxBody: DefaultMaxBody}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/weights", s.handleListWeights)
	e.GET("/v1/weights/:name", s.handleGetWeight)
	e.POST("/v1/linear/:name", s.handleLinear)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"status": "ok", "layers": len(s.layers.List())})
}

func (s *Server) handleListWeights(c *echo.Context) error {
	return c.JSON(http.StatusOK, WeightsResponse{Object: "list", Data: s.layers.List()})
}

func (s *Server) handleGetWeight(c *echo.Context) error {
	l, err := s.layers.Get(c.Param("name"))
	if err != nil {
		return writeNotFound(c, err.Error())
	}
	return c.JSON(http.StatusOK, l.Info())
}

func (s *Server) handleLinear(c *echo.Context) error {
	id := "lin_" + uuid.NewString()
	name := c.Param("name")
	log := s.log.With("request_id", id, "layer", name)

	l, err := s.layers.Get(name)
	if err != nil {
		return writeNotFound(c, err.Error())
	}
	body, err := decodeJSON[LinearRequest](io.LimitReader(c.Request().Body, s.maxBody))
	if err != nil {
		return writeBadRequest(c, "invalid JSON body: "+err.Error())
	}
	req, err := buildRequest(l, &body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	start := time.Now()
	res, err := s.engine.QLinear(c.Request().Context(), req)
	if err != nil {
		log.Warn("qlinear failed", "error", err)
		return writeEngineError(c, err)
	}
	elapsed := time.Since(start)
	log.Debug("qlinear",
		"m", req.X.R,
		"strategy", res.Strategy.String(),
		"k_splits", res.KSplits,
		"elapsed", elapsed,
	)

	y := res.Y.Float32()
	return c.JSON(http.StatusOK, LinearResponse{
		ID:        id,
		Layer:     name,
		Y:         y.Data,
		Shape:     res.Shape,
		Strategy:  res.Strategy.String(),
		KSplits:   res.KSplits,
		ElapsedMS: float64(elapsed.Microseconds()) / 1000,
	})
}

// buildRequest validates a decoded body against l and converts it into an
// engine request.
func buildRequest(l *store.Layer, body *LinearRequest) (woq.Request, error) {
	k := l.Weight.K
	if len(body.X) == 0 || len(body.X)%k != 0 {
		return woq.Request{}, fmt.Errorf("x has %d values, want a multiple of K=%d", len(body.X), k)
	}
	m := len(body.X) / k

	dtype := tensor.DTypeF32
	if body.DType != "" {
		var err error
		if dtype, err = tensor.ParseDType(body.DType); err != nil {
			return woq.Request{}, err
		}
	}
	x := tensor.NewMatFromData(m, k, body.X)
	if dtype != tensor.DTypeF32 {
		x = x.Encode(dtype)
	}

	req := woq.Request{
		X:           &x,
		Shape:       body.Shape,
		Weight:      l.Weight,
		Params:      &l.Params,
		QuantBlockK: body.QuantBlockK,
		KSplits:     body.KSplits,
	}
	if !body.NoBias {
		req.Bias = l.Bias
	}

	var err error
	if body.Fusion != "" {
		if req.Fusion, err = woq.ParseFusion(body.Fusion); err != nil {
			return woq.Request{}, err
		}
	}
	if body.Lowp != "" {
		if req.Lowp, err = woq.ParseLowpMode(body.Lowp); err != nil {
			return woq.Request{}, err
		}
	}
	if body.QuantA != "" {
		if req.QuantA, err = woq.ParseQuantAMode(body.QuantA); err != nil {
			return woq.Request{}, err
		}
	}
	for i, o := range body.Others {
		if len(o) != m*l.Weight.N {
			return woq.Request{}, fmt.Errorf("others[%d] has %d values, want %d", i, len(o), m*l.Weight.N)
		}
		om := tensor.NewMatFromData(m, l.Weight.N, o)
		req.Others = append(req.Others, &om)
	}
	return req, nil
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

func writeEngineError(c *echo.Context, err error) error {
	switch {
	case errors.Is(err, woq.ErrShape),
		errors.Is(err, woq.ErrAlignment),
		errors.Is(err, woq.ErrMissingOperand),
		errors.Is(err, woq.ErrKSplit),
		errors.Is(err, quant.ErrShape),
		errors.Is(err, quant.ErrBlockSize):
		return writeBadRequest(c, err.Error())
	case errors.Is(err, woq.ErrUnsupported), errors.Is(err, quant.ErrUnsupported):
		return writeError(c, http.StatusUnprocessableEntity, "unsupported_error", err.Error())
	default:
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg)
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg)
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, map[string]any{
		"error": ErrorBody{Message: msg, Type: errType},
	})
}
