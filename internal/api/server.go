// Package api serves layer sizing and packing over HTTP.
package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v5"
	"github.com/samcharles93/dvpack/internal/logger"
	"github.com/samcharles93/dvpack/internal/netspec"
	"github.com/samcharles93/dvpack/internal/packer"
	"github.com/samcharles93/dvpack/internal/version"
	"github.com/samcharles93/dvpack/pkg/dvweights"
)

// HeaderPackedSize carries the number of packed bytes in a pack response.
const HeaderPackedSize = "X-Packed-Size"

// DefaultMaxBodyBytes bounds request bodies when Server.MaxBodyBytes is zero.
const DefaultMaxBodyBytes = 64 << 20

type Server struct {
	// MaxBodyBytes bounds request bodies.
	MaxBodyBytes int64

	log logger.Logger
}

func NewServer(log logger.Logger) *Server {
	if log == nil {
		log = logger.Discard()
	}
	return &Server{log: log}
}

func (s *Server) Register(e *echo.Echo) {
	e.Use(requestID)

	e.GET("/healthz", s.handleHealth)
	e.POST("/v1/size", s.handleSize)
	e.POST("/v1/pack", s.handlePack)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: version.String()})
}

func (s *Server) limitBody(c *echo.Context) {
	limit := s.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	r := c.Request()
	r.Body = http.MaxBytesReader(c.Response(), r.Body, limit)
}

func (s *Server) handleSize(c *echo.Context) error {
	s.limitBody(c)
	req, err := decodeJSON[SizeRequest](c.Request().Body)
	if err != nil {
		return writeErr(c, err)
	}

	spec := req.Layer
	if req.Quantized {
		spec.QuantMap = "quant_map"
	}
	if req.PReLU {
		spec.PReLU = "prelu"
	}
	if err := spec.Normalize(); err != nil {
		return writeErr(c, err)
	}

	l, err := packer.Shape(spec, req.Quantized, req.PReLU)
	if err != nil {
		return writeErr(c, err)
	}
	n, err := l.Size()
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, SizeResponse{Size: n, Kind: string(spec.Kind), Quantized: req.Quantized})
}

func (s *Server) handlePack(c *echo.Context) error {
	s.limitBody(c)
	req, err := decodeJSON[PackRequest](c.Request().Body)
	if err != nil {
		return writeErr(c, err)
	}

	spec, d, err := req.layerData()
	if err != nil {
		return writeErr(c, err)
	}
	l, err := packer.Build(spec, d)
	if err != nil {
		return writeErr(c, err)
	}
	size, err := l.Size()
	if err != nil {
		return writeErr(c, err)
	}
	buf := dvweights.Alloc(size)
	n, err := l.Pack(buf)
	if err != nil {
		return writeErr(c, err)
	}

	s.log.Debug("packed layer",
		"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
		"layer", spec.Name, "kind", spec.Kind, "size", n)
	c.Response().Header().Set(HeaderPackedSize, strconv.Itoa(n))
	return c.Blob(http.StatusOK, echo.MIMEOctetStream, buf[:n])
}

// layerData validates the request and converts its values into packer
// input.
func (r *PackRequest) layerData() (spec netspec.Layer, d packer.Data, err error) {
	spec = r.Layer
	spec.Weights, spec.Bias = "weights", "bias"
	quantized := len(r.QuantMap) > 0
	if quantized {
		spec.QuantMap = "quant_map"
	}
	if len(r.PReLU) > 0 {
		spec.PReLU = "prelu"
	}
	if err := spec.Normalize(); err != nil {
		return spec, d, err
	}

	if quantized {
		if len(r.Weights) > 0 {
			return spec, d, newInvalidRequest("weights and indices are mutually exclusive")
		}
		qm, err := dvweights.QuantMapFromFloat32(r.QuantMap)
		if err != nil {
			return spec, d, err
		}
		if err := qm.Validate(); err != nil {
			return spec, d, err
		}
		d.QuantMap = qm
		d.Indices = make([]uint8, len(r.Indices))
		for i, v := range r.Indices {
			if v < 0 || v >= dvweights.QuantMapEntries {
				return spec, d, newInvalidRequest(fmt.Sprintf("indices[%d] = %d outside 0..255", i, v))
			}
			d.Indices[i] = uint8(v)
		}
	} else {
		if len(r.Indices) > 0 {
			return spec, d, newInvalidRequest("indices require quant_map")
		}
		d.Half = dvweights.HalfFromFloat32(r.Weights)
	}
	d.Bias = dvweights.HalfFromFloat32(r.Bias)
	if len(r.PReLU) > 0 {
		d.PReLU = dvweights.HalfFromFloat32(r.PReLU)
	}
	return spec, d, packer.CheckCounts(spec, d)
}
