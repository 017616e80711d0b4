package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"tana-proxy-go/internal/model"
	"tana-proxy-go/internal/service"
)

// ProxyHandler forwards inbound requests to the upstream API.
type ProxyHandler struct {
	service *service.ForwardService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ForwardService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle forwards the request upstream and writes back whatever outcome the
// forward produced. Upstream failures are responses, never returned errors.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Target:        requestTarget(req),
		Header:        req.Header,
		ContentLength: req.ContentLength,
		Body:          req.Body,
	}

	switch out := h.service.Forward(pr).(type) {
	case model.Responded:
		for key, vals := range out.Header {
			for _, v := range vals {
				c.Response().Header().Add(key, v)
			}
		}
		return h.write(c, out.StatusCode, out.Body)
	case model.Rejected:
		c.Response().Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		return h.write(c, out.StatusCode, out.Body)
	case model.Failed:
		return writeError(c, http.StatusBadGateway, out.Reason)
	default:
		return writeError(c, http.StatusBadGateway, service.ReasonFailed)
	}
}

func (h *ProxyHandler) write(c echo.Context, status int, body []byte) error {
	c.Response().WriteHeader(status)
	// The status is already on the wire, so a failed write can only be logged.
	if _, err := c.Response().Write(body); err != nil {
		h.logger.Error("writing response body",
			"err", err,
			"target", c.Request().RequestURI,
		)
	}
	return nil
}

// writeError sends {"error": msg} labelled exactly application/json.
func writeError(c echo.Context, status int, msg string) error {
	b, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return err
	}
	return c.Blob(status, echo.MIMEApplicationJSON, b)
}

// requestTarget returns the path and query exactly as the client sent them.
// Absolute-form targets are reduced to their path and query.
func requestTarget(req *http.Request) string {
	if strings.HasPrefix(req.RequestURI, "/") {
		return req.RequestURI
	}
	return req.URL.RequestURI()
}
