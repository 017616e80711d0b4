package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// ProxiedMethods are the methods relayed upstream. Anything else is
// answered by the router (405 Method Not Allowed).
var ProxiedMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodDelete,
}

// RegisterRoutes wires the catch-all proxy route onto the Echo instance.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler) {
	e.Match(ProxiedMethods, "/", proxy.Handle)
	e.Match(ProxiedMethods, "/*", proxy.Handle)
}
