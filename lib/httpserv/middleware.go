package httpserv

import (
	"net/http"
	"strings"

	"github.com/SanteonNL/orca/subscriptionengine/lib/logging"
	"github.com/rs/zerolog/log"
)

type Route struct {
	Method     string
	Path       string
	Handler    http.HandlerFunc
	Middleware func(http.HandlerFunc) http.HandlerFunc
}

func RegisterRoutes(mux *http.ServeMux, routes ...Route) {
	for _, route := range routes {
		if route.Handler == nil {
			panic("route handler cannot be nil")
		}
		handler := route.Handler
		if route.Middleware != nil {
			handler = route.Middleware(handler)
		}
		mux.HandleFunc(strings.Join([]string{route.Method, route.Path}, " "), handler)
	}
}

func Chain(middlewares ...func(http.HandlerFunc) http.HandlerFunc) func(http.HandlerFunc) http.HandlerFunc {
	return func(final http.HandlerFunc) http.HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// RequestLogger attaches a logger with the request path to the request context, and logs the request at debug level.
func RequestLogger(next http.HandlerFunc) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		ctx := logging.WithField(request.Context(), logging.FieldPath, request.URL.Path)
		log.Ctx(ctx).Debug().Msgf("HTTP %s %s", request.Method, request.URL.Path)
		next(writer, request.WithContext(ctx))
	}
}
