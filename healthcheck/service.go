package healthcheck

import (
	"context"
	"net/http"
	"time"

	"github.com/SanteonNL/orca/subscriptionengine/lib/httpserv"
	"github.com/rs/zerolog/log"
)

const checkTimeout = 5 * time.Second

// Check reports whether a dependency is healthy, e.g. the subscription database.
type Check struct {
	Name  string
	Check func(ctx context.Context) error
}

func New(checks ...Check) *Service {
	return &Service{checks: checks}
}

type Service struct {
	checks []Check
}

func (s Service) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealthCheck)
}

type response struct {
	Status  string            `json:"status"`
	Details map[string]string `json:"details,omitempty"`
}

func (s Service) handleHealthCheck(writer http.ResponseWriter, request *http.Request) {
	ctx, cancel := context.WithTimeout(request.Context(), checkTimeout)
	defer cancel()
	result := response{Status: "up"}
	statusCode := http.StatusOK
	for _, check := range s.checks {
		if result.Details == nil {
			result.Details = map[string]string{}
		}
		if err := check.Check(ctx); err != nil {
			log.Ctx(ctx).Warn().Err(err).Msgf("Health check failed: %s", check.Name)
			result.Details[check.Name] = "down"
			result.Status = "down"
			statusCode = http.StatusServiceUnavailable
		} else {
			result.Details[check.Name] = "up"
		}
	}
	httpserv.SendResponse(writer, statusCode, result)
}
