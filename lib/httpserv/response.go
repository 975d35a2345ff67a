package httpserv

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// SendResponse writes the given body as JSON with the given status code.
// Additional headers (e.g. Content-Type) can be specified as key/value pairs.
func SendResponse(httpResponse http.ResponseWriter, statusCode int, body any, additionalHeaders ...map[string]string) {
	data, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		statusCode = http.StatusInternalServerError
		data = []byte(`{"error":"internal server error"}`)
	}
	httpResponse.Header().Set("Content-Type", "application/json")
	for _, headers := range additionalHeaders {
		for key, value := range headers {
			httpResponse.Header().Set(key, value)
		}
	}
	httpResponse.WriteHeader(statusCode)
	if _, err := httpResponse.Write(data); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}
