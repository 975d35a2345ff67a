//go:generate mockgen -destination=./channels_mock.go -package=subscriptions -source=channels.go
package subscriptions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

// limiterIdleTTL is how long the rate limiter of an endpoint host is kept after its last use.
const limiterIdleTTL = 10 * time.Minute

// ReceiverFailure is returned when a notification could not be delivered to the receiver,
// because the receiver is unreachable or didn't return a response indicating successful delivery.
var ReceiverFailure = errors.New("notification could not be delivered to receiver")

// Channel delivers matched resources to subscribers over one channel type.
// Deliver must return once ctx is done.
type Channel interface {
	Deliver(ctx context.Context, subscription Subscription, match MatchedResource) Result
}

var _ Channel = &WebhookChannel{}

// NewWebhookChannel creates a Channel that notifies subscribers over HTTP.
// If ratePerSecond is positive, requests to each endpoint host are limited to that rate.
func NewWebhookChannel(client fhirclient.HttpRequestDoer, ratePerSecond float64) *WebhookChannel {
	return &WebhookChannel{
		Client: client,
		limit:  rate.Limit(ratePerSecond),
		limiters: ttlcache.New[string, *rate.Limiter](
			ttlcache.WithTTL[string, *rate.Limiter](limiterIdleTTL),
		),
	}
}

// WebhookChannel delivers notifications as HTTP requests (FHIR rest-hook).
// A minimal notification is a POST without body to the endpoint,
// a full-resource notification is a PUT of the resource to <endpoint>/<type>/<id>.
type WebhookChannel struct {
	Client   fhirclient.HttpRequestDoer
	limit    rate.Limit
	limiters *ttlcache.Cache[string, *rate.Limiter]
	mux      sync.Mutex
}

func (r *WebhookChannel) Deliver(ctx context.Context, subscription Subscription, match MatchedResource) Result {
	if err := r.notify(ctx, subscription.Channel, match); err != nil {
		return Failed(err.Error())
	}
	return Delivered()
}

func (r *WebhookChannel) notify(ctx context.Context, channel ChannelSpec, match MatchedResource) error {
	endpoint, err := url.Parse(channel.Endpoint)
	if err != nil || endpoint.Host == "" {
		return fmt.Errorf("invalid webhook endpoint: %s", channel.Endpoint)
	}
	if err := r.limiter(endpoint.Host).Wait(ctx); err != nil {
		return fmt.Errorf("webhook rate limit: %w", err)
	}
	var httpRequest *http.Request
	if channel.Payload == PayloadFullResource {
		httpRequest, err = http.NewRequestWithContext(ctx, http.MethodPut, endpoint.JoinPath(match.ResourceType, match.ResourceID).String(), bytes.NewReader(match.Payload))
		if err != nil {
			return err
		}
		httpRequest.Header.Add("Content-Type", fhirclient.FhirJsonMediaType)
	} else {
		httpRequest, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), http.NoBody)
		if err != nil {
			return err
		}
	}
	for _, header := range channel.Headers {
		name, value, ok := strings.Cut(header, ":")
		if !ok {
			return fmt.Errorf("invalid webhook header: %s", header)
		}
		httpRequest.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	httpResponse, err := r.Client.Do(httpRequest)
	if err != nil {
		return errors.Join(ReceiverFailure, err)
	}
	defer httpResponse.Body.Close()
	// Be a good client and read the response, even if we don't actually do anything with it.
	_, _ = io.ReadAll(io.LimitReader(httpResponse.Body, 1024))
	if httpResponse.StatusCode < 200 || httpResponse.StatusCode >= 300 {
		return errors.Join(ReceiverFailure, fmt.Errorf("non-OK HTTP response from %s status: %v", httpRequest.URL, httpResponse.Status))
	}
	return nil
}

func (r *WebhookChannel) limiter(host string) *rate.Limiter {
	if r.limit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	r.mux.Lock()
	defer r.mux.Unlock()
	r.limiters.DeleteExpired()
	if item := r.limiters.Get(host); item != nil {
		return item.Value()
	}
	limiter := rate.NewLimiter(r.limit, 1)
	r.limiters.Set(host, limiter, ttlcache.DefaultTTL)
	return limiter
}
