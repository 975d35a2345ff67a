package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SanteonNL/orca/subscriptionengine/lib/logging"
	"github.com/SanteonNL/orca/subscriptionengine/lib/otel"
	"github.com/SanteonNL/orca/subscriptionengine/store"
	"github.com/juju/clock"
	"github.com/rs/zerolog/log"
	baseotel "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = baseotel.Tracer("subscriptionengine.subscriptions")

// ErrSchedulerStopped is returned when polling is requested after Stop was called.
var ErrSchedulerStopped = errors.New("scheduler is stopped")

const hintBufferSize = 16

type phase int

const (
	phaseScanning phase = iota + 1
	phaseDelivering
)

func (p phase) String() string {
	switch p {
	case phaseScanning:
		return "scanning"
	case phaseDelivering:
		return "delivering"
	}
	return "idle"
}

type SchedulerOption func(*Scheduler)

func WithClock(clk clock.Clock) SchedulerOption {
	return func(s *Scheduler) {
		s.clock = clk
	}
}

func WithMetrics(metrics *Metrics) SchedulerOption {
	return func(s *Scheduler) {
		s.metrics = metrics
	}
}

// WithStatusListener registers a listener that is called when a subscription is escalated to StatusError.
func WithStatusListener(listener StatusListener) SchedulerOption {
	return func(s *Scheduler) {
		s.statusListener = listener
	}
}

func WithMatcher(matcher Matcher) SchedulerOption {
	return func(s *Scheduler) {
		s.matcher = matcher
	}
}

// NewScheduler creates a Scheduler that polls the resource store for the active subscriptions in the registry,
// and delivers matches over the channel registered for the subscription's channel type.
func NewScheduler(config Config, registry Registry, resources store.Store, channels map[ChannelType]Channel, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		config:   config,
		registry: registry,
		scanner:  Scanner{Store: resources},
		channels: channels,
		clock:    clock.WallClock,
		inFlight: map[string]phase{},
		hints:    make(chan string, hintBufferSize),
		stopping: make(chan struct{}),
	}
	if s.config.DeliveryTimeout <= 0 {
		s.config.DeliveryTimeout = DefaultConfig().DeliveryTimeout
	}
	if s.config.Parallelism < 1 {
		s.config.Parallelism = 1
	}
	s.passCtx, s.cancelPasses = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scheduler runs poll passes: it scans the resource store for changes since each active subscription's marker,
// delivers matching resources and then advances the marker.
// Passes of the same subscription never overlap; different subscriptions are processed concurrently.
type Scheduler struct {
	config         Config
	registry       Registry
	scanner        Scanner
	matcher        Matcher
	channels       map[ChannelType]Channel
	clock          clock.Clock
	metrics        *Metrics
	statusListener StatusListener

	inFlightMux sync.Mutex
	inFlight    map[string]phase

	hints chan string

	mux          sync.Mutex
	stopped      bool
	recurring    bool
	stopping     chan struct{}
	workers      sync.WaitGroup
	passCtx      context.Context
	cancelPasses context.CancelFunc
}

// PollOnce runs a poll pass over all active subscriptions and returns the number of matched resources
// that were handed to a channel. Subscriptions that are being polled by another pass are skipped.
// Failures of individual subscriptions are recorded in the registry, not returned;
// an error is only returned if the active subscriptions couldn't be listed.
func (s *Scheduler) PollOnce(ctx context.Context) (int, error) {
	if !s.enter() {
		return 0, ErrSchedulerStopped
	}
	defer s.workers.Done()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(s.passCtx, cancel)()
	return s.poll(ctx)
}

// StartRecurring starts polling in the background, waiting interval between the end of a pass and the start of the next.
func (s *Scheduler) StartRecurring(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid poll interval: %s", interval)
	}
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.stopped {
		return ErrSchedulerStopped
	}
	if s.recurring {
		return errors.New("scheduler is already running")
	}
	s.recurring = true
	s.workers.Add(1)
	go s.loop(interval)
	return nil
}

// OnSubscriptionCreatedOrUpdated hints the scheduler to poll the subscription without waiting for the next pass.
// It never blocks; hints are dropped if the scheduler is busy or not running.
func (s *Scheduler) OnSubscriptionCreatedOrUpdated(id string) {
	select {
	case s.hints <- id:
	default:
		log.Debug().Str(logging.FieldSubscriptionID, id).Msg("Scheduler busy, dropping poll hint")
	}
}

// Stop stops the recurring polling and waits for in-flight passes to finish.
// If ctx expires first, in-flight passes are cancelled and an error is returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mux.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.stopping)
	}
	s.mux.Unlock()

	drained := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		s.cancelPasses()
		return nil
	case <-ctx.Done():
		log.Ctx(ctx).Warn().Msg("Scheduler didn't drain in time, cancelling in-flight poll passes")
		s.cancelPasses()
		<-drained
		return fmt.Errorf("scheduler stop: in-flight poll passes cancelled: %w", ctx.Err())
	}
}

func (s *Scheduler) enter() bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.stopped {
		return false
	}
	s.workers.Add(1)
	return true
}

func (s *Scheduler) loop(interval time.Duration) {
	defer s.workers.Done()
	timer := s.clock.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-s.stopping:
			return
		case <-timer.Chan():
			if _, err := s.poll(s.passCtx); err != nil {
				log.Error().Err(err).Msg("Poll pass failed")
			}
			timer.Reset(interval)
		case id := <-s.hints:
			s.pollByID(s.passCtx, id)
		}
	}
}

func (s *Scheduler) pollByID(ctx context.Context, id string) {
	subscription, err := s.registry.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Ctx(ctx).Warn().Err(err).Str(logging.FieldSubscriptionID, id).Msg("Failed to read subscription for poll hint")
		}
		return
	}
	if subscription.Status != StatusActive {
		return
	}
	s.pollSubscription(ctx, *subscription)
}

func (s *Scheduler) poll(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "PollOnce", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	start := s.clock.Now()

	active, err := s.registry.ListActive(ctx)
	if err != nil {
		return 0, otel.Error(span, fmt.Errorf("list active subscriptions: %w", err))
	}
	span.SetAttributes(attribute.Int(otel.ActiveSubscriptions, len(active)))

	var matched atomic.Int64
	group := errgroup.Group{}
	group.SetLimit(s.config.Parallelism)
	for _, subscription := range active {
		group.Go(func() error {
			matched.Add(int64(s.pollSubscription(ctx, subscription)))
			return nil
		})
	}
	_ = group.Wait()

	count := int(matched.Load())
	span.SetAttributes(attribute.Int(otel.MatchCount, count))
	if s.metrics != nil {
		s.metrics.Passes.Inc()
		s.metrics.PassDuration.Observe(s.clock.Now().Sub(start).Seconds())
	}
	if count > 0 {
		log.Ctx(ctx).Info().Int(logging.FieldCount, count).Msgf("Poll pass delivered to %d matching resource(s)", count)
	}
	return count, nil
}

// pollSubscription scans, delivers and commits the marker for a single subscription.
// It returns the number of matched resources that were handed to the channel.
func (s *Scheduler) pollSubscription(ctx context.Context, subscription Subscription) int {
	if current, claimed := s.claim(subscription.ID); !claimed {
		log.Ctx(ctx).Debug().
			Str(logging.FieldSubscriptionID, subscription.ID).
			Stringer("phase", current).
			Msg("Subscription is already being polled, skipping")
		return 0
	}
	defer s.release(subscription.ID)
	ctx = logging.WithSubscription(ctx, subscription.ID)
	ctx, span := tracer.Start(ctx, "pollSubscription",
		trace.WithAttributes(
			attribute.String(otel.SubscriptionID, subscription.ID),
			attribute.String(otel.SubscriptionCriteria, subscription.Criteria.String()),
			attribute.String(otel.ChannelType, string(subscription.Channel.Type)),
		),
	)
	defer span.End()

	result, err := s.scan(ctx, subscription)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("Subscription scan failed, marker not advanced")
		span.AddEvent(otel.ScanFailed)
		_ = otel.Error(span, err)
		if s.metrics != nil {
			s.metrics.ScanFailures.Inc()
		}
		s.recordFailure(ctx, subscription, err.Error())
		return 0
	}
	if len(result.scanned) == 0 {
		return 0
	}

	s.setPhase(subscription.ID, phaseDelivering)
	attempted := 0
	for i, match := range result.matches {
		outcome := s.deliver(ctx, subscription, match)
		if ctx.Err() != nil {
			// Cancelled: leave the marker, so the matches of this pass are delivered again by a later pass.
			return attempted
		}
		attempted++
		if s.metrics != nil {
			s.metrics.Matches.Inc()
			s.metrics.Deliveries.WithLabelValues(string(subscription.Channel.Type), string(outcome.Outcome)).Inc()
		}
		switch outcome.Outcome {
		case OutcomeDelivered:
			if err := s.registry.RecordSuccess(ctx, subscription.ID); err != nil {
				log.Ctx(ctx).Error().Err(err).Msg("Failed to record delivery success")
			}
		case OutcomeFailed:
			log.Ctx(ctx).Warn().
				Str(logging.FieldResourceType, match.ResourceType).
				Str(logging.FieldResourceID, match.ResourceID).
				Str(logging.FieldReason, outcome.Reason).
				Msg("Delivery failed")
			span.AddEvent(otel.DeliveryFailed, trace.WithAttributes(attribute.String(otel.FHIRResourceID, match.ResourceID)))
			if subscription.Channel.Type == ChannelTypeWebsocket && !s.config.CountSocketFailures {
				continue
			}
			if s.recordFailure(ctx, subscription, outcome.Reason) {
				// The subscription is no longer active, the remaining matches are not attempted.
				s.commit(ctx, subscription, result, match.Marker, result.matches[i+1:])
				span.SetAttributes(attribute.Int(otel.MatchCount, attempted))
				return attempted
			}
		case OutcomeSkipped:
			log.Ctx(ctx).Debug().Str(logging.FieldReason, outcome.Reason).Msg("Delivery skipped")
		}
	}
	s.commit(ctx, subscription, result, result.highest, nil)
	span.SetAttributes(attribute.Int(otel.MatchCount, attempted))
	return attempted
}

type scanResult struct {
	scanned []store.Resource
	matches []MatchedResource
	highest time.Time
}

func (s *Scheduler) scan(ctx context.Context, subscription Subscription) (*scanResult, error) {
	result := &scanResult{}
	for resource, err := range s.scanner.Scan(ctx, subscription.Criteria, subscription.LastScanMarker) {
		if err != nil {
			return nil, err
		}
		if resource.LastUpdated.Equal(subscription.LastScanMarker) && slices.Contains(subscription.ScanBoundary, resource.Reference()) {
			continue
		}
		result.scanned = append(result.scanned, resource)
		if resource.LastUpdated.After(result.highest) {
			result.highest = resource.LastUpdated
		}
		if s.matcher.Matches(subscription, resource) {
			result.matches = append(result.matches, MatchedResource{
				SubscriptionID: subscription.ID,
				ResourceType:   resource.Type,
				ResourceID:     resource.ID,
				Marker:         resource.LastUpdated,
				Payload:        resource.Payload,
			})
		}
	}
	slices.SortStableFunc(result.matches, func(a, b MatchedResource) int {
		return a.Marker.Compare(b.Marker)
	})
	return result, nil
}

// commit advances the subscription's marker and stores the resources at the new marker instant as its scan boundary,
// except for the given unattempted matches.
func (s *Scheduler) commit(ctx context.Context, subscription Subscription, result *scanResult, marker time.Time, unattempted []MatchedResource) {
	if marker.Before(subscription.LastScanMarker) {
		marker = subscription.LastScanMarker
	}
	var boundary []string
	if marker.Equal(subscription.LastScanMarker) {
		boundary = slices.Clone(subscription.ScanBoundary)
	}
	for _, resource := range result.scanned {
		if resource.LastUpdated.Equal(marker) && !slices.Contains(boundary, resource.Reference()) {
			boundary = append(boundary, resource.Reference())
		}
	}
	boundary = slices.DeleteFunc(boundary, func(ref string) bool {
		return slices.ContainsFunc(unattempted, func(match MatchedResource) bool {
			return match.Reference() == ref
		})
	})
	slices.Sort(boundary)
	if marker.Equal(subscription.LastScanMarker) && slices.Equal(boundary, subscription.ScanBoundary) {
		return
	}
	if err := s.registry.AdvanceMarker(ctx, subscription.ID, marker, boundary); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("Failed to advance subscription marker")
		return
	}
	log.Ctx(ctx).Debug().Time(logging.FieldMarker, marker).Int(logging.FieldCount, len(boundary)).Msg("Subscription marker advanced")
}

// deliver hands the match to the channel. It returns when the channel does, so deliveries of a subscription never overlap.
func (s *Scheduler) deliver(ctx context.Context, subscription Subscription, match MatchedResource) Result {
	channel, ok := s.channels[subscription.Channel.Type]
	if !ok {
		return Failed(fmt.Sprintf("unsupported channel type: %s", subscription.Channel.Type))
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.DeliveryTimeout)
	defer cancel()
	result := channel.Deliver(ctx, subscription, match)
	if result.Outcome == OutcomeFailed && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Failed("timeout")
	}
	return result
}

// recordFailure records a failure and reports whether the subscription was escalated to StatusError.
func (s *Scheduler) recordFailure(ctx context.Context, subscription Subscription, reason string) bool {
	escalated, err := s.registry.RecordFailure(ctx, subscription.ID, reason, s.config.FailureThreshold)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("Failed to record delivery failure")
		return false
	}
	if !escalated {
		return false
	}
	log.Ctx(ctx).Warn().Str(logging.FieldReason, reason).Msg("Subscription failed too often, status set to error")
	trace.SpanFromContext(ctx).AddEvent(otel.StatusEscalated)
	if s.metrics != nil {
		s.metrics.Escalations.Inc()
	}
	if s.statusListener != nil {
		updated, err := s.registry.Get(ctx, subscription.ID)
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("Failed to read escalated subscription")
		} else {
			s.statusListener(ctx, *updated)
		}
	}
	return true
}

// claim marks the subscription as being polled. If it already is, its current phase is returned.
func (s *Scheduler) claim(id string) (phase, bool) {
	s.inFlightMux.Lock()
	defer s.inFlightMux.Unlock()
	if current, busy := s.inFlight[id]; busy {
		return current, false
	}
	s.inFlight[id] = phaseScanning
	return phaseScanning, true
}

func (s *Scheduler) setPhase(id string, p phase) {
	s.inFlightMux.Lock()
	defer s.inFlightMux.Unlock()
	s.inFlight[id] = p
}

func (s *Scheduler) release(id string) {
	s.inFlightMux.Lock()
	defer s.inFlightMux.Unlock()
	delete(s.inFlight, id)
}
