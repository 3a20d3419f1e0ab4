package offline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/villamira/availd/pkg/availability"
	"github.com/villamira/availd/pkg/clock"
	"github.com/villamira/availd/pkg/invalidation"
	"github.com/villamira/availd/pkg/telemetry"
	"github.com/villamira/availd/pkg/upstream"
)

// Class is the resource class a request is routed into.
type Class string

const (
	// ClassAPI covers availability API calls: network-first with bounded
	// TTL fallback.
	ClassAPI Class = "api"

	// ClassStatic covers static assets: cache-first with background
	// refresh on hit.
	ClassStatic Class = "static"

	// ClassImage covers images: cache-first with the longest TTL and a
	// placeholder on total failure.
	ClassImage Class = "image"
)

// Classify routes a request path into a resource class.
func Classify(p string) Class {
	if strings.HasPrefix(p, "/api/") {
		return ClassAPI
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".avif", ".ico":
		return ClassImage
	}
	return ClassStatic
}

// Request is one outgoing request intercepted by the agent.
type Request struct {
	Path  string
	Query url.Values
}

// ResponseSource records which tier produced a response.
type ResponseSource string

const (
	SourceNetwork     ResponseSource = "network"
	SourceCache       ResponseSource = "cache"
	SourceSynthetic   ResponseSource = "synthetic"
	SourcePlaceholder ResponseSource = "placeholder"
)

// Response is the agent's answer to an intercepted request.
type Response struct {
	Status      int
	Body        []byte
	ContentType string
	Source      ResponseSource
}

// Fetcher performs the real network call on behalf of the agent.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req Request) (*Response, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// Namespaces are the three versioned storage prefixes. Bumping a version on
// deployment orphans only that namespace's entries.
type Namespaces struct {
	API    string
	Static string
	Image  string
}

// Config holds the per-class policy windows.
type Config struct {
	// APITTL bounds how long a stored availability response may serve as
	// a network-failure fallback.
	APITTL time.Duration

	// StaticTTL for static assets.
	StaticTTL time.Duration

	// ImageTTL for images.
	ImageTTL time.Duration

	Namespaces Namespaces
}

// DefaultConfig returns the default policy windows.
func DefaultConfig() Config {
	return Config{
		APITTL:    5 * time.Minute,
		StaticTTL: 24 * time.Hour,
		ImageTTL:  7 * 24 * time.Hour,
		Namespaces: Namespaces{
			API:    "api-v1",
			Static: "static-v1",
			Image:  "img-v1",
		},
	}
}

// placeholderImage is served when an image has no cached copy and the
// network is down, so the UI never renders a broken tile.
var placeholderImage = []byte(`<svg xmlns="http://www.w3.org/2000/svg" width="16" height="16"><rect width="16" height="16" fill="#e5e5e5"/></svg>`)

// invalRecord is the last processed invalidation per resource.
type invalRecord struct {
	seq uint64
	rng availability.DateRange
}

// Agent applies the per-class caching policies over a persistent Store.
type Agent struct {
	store   Store
	fetcher Fetcher
	cfg     Config
	clk     clock.Clock
	logger  zerolog.Logger
	tel     *telemetry.Collector

	mu        sync.Mutex
	lastInval map[string]invalRecord
}

// New creates an offline cache agent. The collector may be nil.
func New(store Store, fetcher Fetcher, cfg Config, clk clock.Clock, logger zerolog.Logger, tel *telemetry.Collector) *Agent {
	if cfg.APITTL <= 0 {
		cfg = DefaultConfig()
	}
	return &Agent{
		store:     store,
		fetcher:   fetcher,
		cfg:       cfg,
		clk:       clk,
		logger:    logger,
		tel:       tel,
		lastInval: make(map[string]invalRecord),
	}
}

// Do intercepts one outgoing request and applies its class policy.
func (a *Agent) Do(ctx context.Context, req Request) (*Response, error) {
	switch Classify(req.Path) {
	case ClassAPI:
		return a.doAPI(ctx, req)
	case ClassImage:
		return a.doCacheFirst(ctx, req, a.imageKey(req), a.cfg.ImageTTL, true)
	default:
		return a.doCacheFirst(ctx, req, a.staticKey(req), a.cfg.StaticTTL, false)
	}
}

// doAPI is the network-first availability policy: try upstream, fall back
// to a stored response only while it is younger than APITTL, otherwise
// synthesize an explicit "data unavailable" answer. Arbitrarily stale
// availability is never served silently.
func (a *Agent) doAPI(ctx context.Context, req Request) (*Response, error) {
	ureq, err := ParseAvailabilityQuery(req.Query)
	if err != nil {
		// Not an availability lookup; pass straight through.
		return a.fetcher.Fetch(ctx, req)
	}
	key := a.apiKey(ureq)
	seq := a.sequenceFor(ureq.ResourceID)

	resp, err := a.fetcher.Fetch(ctx, req)
	if err == nil && resp.Status < 500 {
		if resp.Status == 200 {
			a.storeAPI(ctx, key, ureq, resp, seq)
		}
		a.record(telemetry.OutcomeSuccess)
		resp.Source = SourceNetwork
		return resp, nil
	}
	if err != nil {
		a.logger.Warn().Err(err).Str("key", key).Msg("Network fetch failed, trying stored fallback")
	}

	entry, gerr := a.store.Get(ctx, key)
	if gerr == nil {
		a.record(telemetry.OutcomeHit)
		a.logger.Debug().
			Str("key", key).
			Dur("age", entry.Age(a.clk.Now())).
			Msg("Serving stored availability fallback")
		return &Response{
			Status:      200,
			Body:        entry.Payload,
			ContentType: entry.ContentType,
			Source:      SourceCache,
		}, nil
	}
	if errors.Is(gerr, ErrCorruption) {
		a.logger.Warn().Str("key", key).Msg("Evicted corrupt availability entry")
	}

	a.record(telemetry.OutcomeError)
	return &Response{
		Status:      503,
		Body:        []byte(`{"success":false,"error":"availability data unavailable"}`),
		ContentType: "application/json",
		Source:      SourceSynthetic,
	}, nil
}

// storeAPI persists a fresh availability response unless a later
// invalidation for an overlapping range superseded the fetch while it was
// in flight.
func (a *Agent) storeAPI(ctx context.Context, key string, ureq upstream.Request, resp *Response, dispatchSeq uint64) {
	a.mu.Lock()
	last, ok := a.lastInval[ureq.ResourceID]
	a.mu.Unlock()
	if ok && dispatchSeq < last.seq && last.rng.Overlaps(ureq.Range) {
		a.logger.Info().
			Str("key", key).
			Uint64("write_seq", dispatchSeq).
			Uint64("invalidation_seq", last.seq).
			Msg("Discarding superseded availability write")
		return
	}

	entry := &Entry{
		Key:         key,
		Payload:     resp.Body,
		ContentType: resp.ContentType,
		StoredAt:    a.clk.Now(),
		TTL:         a.cfg.APITTL,
		Namespace:   a.cfg.Namespaces.API,
		Sequence:    a.sequenceFor(ureq.ResourceID),
	}
	if err := a.store.Set(ctx, entry); err != nil {
		a.logger.Warn().Err(err).Str("key", key).Msg("Failed to store availability response")
	}
}

// doCacheFirst serves from the store when possible, refreshing in the
// background on hit. With placeholder set (images), total failure yields a
// placeholder payload instead of an error.
func (a *Agent) doCacheFirst(ctx context.Context, req Request, key string, ttl time.Duration, placeholder bool) (*Response, error) {
	entry, err := a.store.Get(ctx, key)
	if err == nil {
		a.record(telemetry.OutcomeHit)
		go a.refresh(req, key, ttl)
		return &Response{
			Status:      200,
			Body:        entry.Payload,
			ContentType: entry.ContentType,
			Source:      SourceCache,
		}, nil
	}
	if errors.Is(err, ErrCorruption) {
		a.logger.Warn().Str("key", key).Msg("Evicted corrupt cache entry")
	}
	a.record(telemetry.OutcomeMiss)

	resp, ferr := a.fetcher.Fetch(ctx, req)
	if ferr == nil && resp.Status == 200 {
		a.storeResponse(ctx, key, resp, ttl)
		resp.Source = SourceNetwork
		return resp, nil
	}

	if placeholder {
		a.record(telemetry.OutcomeError)
		return &Response{
			Status:      200,
			Body:        placeholderImage,
			ContentType: "image/svg+xml",
			Source:      SourcePlaceholder,
		}, nil
	}
	if ferr != nil {
		a.record(telemetry.OutcomeError)
		return nil, ferr
	}
	return resp, nil
}

// refresh refetches a cache-first entry in the background after a hit.
func (a *Agent) refresh(req Request, key string, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := a.fetcher.Fetch(ctx, req)
	if err != nil || resp.Status != 200 {
		a.logger.Debug().Str("key", key).Msg("Background refresh failed, keeping cached copy")
		return
	}
	a.storeResponse(ctx, key, resp, ttl)
}

func (a *Agent) storeResponse(ctx context.Context, key string, resp *Response, ttl time.Duration) {
	ns := key
	if i := strings.Index(key, ":"); i > 0 {
		ns = key[:i]
	}
	entry := &Entry{
		Key:         key,
		Payload:     resp.Body,
		ContentType: resp.ContentType,
		StoredAt:    a.clk.Now(),
		TTL:         ttl,
		Namespace:   ns,
	}
	if err := a.store.Set(ctx, entry); err != nil {
		a.logger.Warn().Err(err).Str("key", key).Msg("Failed to store response")
	}
}

// ApplyInvalidation evicts exactly the stored availability entries whose
// date range overlaps the event's range for the event's resource. Entries
// for other resources or disjoint periods are untouched, as are entries
// written after the event (by sequence).
func (a *Agent) ApplyInvalidation(ctx context.Context, ev invalidation.Event) error {
	a.mu.Lock()
	if last, ok := a.lastInval[ev.ResourceID]; !ok || ev.Sequence > last.seq {
		a.lastInval[ev.ResourceID] = invalRecord{seq: ev.Sequence, rng: ev.Range}
	}
	a.mu.Unlock()

	prefix := a.cfg.Namespaces.API + ":avail:" + ev.ResourceID + ":"
	keys, err := a.store.Keys(ctx, prefix)
	if err != nil {
		return fmt.Errorf("list availability keys: %w", err)
	}

	evicted := 0
	for _, key := range keys {
		ureq, perr := upstream.ParseKey(strings.TrimPrefix(key, a.cfg.Namespaces.API+":"))
		if perr != nil {
			continue
		}
		if !ureq.Range.Overlaps(ev.Range) {
			continue
		}
		entry, gerr := a.store.Get(ctx, key)
		if gerr == nil && entry.Sequence >= ev.Sequence {
			// Written after the event, still authoritative.
			continue
		}
		if derr := a.store.Delete(ctx, key); derr != nil {
			a.logger.Warn().Err(derr).Str("key", key).Msg("Failed to evict invalidated entry")
			continue
		}
		evicted++
	}

	a.logger.Info().
		Str("resource", ev.ResourceID).
		Str("range", ev.Range.String()).
		Str("event", string(ev.Type)).
		Uint64("sequence", ev.Sequence).
		Int("evicted", evicted).
		Msg("Applied invalidation event")
	return nil
}

// Resync refetches every cached availability lookup. Run after a client
// was offline and may have missed invalidation events.
func (a *Agent) Resync(ctx context.Context) (int, error) {
	keys, err := a.store.Keys(ctx, a.cfg.Namespaces.API+":avail:")
	if err != nil {
		return 0, fmt.Errorf("list availability keys: %w", err)
	}

	refreshed := 0
	for _, key := range keys {
		ureq, perr := upstream.ParseKey(strings.TrimPrefix(key, a.cfg.Namespaces.API+":"))
		if perr != nil {
			continue
		}
		if _, err := a.Do(ctx, AvailabilityRequest(ureq)); err != nil {
			a.logger.Warn().Err(err).Str("key", key).Msg("Resync fetch failed")
			continue
		}
		refreshed++
	}

	a.logger.Info().Int("refreshed", refreshed).Int("total", len(keys)).Msg("Resync complete")
	return refreshed, nil
}

// ClearNamespace removes every entry in one namespace. Deployments bump a
// namespace version instead when they only need to orphan old entries.
func (a *Agent) ClearNamespace(ctx context.Context, namespace string) (int, error) {
	keys, err := a.store.Keys(ctx, namespace+":")
	if err != nil {
		return 0, fmt.Errorf("list namespace keys: %w", err)
	}
	for _, key := range keys {
		if err := a.store.Delete(ctx, key); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

// sequenceFor returns the last processed invalidation sequence for a resource.
func (a *Agent) sequenceFor(resourceID string) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastInval[resourceID].seq
}

func (a *Agent) apiKey(ureq upstream.Request) string {
	return a.cfg.Namespaces.API + ":" + ureq.Key()
}

func (a *Agent) staticKey(req Request) string {
	return a.cfg.Namespaces.Static + ":" + req.Path
}

func (a *Agent) imageKey(req Request) string {
	return a.cfg.Namespaces.Image + ":" + req.Path
}

func (a *Agent) record(outcome telemetry.Outcome) {
	a.tel.Record(telemetry.Event{Tier: telemetry.TierOffline, Outcome: outcome})
}

// ParseAvailabilityQuery decodes the availability endpoint's query
// parameters into an upstream request.
func ParseAvailabilityQuery(q url.Values) (upstream.Request, error) {
	resource := q.Get("resource")
	if resource == "" {
		return upstream.Request{}, fmt.Errorf("missing resource parameter")
	}
	rng, err := availability.ParseDateRange(q.Get("startDate"), q.Get("endDate"))
	if err != nil {
		return upstream.Request{}, err
	}
	party, err := strconv.Atoi(q.Get("partySize"))
	if err != nil || party < 1 {
		return upstream.Request{}, fmt.Errorf("invalid partySize %q", q.Get("partySize"))
	}
	children := 0
	if c := q.Get("childCount"); c != "" {
		children, err = strconv.Atoi(c)
		if err != nil || children < 0 {
			return upstream.Request{}, fmt.Errorf("invalid childCount %q", c)
		}
	}
	return upstream.Request{ResourceID: resource, Range: rng, PartySize: party, ChildCount: children}, nil
}

// AvailabilityRequest builds the agent request for an availability lookup.
func AvailabilityRequest(ureq upstream.Request) Request {
	q := url.Values{}
	q.Set("resource", ureq.ResourceID)
	q.Set("startDate", ureq.Range.Start.Format(availability.WireDate))
	q.Set("endDate", ureq.Range.End.Format(availability.WireDate))
	q.Set("partySize", strconv.Itoa(ureq.PartySize))
	if ureq.ChildCount > 0 {
		q.Set("childCount", strconv.Itoa(ureq.ChildCount))
	}
	return Request{Path: "/api/availability", Query: q}
}
