package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/villamira/availd/pkg/availability"
	"github.com/villamira/availd/pkg/dedup"
	"github.com/villamira/availd/pkg/invalidation"
	"github.com/villamira/availd/pkg/offline"
	"github.com/villamira/availd/pkg/querycache"
	"github.com/villamira/availd/pkg/upstream"
)

// availabilityResponse is the public quote contract.
type availabilityResponse struct {
	Success       bool               `json:"success"`
	IsAvailable   bool               `json:"isAvailable"`
	TotalPrice    float64            `json:"totalPrice"`
	PricePerNight float64            `json:"pricePerNight"`
	Nights        int                `json:"nights"`
	BookedDates   []string           `json:"bookedDates"`
	DailyPrices   map[string]float64 `json:"dailyPrices"`
	Performance   performanceBlock   `json:"performance"`
}

type performanceBlock struct {
	ResponseTimeMs int64       `json:"responseTimeMs"`
	CacheStats     dedup.Stats `json:"cacheStats"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	ureq, err := offline.ParseAvailabilityQuery(r.URL.Query())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	key := requestKey(ureq)
	window, err := s.qc.Get(r.Context(), key, ureq.ResourceID, func(ctx context.Context) (*availability.Window, error) {
		return s.fetchWindow(ctx, ureq)
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("resource", ureq.ResourceID).Msg("Availability lookup failed")
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "availability data unavailable"})
		return
	}

	quote := window.Quote(ureq.Range)
	writeJSON(w, http.StatusOK, availabilityResponse{
		Success:       true,
		IsAvailable:   quote.IsAvailable,
		TotalPrice:    quote.TotalPrice,
		PricePerNight: quote.PricePerNight,
		Nights:        quote.Nights,
		BookedDates:   quote.BookedDates,
		DailyPrices:   quote.DailyPrices,
		Performance: performanceBlock{
			ResponseTimeMs: time.Since(start).Milliseconds(),
			CacheStats:     s.deduper.Stats(),
		},
	})
}

// handleAvailabilityBatch quotes several resources sharing one date range
// and party size in a single upstream round trip.
func (s *Server) handleAvailabilityBatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	q := r.URL.Query()

	resources := strings.Split(q.Get("resources"), ",")
	if len(resources) == 0 || resources[0] == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing resources parameter"})
		return
	}
	q.Set("resource", resources[0])
	base, err := offline.ParseAvailabilityQuery(q)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	windows, err := s.batcher.FetchBatch(r.Context(), resources, base)
	if err != nil && len(windows) == 0 {
		s.logger.Warn().Err(err).Msg("Batch availability lookup failed")
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "availability data unavailable"})
		return
	}

	quotes := make(map[string]availability.Quote, len(windows))
	for id, window := range windows {
		quotes[id] = window.Quote(base.Range)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"quotes":  quotes,
		"performance": performanceBlock{
			ResponseTimeMs: time.Since(start).Milliseconds(),
			CacheStats:     s.deduper.Stats(),
		},
	})
}

// handleBroadcast publishes an invalidation event to channel subscribers
// and applies it to this instance's own cache tiers.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var msg invalidation.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid event payload"})
		return
	}

	seq, err := s.hub.Publish(r.Context(), msg)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	msg.Sequence = seq
	ev, err := msg.Event()
	if err == nil {
		s.qc.Invalidate(ev)
		if aerr := s.agent.ApplyInvalidation(r.Context(), ev); aerr != nil {
			s.logger.Warn().Err(aerr).Msg("Offline invalidation failed")
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"sequence": seq,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.hub.ConnCount(),
		"cacheStats":  s.deduper.Stats(),
		"tiers":       s.tel.Snapshot(),
	})
}

// staticHandler serves site assets with the per-class Cache-Control the
// offline agent mirrors: a week for images, a day for everything else.
func (s *Server) staticHandler() http.Handler {
	fs := http.FileServer(http.Dir(s.cfg.Server.StaticDir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		maxAge := int(s.cfg.Offline.StaticTTL.Std().Seconds())
		if offline.Classify(r.URL.Path) == offline.ClassImage {
			maxAge = int(s.cfg.Offline.ImageTTL.Std().Seconds())
		}
		w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(maxAge))
		fs.ServeHTTP(w, r)
	})
}

// requestKey is the query cache key for one availability lookup.
func requestKey(ureq upstream.Request) querycache.Key {
	return querycache.Key{
		"availability",
		ureq.ResourceID,
		ureq.Range.Start.Format(availability.WireDate),
		ureq.Range.End.Format(availability.WireDate),
		"p" + strconv.Itoa(ureq.PartySize),
		"c" + strconv.Itoa(ureq.ChildCount),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
