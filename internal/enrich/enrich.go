package enrich

import (
	"context"
	"log/slog"
	"time"

	"vodcast-worker/internal/kernel"
	"vodcast-worker/internal/observability/metrics"
)

// Input is the episode identity enrichment works from.
type Input struct {
	Title       string
	Description string
	HostName    string
	ChannelName string
}

// Enrichment methods recorded in provenance.
const (
	MethodLLM      = "llm"
	MethodFallback = "fallback"
)

// Result carries guests, topics, and the provenance bags stored under
// additionalData.guestEnrichment / topicEnrichment.
type Result struct {
	Guests          []Guest
	Topics          []string
	GuestProvenance map[string]any
	TopicProvenance map[string]any
}

// GuestNames returns just the names, in order.
func (r *Result) GuestNames() []string {
	names := make([]string, 0, len(r.Guests))
	for _, g := range r.Guests {
		names = append(names, g.Name)
	}
	return names
}

// GuestDescriptions returns the biographies aligned with GuestNames; guests
// without one contribute an empty string.
func (r *Result) GuestDescriptions() []string {
	descriptions := make([]string, 0, len(r.Guests))
	for _, g := range r.Guests {
		descriptions = append(descriptions, g.Description)
	}
	return descriptions
}

// Enricher orchestrates the extraction flow. A nil LLM degrades every step to
// its pattern-based fallback.
type Enricher struct {
	llm     LLM
	metrics *metrics.Recorder
	logger  *slog.Logger
}

// New builds the orchestrator. llm may be nil.
func New(llm LLM, rec *metrics.Recorder, logger *slog.Logger) *Enricher {
	return &Enricher{llm: llm, metrics: rec, logger: logger}
}

// Enrich runs guest extraction, per-guest biography lookup, and topic
// generation. Per-call failures degrade to fallbacks; a zero-guest result is
// valid. The returned error is always nil today but kept in the signature so
// callers treat enrichment as fallible.
func (e *Enricher) Enrich(ctx context.Context, in Input) (*Result, error) {
	result := &Result{}
	_ = kernel.Step(ctx, e.metrics, "enrichment", func(ctx context.Context) error {
		result.Guests, result.GuestProvenance = e.enrichGuests(ctx, in)
		result.Topics, result.TopicProvenance = e.enrichTopics(ctx, in, result.Guests)
		return nil
	})
	return result, nil
}

func (e *Enricher) enrichGuests(ctx context.Context, in Input) ([]Guest, map[string]any) {
	method := MethodLLM
	var names []string
	if e.llm != nil {
		extracted, err := e.extractGuestsLLM(ctx, in)
		if err != nil {
			if e.logger != nil {
				e.logger.Warn("guest extraction degraded to fallback", "error", err)
			}
			method = MethodFallback
			names = fallbackGuests(in)
		} else {
			names = extracted
		}
	} else {
		method = MethodFallback
		names = fallbackGuests(in)
	}

	guests := make([]Guest, 0, len(names))
	for _, name := range names {
		if e.llm != nil && method == MethodLLM {
			guests = append(guests, e.describeGuest(ctx, name, in))
		} else {
			guests = append(guests, Guest{Name: name, Confidence: ConfidenceLow, Status: StatusSuccess})
		}
	}
	return guests, provenance(method, len(guests), confidenceCounts(guests))
}

func (e *Enricher) enrichTopics(ctx context.Context, in Input, guests []Guest) ([]string, map[string]any) {
	method := MethodLLM
	var topics []string
	if e.llm != nil {
		generated, err := e.generateTopicsLLM(ctx, in, guests)
		if err != nil {
			if e.logger != nil {
				e.logger.Warn("topic generation degraded to fallback", "error", err)
			}
			method = MethodFallback
			topics = fallbackTopics(in)
		} else {
			topics = generated
		}
	} else {
		method = MethodFallback
		topics = fallbackTopics(in)
	}
	return topics, provenance(method, len(topics), nil)
}

func provenance(method string, count int, confidence map[string]int) map[string]any {
	p := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"method":    method,
		"count":     count,
	}
	if len(confidence) > 0 {
		p["confidence"] = confidence
	}
	return p
}

func confidenceCounts(guests []Guest) map[string]int {
	if len(guests) == 0 {
		return nil
	}
	counts := map[string]int{}
	for _, g := range guests {
		counts[g.Confidence]++
	}
	return counts
}
