// Package orchestrator implements the central sequencer (spec §4.L): the
// staged Gate → near-me guard → Intent → Route-mapper → parallel
// fan-out/fan-in → post-filter → rank → response-assembly → enrichment
// pipeline. It owns no business logic of its own beyond stage ordering,
// guard short-circuiting, and the single parallel fan-out/fan-in the
// spec mandates — every actual decision is delegated to a narrow
// collaborator interface.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shulchan/shulchan/internal/ctxutil"
	"github.com/shulchan/shulchan/internal/filters"
	"github.com/shulchan/shulchan/internal/model"
	"github.com/shulchan/shulchan/internal/nearme"
	"github.com/shulchan/shulchan/internal/push"
	"github.com/shulchan/shulchan/internal/rank"
	"github.com/shulchan/shulchan/internal/routemap"
)

// GateClassifier is the narrow interface the orchestrator needs from
// internal/gate.
type GateClassifier interface {
	Classify(ctx context.Context, query, uiLocale string) model.GateResult
}

// IntentClassifier is the narrow interface the orchestrator needs from
// internal/intent.
type IntentClassifier interface {
	Classify(ctx context.Context, query, uiLocale string) (model.IntentResult, error)
}

// RouteMapper is the narrow interface the orchestrator needs from
// internal/routemap.
type RouteMapper interface {
	MapTextSearch(ctx context.Context, query, region, language string, bias *model.LatLng) (model.RouteMapping, error)
	MapNearby(ctx context.Context, query, region, language string, userLocation *model.LatLng) (model.RouteMapping, error)
	MapLandmark(ctx context.Context, query, region, language string) (model.RouteMapping, error)
}

// FiltersExtractor is the narrow interface the orchestrator needs from
// internal/filters.
type FiltersExtractor interface {
	Extract(ctx context.Context, query, route, userHints string) model.PreGoogleBaseFilters
}

// ProviderAdapter is the narrow interface the orchestrator needs from
// internal/provider.
type ProviderAdapter interface {
	SearchText(ctx context.Context, p model.TextSearchParams) ([]model.Place, error)
	SearchNearby(ctx context.Context, p model.NearbyParams) ([]model.Place, error)
	SearchAfterGeocode(ctx context.Context, p model.LandmarkParams, geocoded model.LatLng) ([]model.Place, error)
	Geocode(ctx context.Context, query, region string) (model.LatLng, error)
}

// EnrichmentDispatcher is the narrow interface the orchestrator needs
// from internal/enrichment: enqueue one bounded background job per
// (place, provider) pair without blocking the response (spec §4.L step 9).
type EnrichmentDispatcher interface {
	Enqueue(job model.EnrichmentJob)
}

// enrichmentProviders is the fixed set of deep-link providers kicked off
// for every returned place (spec §4.M).
var enrichmentProviders = []string{"wolt", "10bis", "mishloha"}

// Config configures an Orchestrator's collaborators and defaults.
type Config struct {
	Gate        GateClassifier
	Intent      IntentClassifier
	RouteMapper RouteMapper
	Extractor   FiltersExtractor
	Provider    ProviderAdapter
	Ranker      rank.Ranker
	Broker      *push.Broker
	Enrichment  EnrichmentDispatcher

	DefaultRegion string
	BaseWeights   rank.Weights

	// Now returns the current time; defaults to time.Now. Overridable for
	// deterministic tookMs assertions in tests.
	Now func() time.Time

	Logger *slog.Logger
}

// Orchestrator sequences components A-K (spec §2) for a single request.
type Orchestrator struct {
	gate        GateClassifier
	intent      IntentClassifier
	routeMapper RouteMapper
	extractor   FiltersExtractor
	provider    ProviderAdapter
	ranker      rank.Ranker
	broker      *push.Broker
	enrichment  EnrichmentDispatcher

	defaultRegion string
	baseWeights   rank.Weights
	now           func() time.Time
	logger        *slog.Logger
}

func New(cfg Config) *Orchestrator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		gate:          cfg.Gate,
		intent:        cfg.Intent,
		routeMapper:   cfg.RouteMapper,
		extractor:     cfg.Extractor,
		provider:      cfg.Provider,
		ranker:        cfg.Ranker,
		broker:        cfg.Broker,
		enrichment:    cfg.Enrichment,
		defaultRegion: cfg.DefaultRegion,
		baseWeights:   cfg.BaseWeights,
		now:           cfg.Now,
		logger:        logger.With("component", "orchestrator"),
	}
}

// Run executes the full stage sequence for one request (spec §4.L). The
// returned error is non-nil only for failures the caller must surface as
// a request failure (intent/route-mapper/provider/geocode). Guard
// short-circuits (STOP/CLARIFY/missing anchor/missing location) return a
// populated SearchResponse with Assist set and a nil error: those are
// deterministic decisions, not failures.
func (o *Orchestrator) Run(ctx context.Context, requestID string, query model.QueryInput) (*model.SearchResponse, error) {
	start := o.now()

	// Stage 1: language freeze. Script-detection takes absolute priority
	// over any later resolution (spec §4.L step 1).
	queryLanguage := nearme.DetectQueryLanguage(query.Query)

	// Stage 2: gate. No downstream LLM call may start before this guard
	// passes (spec §4.L step 2) — the gate call below is the first LLM call
	// of the run; the language detection above is a local script check.
	gateResult := o.gate.Classify(ctx, query.Query, query.Locale)

	lang := resolveAssistantLanguage(queryLanguage, query.Locale, gateResult.Language)
	ctx = ctxutil.WithLanguage(ctx, o.logger, lang)

	if gateResult.Decision == model.GateStop {
		return o.terminal(ctx, requestID, query, lang, start, gateResult.Confidence,
			model.AssistantGateFail, gateFailMessage(lang), true, model.FailureNone), nil
	}
	if gateResult.Decision == model.GateClarify {
		return o.terminal(ctx, requestID, query, lang, start, gateResult.Confidence,
			model.AssistantClarify, lowConfidenceMessage(lang), false, model.FailureLowConfidence), nil
	}

	// Stage 3: near-me pre-check, deterministic, before any further LLM
	// call (spec §4.L step 3).
	var route model.Route
	var intentResult model.IntentResult
	if nearme.IsNearMeQuery(query.Query) {
		if query.UserLocation == nil {
			return o.terminal(ctx, requestID, query, lang, start, 0,
				model.AssistantClarify, locationRequiredMessage(lang), false, model.FailureLocationRequired), nil
		}
		route = model.RouteNearby
		intentResult = model.IntentResult{Route: model.RouteNearby, Confidence: 1, Reason: "near_me_keyword_override"}
	} else {
		// Stage 4: intent classifier.
		result, err := o.intent.Classify(ctx, query.Query, query.Locale)
		if err != nil {
			return nil, model.NewError(model.KindOf(err), "orchestrator: intent classification failed", err)
		}
		intentResult = result
		route = result.Route

		if route == model.RouteTextSearch && !hasLocationAnchor(query) {
			return o.terminal(ctx, requestID, query, lang, start, result.Confidence,
				model.AssistantClarify, locationRequiredMessage(lang), false, model.FailureLocationRequired), nil
		}
	}

	// Stage 5: route mapper, guards again on NEARBY's location requirement.
	mapping, err := o.mapRoute(ctx, route, query, intentResult)
	if errors.Is(err, routemap.ErrMissingUserLocation) {
		return o.terminal(ctx, requestID, query, lang, start, intentResult.Confidence,
			model.AssistantClarify, locationRequiredMessage(lang), false, model.FailureLocationRequired), nil
	}
	if err != nil {
		return nil, model.NewError(model.KindOf(err), "orchestrator: route mapping failed", err)
	}

	// Stage 6: parallel fan-out/fan-in (spec §4.L step 6, §5). Each task
	// runs against ctx directly rather than an errgroup-derived child
	// context, so that one task's error never cancels the other — only
	// g.Wait()'s bookkeeping is shared.
	var baseFilters model.PreGoogleBaseFilters
	var places []model.Place
	var providerErr error

	var g errgroup.Group
	g.Go(func() error {
		baseFilters = model.MergeClientFilters(o.extractor.Extract(ctx, query.Query, string(route), query.CityText), query.Filters)
		return nil
	})
	g.Go(func() error {
		p, err := o.callProvider(ctx, mapping)
		if err != nil {
			providerErr = err
			return nil
		}
		places = p
		return nil
	})
	_ = g.Wait()

	if providerErr != nil {
		reason := FailureReasonOf(providerErr)
		o.logger.Warn("orchestrator: provider call failed",
			"requestId", requestID, "failureReason", reason, "error", providerErr)
		return nil, model.NewError(model.KindOf(providerErr), "orchestrator: provider call failed", providerErr)
	}

	// Stage 7: post-filter + rank. Ranking weight adjustment happens at
	// this single choke point only (spec §4.K, §9 open question 2).
	final := filters.Tighten(baseFilters, query.Locale, gateResult.Language, o.defaultRegion)
	postResult := filters.ApplyPostFilters(places, final)

	weights, changed := rank.AdjustWeights(rank.Params{
		BaseWeights:      o.baseWeights,
		UserLocation:     query.UserLocation,
		Route:            route,
		FinalFilters:     final,
		HasCuisineScores: false,
	})
	if changed {
		o.logger.Info("ranking_weights_final", "requestId", requestID, "weights", weights)
	}
	ranked := o.ranker.Rank(postResult.Filtered, weights, rank.Params{
		BaseWeights:  weights,
		UserLocation: query.UserLocation,
		Route:        route,
		FinalFilters: final,
	})

	failureReason := model.FailureNone
	if len(ranked) == 0 {
		failureReason = model.FailureNoResults
	}

	// Stage 8: response assembly.
	resp := &model.SearchResponse{
		RequestID: requestID,
		Query: model.ResponseQuery{
			Original: query.Query,
			Parsed:   providerQueryText(mapping),
			Language: lang,
		},
		Results: ranked,
		Chips:   []model.Chip{},
		Meta: model.ResponseMetaInfo{
			TookMs:         o.elapsedMs(start),
			Mode:           strings.ToLower(string(mapping.Method)),
			Confidence:     intentResult.Confidence,
			AppliedFilters: postResult.Applied,
			Source:         "live",
			FailureReason:  failureReason,
		},
	}

	push.PublishReady(ctx, o.broker, requestID, lang)

	// Stage 9: enrichment kickoff. Never blocks the response (spec §4.L
	// step 9, §9 Design Notes: enrichment workers are the only tasks that
	// outlive the request).
	o.kickoffEnrichment(requestID, query, ranked)

	return resp, nil
}

func (o *Orchestrator) mapRoute(ctx context.Context, route model.Route, query model.QueryInput, intentResult model.IntentResult) (model.RouteMapping, error) {
	region := intentResult.Region
	if region == "" {
		region = o.defaultRegion
	}
	language := intentResult.Language
	if language == "" {
		language = query.Locale
	}

	switch route {
	case model.RouteTextSearch:
		return o.routeMapper.MapTextSearch(ctx, query.Query, region, language, query.UserLocation)
	case model.RouteNearby:
		return o.routeMapper.MapNearby(ctx, query.Query, region, language, query.UserLocation)
	case model.RouteLandmark:
		return o.routeMapper.MapLandmark(ctx, query.Query, region, language)
	default:
		return model.RouteMapping{}, model.NewError(model.KindInternal, fmt.Sprintf("orchestrator: unknown route %q", route), nil)
	}
}

// geocodeFailure marks a provider error as having occurred during the
// LANDMARK branch's geocode step, so FailureReasonOf can distinguish it
// from a plain searchNearby/searchText upstream failure.
type geocodeFailure struct{ cause error }

func (e *geocodeFailure) Error() string { return "orchestrator: geocode failed: " + e.cause.Error() }
func (e *geocodeFailure) Unwrap() error { return e.cause }

func (o *Orchestrator) callProvider(ctx context.Context, mapping model.RouteMapping) ([]model.Place, error) {
	switch mapping.Method {
	case model.MethodTextSearch:
		return o.provider.SearchText(ctx, *mapping.TextSearch)
	case model.MethodNearby:
		return o.provider.SearchNearby(ctx, *mapping.Nearby)
	case model.MethodLandmark:
		geocoded, err := o.provider.Geocode(ctx, mapping.Landmark.GeocodeQuery, mapping.Landmark.Region)
		if err != nil {
			return nil, &geocodeFailure{cause: err}
		}
		return o.provider.SearchAfterGeocode(ctx, *mapping.Landmark, geocoded)
	default:
		return nil, model.NewError(model.KindInternal, fmt.Sprintf("orchestrator: unknown provider method %q", mapping.Method), nil)
	}
}

// FailureReasonOf maps a Run() error to the meta.failureReason taxonomy
// (spec §4.L), so the caller (the async job wrapper in internal/server)
// can record it on a failed job without re-deriving classification logic.
func FailureReasonOf(err error) model.FailureReason {
	var geoErr *geocodeFailure
	if errors.As(err, &geoErr) {
		return model.FailureGeocodingFailed
	}
	switch model.KindOf(err) {
	case model.KindUpstreamTimeout:
		return model.FailureTimeout
	case model.KindRateLimited:
		return model.FailureQuotaExceeded
	case model.KindUpstreamError:
		return model.FailureGoogleAPIError
	default:
		return model.FailureGoogleAPIError
	}
}

func (o *Orchestrator) kickoffEnrichment(requestID string, query model.QueryInput, places []model.Place) {
	if o.enrichment == nil {
		return
	}
	for _, p := range places {
		for _, provider := range enrichmentProviders {
			o.enrichment.Enqueue(model.EnrichmentJob{
				RequestID: requestID,
				PlaceID:   p.ID,
				Name:      p.Name,
				CityText:  query.CityText,
				Provider:  provider,
			})
		}
	}
}

func (o *Orchestrator) terminal(ctx context.Context, requestID string, query model.QueryInput, lang model.Language, start time.Time, confidence float64, msgType model.AssistantMessageType, message string, blocksSearch bool, reason model.FailureReason) *model.SearchResponse {
	push.PublishAssistant(ctx, o.broker, requestID, lang, msgType, message, blocksSearch)
	return &model.SearchResponse{
		RequestID: requestID,
		Query: model.ResponseQuery{
			Original: query.Query,
			Parsed:   query.Query,
			Language: lang,
		},
		Results: []model.Place{},
		Chips:   []model.Chip{},
		Assist:  &model.Assist{Type: msgType, Message: message},
		Meta: model.ResponseMetaInfo{
			TookMs:        o.elapsedMs(start),
			Mode:          "blocked",
			Confidence:    confidence,
			FailureReason: reason,
		},
	}
}

func (o *Orchestrator) elapsedMs(start time.Time) int64 {
	return o.now().Sub(start).Milliseconds()
}

func hasLocationAnchor(query model.QueryInput) bool {
	return query.CityText != "" || query.UserLocation != nil
}

func providerQueryText(mapping model.RouteMapping) string {
	switch mapping.Method {
	case model.MethodTextSearch:
		return mapping.TextSearch.TextQuery
	case model.MethodNearby:
		return mapping.Nearby.Keyword
	case model.MethodLandmark:
		return mapping.Landmark.Keyword
	default:
		return ""
	}
}

// resolveAssistantLanguage applies spec §4.L step 1's priority chain:
// script-detected queryLanguage always wins when it is a member of the
// six-language assistant set (it always is, since nearme.DetectQueryLanguage
// only ever returns "he" or "en"); uiLanguage and the gate's own language
// guess are fallbacks for callers that supply a partial queryLanguage.
func resolveAssistantLanguage(queryLanguage, uiLanguage, gateLanguage string) model.Language {
	if lang, ok := asAssistantLanguage(queryLanguage); ok {
		return lang
	}
	if lang, ok := asAssistantLanguage(uiLanguage); ok {
		return lang
	}
	if lang, ok := asAssistantLanguage(gateLanguage); ok {
		return lang
	}
	return model.DefaultLang
}

func asAssistantLanguage(raw string) (model.Language, bool) {
	switch model.Language(raw) {
	case model.LangHebrew, model.LangEnglish, model.LangArabic, model.LangRussian, model.LangFrench, model.LangSpanish:
		return model.Language(raw), true
	default:
		return "", false
	}
}

var gateFailMessages = map[model.Language]string{
	model.LangHebrew:  "אני יכול לעזור רק בחיפוש מסעדות ומקומות אוכל. נסו לשאול אותי על מסעדה או סוג מטבח.",
	model.LangEnglish: "I can only help you find restaurants and places to eat. Try asking about a restaurant or cuisine.",
}

func gateFailMessage(lang model.Language) string {
	if msg, ok := gateFailMessages[lang]; ok {
		return msg
	}
	return gateFailMessages[model.LangEnglish]
}

var lowConfidenceMessages = map[model.Language]string{
	model.LangHebrew:  "לא הייתי בטוח שהשאלה שלך קשורה לחיפוש מסעדות. תוכלו לנסח מחדש?",
	model.LangEnglish: "I wasn't sure that was a restaurant search. Could you rephrase?",
}

func lowConfidenceMessage(lang model.Language) string {
	if msg, ok := lowConfidenceMessages[lang]; ok {
		return msg
	}
	return lowConfidenceMessages[model.LangEnglish]
}

var locationRequiredMessages = map[model.Language]string{
	model.LangHebrew:  "אני צריך את המיקום שלכם כדי לחפש לידכם. תוכלו לשתף מיקום?",
	model.LangEnglish: "I need your location to search near you. Can you share it?",
}

func locationRequiredMessage(lang model.Language) string {
	if msg, ok := locationRequiredMessages[lang]; ok {
		return msg
	}
	return locationRequiredMessages[model.LangEnglish]
}
