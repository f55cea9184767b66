package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ToolKind is the closed set of tool capabilities a role may carry. Tools are
// dispatched through this enum rather than reflection.
type ToolKind int

const (
	ToolTerrainAnalysis ToolKind = iota
	ToolLandmarkLookup
	ToolSunPosition
	ToolArchitectureStyles
	ToolInfrastructurePatterns
	ToolVegetationAnalysis
	ToolClimateIndicators
	ToolSignageLanguage
	ToolCulturalMarkers
	ToolGeographicSearch
	ToolWeatherQuery
	ToolCulturalLookup
	ToolSatelliteImagery
	ToolCrossReference
	ToolConsistencyCheck
)

// Tool is a named function a role may invoke to gather evidence. It never
// returns an error value: failures come back as a string beginning with
// "Error:" so the calling role can decide whether to continue.
type Tool struct {
	Kind        ToolKind
	Name        string
	Description string
	Run         func(ctx context.Context, args map[string]string) string
}

const toolErrorPrefix = "Error:"

// IsToolError reports whether a tool result is the failure sentinel.
func IsToolError(result string) bool {
	return strings.HasPrefix(result, toolErrorPrefix)
}

// LookupClient queries external knowledge services (geographic databases,
// weather archives, cultural repositories, satellite imagery). When no
// endpoint is configured the client answers from fixed fallback responses;
// callers cannot tell which backend answered.
type LookupClient struct {
	http    *resty.Client
	baseURL string
}

// NewLookupClient builds a client for the external lookup service. An empty
// baseURL selects the fallback backend.
func NewLookupClient(baseURL string) *LookupClient {
	c := &LookupClient{baseURL: strings.TrimSuffix(baseURL, "/")}
	if baseURL != "" {
		c.http = resty.New().
			SetBaseURL(c.baseURL).
			SetTimeout(15 * time.Second).
			SetRetryCount(2)
	}
	return c
}

var lookupFallbacks = map[string]string{
	"geographic": "Geographic search results for %q: mountain ranges, coastal features, urban areas found",
	"weather":    "Weather data for %q: temperate climate, average temp 15C, moderate rainfall",
	"cultural":   "Cultural search for %q: language patterns, architectural styles, customs found",
	"satellite":  "Satellite imagery for %q: urban area visible, vegetation index 0.7",
}

// Lookup queries the named service. The result is either a payload string or
// an "Error: ..." sentinel; it never returns a Go error.
func (c *LookupClient) Lookup(ctx context.Context, service string, params map[string]string) string {
	if c.http == nil {
		tpl, ok := lookupFallbacks[service]
		if !ok {
			return fmt.Sprintf("%s unknown lookup service %q", toolErrorPrefix, service)
		}
		return fmt.Sprintf(tpl, params["query"])
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get("/lookup/" + service)
	if err != nil {
		slog.Warn("external lookup failed", "service", service, "error", err)
		return fmt.Sprintf("%s lookup %s failed: %v", toolErrorPrefix, service, err)
	}
	if resp.IsError() {
		return fmt.Sprintf("%s lookup %s returned status %d", toolErrorPrefix, service, resp.StatusCode())
	}

	return string(resp.Body())
}

// evidenceTool builds a tool that restates the requested evidence so the role
// prompt carries a structured record of what was examined. The real analysis
// happens in the language model; these tools mirror the image-side signals.
func evidenceTool(kind ToolKind, name, description, template string, argKeys ...string) Tool {
	return Tool{
		Kind:        kind,
		Name:        name,
		Description: description,
		Run: func(ctx context.Context, args map[string]string) string {
			vals := make([]any, len(argKeys))
			for i, k := range argKeys {
				v, ok := args[k]
				if !ok || v == "" {
					return fmt.Sprintf("%s missing argument %q for tool %s", toolErrorPrefix, k, name)
				}
				vals[i] = v
			}
			return fmt.Sprintf(template, vals...)
		},
	}
}

func lookupTool(kind ToolKind, name, description, service string, client *LookupClient) Tool {
	return Tool{
		Kind:        kind,
		Name:        name,
		Description: description,
		Run: func(ctx context.Context, args map[string]string) string {
			query, ok := args["query"]
			if !ok || query == "" {
				return fmt.Sprintf("%s missing argument %q for tool %s", toolErrorPrefix, "query", name)
			}
			return client.Lookup(ctx, service, map[string]string{"query": query})
		},
	}
}

func geographicTools() []Tool {
	return []Tool{
		evidenceTool(ToolTerrainAnalysis, "analyze_terrain",
			"Analyze terrain features including mountains, valleys, coastlines, and elevation patterns",
			"Analyzing terrain features from: %s", "image_description"),
		evidenceTool(ToolLandmarkLookup, "identify_landmarks",
			"Identify geographic landmarks like mountains, rivers, lakes, or notable formations",
			"Identifying landmarks from features: %s", "image_description"),
		evidenceTool(ToolSunPosition, "calculate_sun_position",
			"Estimate latitude range from sun position and shadows",
			"Calculating sun position from shadows in: %s", "image_description"),
	}
}

func visualTools() []Tool {
	return []Tool{
		evidenceTool(ToolArchitectureStyles, "analyze_architecture",
			"Identify architectural styles, building materials, and construction patterns",
			"Analyzing architectural styles in: %s", "image_description"),
		evidenceTool(ToolInfrastructurePatterns, "analyze_infrastructure",
			"Examine roads, bridges, power lines, vehicles, and urban planning patterns",
			"Analyzing infrastructure patterns in: %s", "image_description"),
	}
}

func environmentalTools() []Tool {
	return []Tool{
		evidenceTool(ToolVegetationAnalysis, "analyze_vegetation",
			"Classify vegetation types, patterns, and seasonal markers",
			"Analyzing vegetation visible in: %s", "image_description"),
		evidenceTool(ToolClimateIndicators, "analyze_climate",
			"Infer climate zone and weather conditions from environmental cues",
			"Analyzing climate indicators in: %s", "image_description"),
	}
}

func culturalTools() []Tool {
	return []Tool{
		evidenceTool(ToolSignageLanguage, "analyze_signage",
			"Identify languages and scripts on visible signage or text",
			"Analyzing signage and text in: %s", "image_description"),
		evidenceTool(ToolCulturalMarkers, "analyze_cultural_markers",
			"Identify dress, customs, and human activity patterns",
			"Analyzing cultural markers in: %s", "image_description"),
	}
}

func researchTools(client *LookupClient) []Tool {
	return []Tool{
		lookupTool(ToolGeographicSearch, "search_geographic_database",
			"Search geographic databases for location features and landmarks",
			"geographic", client),
		lookupTool(ToolWeatherQuery, "query_weather_data",
			"Query historical weather and climate data for location verification",
			"weather", client),
		lookupTool(ToolCulturalLookup, "lookup_cultural_info",
			"Search cultural, linguistic, and historical databases for regional information",
			"cultural", client),
		lookupTool(ToolSatelliteImagery, "access_satellite_imagery",
			"Access satellite imagery archives for location verification",
			"satellite", client),
	}
}

func validationTools() []Tool {
	return []Tool{
		evidenceTool(ToolCrossReference, "cross_reference_findings",
			"Cross-reference findings from all analyzers to identify consensus and conflicts",
			"Cross-referencing findings: %s", "findings"),
		evidenceTool(ToolConsistencyCheck, "verify_consistency",
			"Verify that identified features are consistent with the proposed location",
			"Verifying consistency of: %s", "findings"),
	}
}
