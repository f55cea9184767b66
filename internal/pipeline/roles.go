package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// Role names, in fixed pipeline priority order. The order matters: consensus
// tie-breaks use it, and the orchestrator reports progress against it.
const (
	RoleGeographic    = "geographic"
	RoleVisual        = "visual"
	RoleEnvironmental = "environmental"
	RoleCultural      = "cultural"
	RoleResearch      = "research"
	RoleValidation    = "validation"
)

// RoleConfig carries the per-role language-model settings.
type RoleConfig struct {
	Model         string
	Temperature   float64
	MaxIterations int
}

// Role is a stateless analyzer capability: a mandate, a bounded tool set, and
// a language model to reason over the gathered evidence. Roles are safe to
// share across concurrent runs.
type Role struct {
	Name     string
	Goal     string
	Priority int
	Tools    []Tool
	Config   RoleConfig

	llm ChatModel
}

const findingSchemaPrompt = `Respond with a single JSON object of the form:
{"insight": "<one concise paragraph of analysis>",
 "estimates": [{"latitude": <decimal degrees>, "longitude": <decimal degrees>,
   "confidence": <0..1>, "reasoning": "<why>", "place_name": "<optional>",
   "country": "<optional>", "region": "<optional>",
   "features": {"<feature>": "<value>"}}]}
If you cannot identify any candidate location, return an empty estimates list.
Never invent coordinates without supporting evidence.`

// Analyze runs the role against one request and produces a Finding. The extra
// argument carries upstream context; only the validation role receives a
// non-empty value (the serialized findings of the other roles).
func (r *Role) Analyze(ctx context.Context, req AnalysisRequest, extra string) (Finding, error) {
	evidence := r.gatherEvidence(ctx, req, extra)

	if len(r.Tools) == 1 && len(evidence) == 0 {
		// The role's only tool failed; there is nothing left to reason over.
		return Finding{
			Role:    r.Name,
			Insight: fmt.Sprintf("%s analysis unavailable: tool %s failed", r.Name, r.Tools[0].Name),
		}, nil
	}

	raw, err := r.llm.Generate(ctx, r.systemPrompt(), r.userPrompt(req, evidence, extra), r.Config.Temperature)
	if err != nil {
		return Finding{}, fmt.Errorf("%s role failed: %w", r.Name, err)
	}

	finding, err := parseFinding(r.Name, raw)
	if err != nil {
		return Finding{}, fmt.Errorf("%s role produced unparseable output: %w", r.Name, err)
	}

	return finding, nil
}

func (r *Role) gatherEvidence(ctx context.Context, req AnalysisRequest, extra string) []string {
	args := map[string]string{
		"image_description": req.Description,
		"findings":          extra,
		// Lookup tools search external services by the image description.
		"query": req.Description,
	}

	var evidence []string
	calls := 0
	for _, tool := range r.Tools {
		if calls >= r.Config.MaxIterations {
			break
		}
		calls++

		result := tool.Run(ctx, args)
		if IsToolError(result) {
			// One failed tool does not invalidate the finding.
			slog.Warn("tool call failed", "role", r.Name, "tool", tool.Name, "result", result)
			continue
		}
		evidence = append(evidence, fmt.Sprintf("[%s] %s", tool.Name, result))
	}

	return evidence
}

func (r *Role) systemPrompt() string {
	return fmt.Sprintf("You are the %s analyzer in an image geolocation pipeline. %s\n\n%s",
		r.Name, r.Goal, findingSchemaPrompt)
}

func (r *Role) userPrompt(req AnalysisRequest, evidence []string, extra string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Image: %s\n", req.ImageRef)
	if req.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", req.Description)
	}
	for k, v := range req.Metadata {
		fmt.Fprintf(&b, "Metadata %s: %s\n", k, v)
	}
	if len(evidence) > 0 {
		b.WriteString("\nGathered evidence:\n")
		for _, e := range evidence {
			b.WriteString(e)
			b.WriteByte('\n')
		}
	}
	if extra != "" {
		b.WriteString("\nFindings from the other analyzers:\n")
		b.WriteString(extra)
		b.WriteByte('\n')
	}
	return b.String()
}

// parseFinding extracts the JSON finding from a model response, tolerating
// surrounding prose and markdown fences. All estimates are clamped.
func parseFinding(role, raw string) (Finding, error) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return Finding{}, fmt.Errorf("no JSON object in response")
	}

	var parsed struct {
		Insight   string             `json:"insight"`
		Estimates []LocationEstimate `json:"estimates"`
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &parsed); err != nil {
		return Finding{}, err
	}

	finding := Finding{Role: role, Insight: parsed.Insight, Estimates: parsed.Estimates}
	for i := range finding.Estimates {
		finding.Estimates[i].Clamp()
	}
	return finding, nil
}

func newRole(name string, priority int, goal string, tools []Tool, cfg RoleConfig, llm ChatModel) *Role {
	return &Role{Name: name, Goal: goal, Priority: priority, Tools: tools, Config: cfg, llm: llm}
}

func NewGeographicRole(llm ChatModel, cfg RoleConfig) *Role {
	return newRole(RoleGeographic, 0,
		"Analyze geographical features, landmarks, terrain, and sun position to determine the precise location. "+
			"Recognize mountain ranges, coastlines, urban patterns, and natural landmarks, and provide specific "+
			"latitude/longitude estimates based on your analysis.",
		geographicTools(), cfg, llm)
}

func NewVisualRole(llm ChatModel, cfg RoleConfig) *Role {
	return newRole(RoleVisual, 1,
		"Extract and analyze visual elements: architectural styles and building materials, infrastructure "+
			"patterns such as roads, bridges and power lines, vehicle types and registration patterns, and "+
			"urban planning characteristics. Identify region-specific visual markers.",
		visualTools(), cfg, llm)
}

func NewEnvironmentalRole(llm ChatModel, cfg RoleConfig) *Role {
	return newRole(RoleEnvironmental, 2,
		"Analyze environmental factors: vegetation types and patterns, climate indicators and weather "+
			"conditions, ecosystem characteristics, and seasonal markers. Determine the climate zone and "+
			"biogeographic region.",
		environmentalTools(), cfg, llm)
}

func NewCulturalRole(llm ChatModel, cfg RoleConfig) *Role {
	return newRole(RoleCultural, 3,
		"Identify cultural and human elements: language on signage or text, cultural dress and customs, "+
			"architectural traditions, and human activity patterns. Determine the cultural region and "+
			"specific location markers.",
		culturalTools(), cfg, llm)
}

func NewResearchRole(llm ChatModel, cfg RoleConfig, lookups *LookupClient) *Role {
	return newRole(RoleResearch, 4,
		"Research external data sources to verify identified features: cross-reference weather and climate "+
			"data, query geographic and cultural databases, and gather supporting evidence for location "+
			"predictions.",
		researchTools(lookups), cfg, llm)
}

func NewValidationRole(llm ChatModel, cfg RoleConfig) *Role {
	return newRole(RoleValidation, 5,
		"Validate the findings of the other analyzers: cross-reference their predictions, identify consensus "+
			"and resolve conflicts, and calculate confidence scores. Only produce your own location estimates "+
			"when the combined evidence supports a confident, specific prediction.",
		validationTools(), cfg, llm)
}
