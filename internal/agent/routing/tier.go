package routing

import (
	"strings"
	"unicode/utf8"
)

// Tier names the three model-selection buckets the Agent Loop's model
// selection step (§4.7) routes an inbound message into.
type Tier string

const (
	TierSimple   Tier = "simple"
	TierModerate Tier = "moderate"
	TierComplex  Tier = "complex"
)

const longThreshold = 30

var simplePatterns = []string{"hi", "hello", "hey", "thanks", "thank you", "what is", "what's", "who is", "remind me", "set a reminder"}

var complexSignals = []string{"plan", "debug", "refactor", "analyze", "multi-step", "architecture", "investigate", "design"}

// Classify buckets text into a Tier using the heuristic in §4.7 step 2:
// short messages matching simple patterns route to simple; two or more
// complex signal words, or one signal in text longer than longThreshold
// runes, route to complex; text more than twice the long threshold
// routes to complex regardless of signal words; everything else is
// moderate.
func Classify(text string) Tier {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)
	length := utf8.RuneCountInString(trimmed)

	if length > 2*longThreshold {
		return TierComplex
	}

	signals := 0
	for _, s := range complexSignals {
		if strings.Contains(lower, s) {
			signals++
		}
	}
	if signals >= 2 {
		return TierComplex
	}
	if signals == 1 && length > longThreshold {
		return TierComplex
	}

	if length <= longThreshold {
		for _, p := range simplePatterns {
			if strings.Contains(lower, p) {
				return TierSimple
			}
		}
	}

	return TierModerate
}

// TierModels maps each Tier to the model ID the Model Router selects for
// it. A zero-value entry falls back to Default.
type TierModels struct {
	Simple   string
	Moderate string
	Complex  string
	Default  string
}

// ModelRouter is the thin Model Router of §4.7: it classifies inbound
// text and maps the resulting Tier to a configured model ID, leaving
// actual provider construction to the caller (internal/agent.LLMProvider
// is the only provider abstraction the loop depends on).
type ModelRouter struct {
	models TierModels
}

// NewModelRouter builds a ModelRouter from a tier-to-model mapping.
func NewModelRouter(models TierModels) *ModelRouter {
	return &ModelRouter{models: models}
}

// ModelFor classifies text and returns the model ID configured for its
// tier, falling back to Default when that tier has no model configured.
func (r *ModelRouter) ModelFor(text string) string {
	tier := Classify(text)
	var model string
	switch tier {
	case TierSimple:
		model = r.models.Simple
	case TierComplex:
		model = r.models.Complex
	default:
		model = r.models.Moderate
	}
	if model == "" {
		model = r.models.Default
	}
	return model
}
