package routing

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Tier
	}{
		{"greeting", "hi", TierSimple},
		{"short factual", "what is the capital of France", TierSimple},
		{"reminder request", "remind me to call mom at 5pm", TierSimple},
		{"two complex signals", "plan and refactor the billing module", TierComplex},
		{"one signal long text", "debug why the nightly batch job keeps silently dropping rows after midnight", TierComplex},
		{"very long text", "this message just rambles on for a very long time without saying anything in particular at all, really quite a lot of words here", TierComplex},
		{"plain moderate", "can you summarize yesterday's standup notes for the team", TierModerate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.text); got != tt.want {
				t.Errorf("Classify(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestModelRouterFallsBackToDefault(t *testing.T) {
	r := NewModelRouter(TierModels{Default: "fallback-model"})
	if got := r.ModelFor("hi"); got != "fallback-model" {
		t.Errorf("ModelFor(simple) = %q, want fallback-model", got)
	}
}

func TestModelRouterUsesTierModel(t *testing.T) {
	r := NewModelRouter(TierModels{
		Simple:  "cheap-model",
		Complex: "big-model",
		Default: "fallback-model",
	})
	if got := r.ModelFor("hi"); got != "cheap-model" {
		t.Errorf("ModelFor(simple) = %q, want cheap-model", got)
	}
	if got := r.ModelFor("please plan and refactor this entire subsystem"); got != "big-model" {
		t.Errorf("ModelFor(complex) = %q, want big-model", got)
	}
}
