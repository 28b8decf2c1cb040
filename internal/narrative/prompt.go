package narrative

import (
	"fmt"
	"strings"
)

const systemPrompt = `You are Kubilitics RCA, an assistant that explains anomalies found in continuous-testing telemetry.

ROLE:
- Explain, in plain language, why the evaluation was flagged
- Ground every statement in the supplied primary cause, contributing factors and timeline
- Never invent metrics, services or values that are not in the payload

OUTPUT FORMAT:
- At most five sentences, no markdown headings
- Name the primary cause first and quote its largest deviation from baseline
- When causal confidence is low, say the cause is inferred from attribution only`

const explainTemplate = `## Anomaly: {{.Source}}

**Anomaly ID:** {{.AnomalyID}}
**Detected:** {{.DetectedAt}}
**Severity:** {{.Severity}} (confidence {{.Confidence}})
**Primary Cause:** {{.PrimaryCause}}
**Causal Backing:** {{.Causal}}

**Contributing Factors:**
{{.Factors}}

**Timeline (value, delta from baseline):**
{{.Timeline}}

Explain this anomaly to an on-call engineer.`

// maxTimelineLines keeps prompts bounded for long lookback windows.
const maxTimelineLines = 24

// renderPrompt fills explainTemplate from the payload.
func renderPrompt(p Payload) string {
	var factors strings.Builder
	for i, f := range p.ContributingFactors {
		fmt.Fprintf(&factors, "%d. %s: %.1f%%\n", i+1, f.Feature, 100*f.AttributionWeight)
	}

	entries := p.Timeline
	if len(entries) > maxTimelineLines {
		entries = entries[len(entries)-maxTimelineLines:]
	}
	var timeline strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&timeline, "- %s %s = %g (%+g)\n",
			e.Timestamp.UTC().Format("2006-01-02T15:04:05Z"), e.Feature, e.Value, e.DeltaFromBaseline)
	}

	causal := "granger precedence"
	if p.LowCausalConfidence {
		causal = "none, attribution only"
	}

	r := strings.NewReplacer(
		"{{.Source}}", p.Source,
		"{{.AnomalyID}}", p.AnomalyID,
		"{{.DetectedAt}}", p.DetectedAt.UTC().Format("2006-01-02T15:04:05Z"),
		"{{.Severity}}", string(p.Severity),
		"{{.Confidence}}", fmt.Sprintf("%.2f", p.Confidence),
		"{{.PrimaryCause}}", fmt.Sprintf("%s (%.2f)", p.PrimaryCause.Feature, p.PrimaryCause.Confidence),
		"{{.Causal}}", causal,
		"{{.Factors}}", strings.TrimRight(factors.String(), "\n"),
		"{{.Timeline}}", strings.TrimRight(timeline.String(), "\n"),
	)
	return r.Replace(explainTemplate)
}
