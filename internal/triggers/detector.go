// Package triggers scans inbound text for signals that a human should take
// over the conversation. Detection is pure and deterministic: the same input
// always yields the same deduplicated, sorted trigger set.
package triggers

import (
	"regexp"
	"sort"
	"strings"

	"github.com/collectra/orchestrator/internal/core"
)

// DefaultEscalationThreshold is the confidence at which a trigger alone
// forces escalation.
const DefaultEscalationThreshold = 0.7

const (
	regexBaseConfidence      = 0.70
	legalRegexBaseConfidence = 0.85
	keywordBaseConfidence    = 0.50
	strongKeywordConfidence  = 0.75

	longMatchBonus       = 0.10 // match longer than 10 chars
	exactPatternBonus    = 0.05 // pattern carries no wildcards
	supervisorCueBonus   = 0.10 // anger match names a supervisor/manager
	repeatedKeywordBonus = 0.10
)

type compiledPattern struct {
	re        *regexp.Regexp
	wildcards bool
}

type reasonClass struct {
	reason   core.TriggerReason
	patterns []compiledPattern
	keywords []string
	strong   map[string]bool
}

func compileClass(reason core.TriggerReason, patterns []string, keywords []string, strong []string) reasonClass {
	compiled := make([]compiledPattern, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, compiledPattern{
			re:        regexp.MustCompile("(?i)" + p),
			wildcards: strings.Contains(p, ".*") || strings.Contains(p, ".+"),
		})
	}
	strongSet := make(map[string]bool, len(strong))
	for _, s := range strong {
		strongSet[s] = true
	}
	return reasonClass{reason: reason, patterns: compiled, keywords: keywords, strong: strongSet}
}

var classes = []reasonClass{
	compileClass(core.ReasonAnger,
		[]string{
			`this is (ridiculous|unacceptable|outrageous)`,
			`i('m| am) (so |really |getting )?(angry|furious|pissed|fed up)`,
			`(sick|tired) of (this|you|these)`,
			`stop (calling|texting|harassing)( me)?`,
			`let me (speak|talk) to (a|your) (supervisor|manager)`,
			`i want to (speak|talk) to someone higher.?up`,
		},
		[]string{"angry", "furious", "ridiculous", "unacceptable", "harassment", "outrageous", "fed up"},
		[]string{"furious", "harassment"},
	),
	compileClass(core.ReasonLegalRequest,
		[]string{
			`(my|an?) (lawyer|attorney)`,
			`calling my lawyer`,
			`legal (action|advice|counsel)`,
			`(sue|suing|lawsuit)`,
			`cease and desist`,
			`fair debt collection`,
			`report (you|this) to (the )?(authorities|ftc|cfpb)`,
		},
		[]string{"lawyer", "attorney", "lawsuit", "sue", "legal", "court", "fdcpa"},
		[]string{"lawyer", "attorney", "lawsuit", "cease and desist"},
	),
	compileClass(core.ReasonComplaint,
		[]string{
			`i (want|would like|need) to (file|make) a complaint`,
			`this is (terrible|awful|horrible) (service|treatment)`,
			`(worst|terrible) (company|service|experience)`,
			`better business bureau`,
			`filing a complaint`,
		},
		[]string{"complaint", "complain", "unprofessional", "terrible", "awful"},
		[]string{"complaint", "better business bureau"},
	),
	compileClass(core.ReasonConfusion,
		[]string{
			`i (don'?t|do not) understand`,
			`what (is|are) (this|these|you talking about)`,
			`who (is|are) (this|you)`,
			`why (am i|did i) (getting|receiving)`,
			`makes? no sense`,
		},
		[]string{"confused", "confusing", "understand", "explain", "clarify"},
		[]string{"confused"},
	),
	compileClass(core.ReasonDissatisfaction,
		[]string{
			`(not|isn'?t) (working|helping|good enough)`,
			`this (doesn'?t|does not) (help|work)`,
			`(unhappy|dissatisfied|disappointed) with`,
			`waste of (my )?time`,
			`you('re| are) not listening`,
		},
		[]string{"unhappy", "dissatisfied", "disappointed", "useless", "pointless"},
		[]string{"dissatisfied"},
	),
}

var supervisorCue = regexp.MustCompile(`(?i)supervisor|manager|higher.?up`)

// Detector scans messages for escalation triggers.
type Detector struct {
	threshold float64
}

// NewDetector creates a detector with the given escalation threshold.
func NewDetector(threshold float64) *Detector {
	if threshold <= 0 {
		threshold = DefaultEscalationThreshold
	}
	return &Detector{threshold: threshold}
}

// Detect returns the deduplicated, confidence-sorted trigger set for message.
func (d *Detector) Detect(message string) []core.Trigger {
	if message == "" {
		return nil
	}
	lower := strings.ToLower(message)

	var found []core.Trigger
	for _, class := range classes {
		for _, p := range class.patterns {
			match := p.re.FindString(message)
			if match == "" {
				continue
			}
			conf := regexBaseConfidence
			if class.reason == core.ReasonLegalRequest {
				conf = legalRegexBaseConfidence
			}
			if len(match) > 10 {
				conf += longMatchBonus
			}
			if !p.wildcards {
				conf += exactPatternBonus
			}
			if class.reason == core.ReasonAnger && supervisorCue.MatchString(match) {
				conf += supervisorCueBonus
			}
			found = append(found, core.Trigger{
				Reason:      class.reason,
				Confidence:  clamp(conf),
				MatchedText: match,
				PatternKind: "regex",
			})
		}

		for _, kw := range class.keywords {
			count := strings.Count(lower, kw)
			if count == 0 {
				continue
			}
			conf := keywordBaseConfidence
			if class.strong[kw] {
				conf = strongKeywordConfidence
			}
			if count > 1 {
				conf += repeatedKeywordBonus
			}
			found = append(found, core.Trigger{
				Reason:      class.reason,
				Confidence:  clamp(conf),
				MatchedText: kw,
				PatternKind: "keyword",
			})
		}
	}

	return dedupe(found)
}

// ShouldEscalate reports whether the trigger set forces human takeover:
// any trigger at or above the threshold, or any legal request at all.
func (d *Detector) ShouldEscalate(trigs []core.Trigger) bool {
	for _, t := range trigs {
		if t.Confidence >= d.threshold {
			return true
		}
		if t.Reason == core.ReasonLegalRequest {
			return true
		}
	}
	return false
}

// Primary returns the highest-confidence trigger, or false when empty.
func Primary(trigs []core.Trigger) (core.Trigger, bool) {
	if len(trigs) == 0 {
		return core.Trigger{}, false
	}
	return trigs[0], true
}

// dedupe keeps the highest confidence per (reason, lowercase matched text)
// and sorts the survivors by confidence, descending. Ties order by reason
// then text so output is deterministic.
func dedupe(trigs []core.Trigger) []core.Trigger {
	type key struct {
		reason core.TriggerReason
		text   string
	}
	best := make(map[key]core.Trigger, len(trigs))
	for _, t := range trigs {
		k := key{t.Reason, strings.ToLower(t.MatchedText)}
		if cur, ok := best[k]; !ok || t.Confidence > cur.Confidence {
			best[k] = t
		}
	}

	out := make([]core.Trigger, 0, len(best))
	for _, t := range best {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		if out[i].Reason != out[j].Reason {
			return out[i].Reason < out[j].Reason
		}
		return strings.ToLower(out[i].MatchedText) < strings.ToLower(out[j].MatchedText)
	})
	return out
}

func clamp(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	return v
}
