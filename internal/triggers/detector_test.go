package triggers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collectra/orchestrator/internal/core"
)

func TestDetectLegalRequest(t *testing.T) {
	d := NewDetector(0.7)
	trigs := d.Detect("I'm calling my lawyer about this")
	require.NotEmpty(t, trigs)

	primary, ok := Primary(trigs)
	require.True(t, ok)
	assert.Equal(t, core.ReasonLegalRequest, primary.Reason)
	assert.GreaterOrEqual(t, primary.Confidence, 0.85)
	assert.True(t, d.ShouldEscalate(trigs))
}

func TestLegalRequestEscalatesRegardlessOfConfidence(t *testing.T) {
	d := NewDetector(0.99) // absurdly high threshold
	trigs := d.Detect("maybe I should ask about legal stuff")
	require.NotEmpty(t, trigs)
	assert.True(t, d.ShouldEscalate(trigs), "legal triggers escalate at any confidence")
}

func TestDetectAngerWithSupervisorCue(t *testing.T) {
	d := NewDetector(0.7)
	trigs := d.Detect("Let me speak to your supervisor right now")
	require.NotEmpty(t, trigs)

	primary, _ := Primary(trigs)
	assert.Equal(t, core.ReasonAnger, primary.Reason)
	// regex base 0.70 + long match 0.10 + no wildcards 0.05 + supervisor cue 0.10
	assert.InDelta(t, 0.95, primary.Confidence, 1e-9)
	assert.True(t, d.ShouldEscalate(trigs))
}

func TestKeywordConfidence(t *testing.T) {
	d := NewDetector(0.7)

	trigs := d.Detect("I feel somewhat disappointed")
	require.Len(t, trigs, 1)
	assert.Equal(t, "keyword", trigs[0].PatternKind)
	assert.InDelta(t, 0.50, trigs[0].Confidence, 1e-9)
	assert.False(t, d.ShouldEscalate(trigs))

	// Strong keyword scores 0.75; repeated keyword adds 0.10.
	trigs = d.Detect("This harassment has to stop, constant harassment")
	var harassment *core.Trigger
	for i := range trigs {
		if trigs[i].MatchedText == "harassment" {
			harassment = &trigs[i]
		}
	}
	require.NotNil(t, harassment)
	assert.InDelta(t, 0.85, harassment.Confidence, 1e-9)
}

func TestDedupeKeepsHighestConfidence(t *testing.T) {
	d := NewDetector(0.7)
	trigs := d.Detect("I am furious. FURIOUS!")

	seen := map[string]int{}
	for _, tr := range trigs {
		seen[string(tr.Reason)+"|"+tr.MatchedText]++
	}
	for k, n := range seen {
		assert.Equal(t, 1, n, "duplicate trigger %s", k)
	}
}

func TestDetectDeterministic(t *testing.T) {
	d := NewDetector(0.7)
	msg := "This is ridiculous, I don't understand these charges and I want to file a complaint"

	first := d.Detect(msg)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, d.Detect(msg))
	}

	// Sorted by confidence, descending.
	for i := 1; i < len(first); i++ {
		assert.GreaterOrEqual(t, first[i-1].Confidence, first[i].Confidence)
	}
}

func TestDetectCleanMessage(t *testing.T) {
	d := NewDetector(0.7)
	trigs := d.Detect("Sure, I can pay $100 per week starting Friday")
	assert.Empty(t, trigs)
	assert.False(t, d.ShouldEscalate(trigs))

	assert.Empty(t, d.Detect(""))
}

func TestPrimaryOnEmptySet(t *testing.T) {
	_, ok := Primary(nil)
	assert.False(t, ok)
}
