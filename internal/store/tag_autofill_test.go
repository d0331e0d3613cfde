package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCombineAutofillSignalsNoisyOR(t *testing.T) {
	candidates := combineAutofillSignals([]autofillSignal{
		{Source: "domain_map_exact", Key: "work", Score: 0.98},
		{Source: "system_key_token", Key: "work", Score: 0.72},
		{Source: "annotation_tag", Key: "travel", Score: 0.78},
	})
	require.Len(t, candidates, 2)
	assert.Equal(t, "work", candidates[0].Key)
	assert.InDelta(t, 1-(1-0.98)*(1-0.72), candidates[0].Confidence, 1e-9)
	assert.Equal(t, "travel", candidates[1].Key)
	assert.InDelta(t, 0.78, candidates[1].Confidence, 1e-9)
}

func TestCombineAutofillSignalsTieBreaks(t *testing.T) {
	candidates := combineAutofillSignals([]autofillSignal{
		{Source: "a", Key: "travel", Score: 0.5},
		{Source: "b", Key: "home", Score: 0.5},
	})
	require.Len(t, candidates, 2)
	// Equal confidence and sources: lexicographic key order decides.
	assert.Equal(t, "home", candidates[0].Key)
	assert.Equal(t, "travel", candidates[1].Key)
}

func TestAutofillAppliesStrongSignal(t *testing.T) {
	st := newTestStore(t)

	_, err := st.UpsertConversation("c", "t", 0)
	require.NoError(t, err)
	// "work" maps exactly (0.98) and is itself a system key token (0.72):
	// two sources, confidence ≈ 0.994.
	msg, err := st.InsertMessage("c", RoleUser, "work", true)
	require.NoError(t, err)

	require.NoError(t, st.EnqueueTagAutofillJob(msg.ID))
	n, err := st.ProcessTagAutofillJobs(10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ids, err := st.MessageTagIDs(msg.ID)
	require.NoError(t, err)
	assert.Contains(t, ids, "system.tag.work")

	events, err := st.ListAutofillEvents(msg.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, AutofillApplied, events[0].Decision)
	assert.Equal(t, "system.tag.work", events[0].AppliedTagID)
	assert.GreaterOrEqual(t, events[0].Confidence, 0.90)
	assert.Contains(t, events[0].EvidenceJSON, "domain_map_exact")
}

func TestAutofillSuggestsWeakSignal(t *testing.T) {
	st := newTestStore(t)

	_, err := st.UpsertConversation("c", "t", 0)
	require.NoError(t, err)
	// A substring hit alone (0.76, one source) stays below the apply bar.
	msg, err := st.InsertMessage("c", RoleUser, "明天的会议别忘了带材料", true)
	require.NoError(t, err)

	require.NoError(t, st.EnqueueTagAutofillJob(msg.ID))
	_, err = st.ProcessTagAutofillJobs(10)
	require.NoError(t, err)

	ids, err := st.MessageTagIDs(msg.ID)
	require.NoError(t, err)
	assert.Empty(t, ids)

	events, err := st.ListAutofillEvents(msg.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, AutofillSuggested, events[0].Decision)
}

func TestAutofillApplyDisabledRecordsSuggestionOnly(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.KVSet(KVTagAutofillApplyEnabled, "0"))

	_, err := st.UpsertConversation("c", "t", 0)
	require.NoError(t, err)
	msg, err := st.InsertMessage("c", RoleUser, "work", true)
	require.NoError(t, err)

	require.NoError(t, st.EnqueueTagAutofillJob(msg.ID))
	_, err = st.ProcessTagAutofillJobs(10)
	require.NoError(t, err)

	ids, err := st.MessageTagIDs(msg.ID)
	require.NoError(t, err)
	assert.Empty(t, ids, "apply disabled must not attach tags")

	events, err := st.ListAutofillEvents(msg.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, AutofillSuggested, events[0].Decision)
}

func TestAutofillNoSignal(t *testing.T) {
	st := newTestStore(t)

	_, err := st.UpsertConversation("c", "t", 0)
	require.NoError(t, err)
	msg, err := st.InsertMessage("c", RoleUser, "zzzz qqqq", true)
	require.NoError(t, err)

	require.NoError(t, st.EnqueueTagAutofillJob(msg.ID))
	_, err = st.ProcessTagAutofillJobs(10)
	require.NoError(t, err)

	events, err := st.ListAutofillEvents(msg.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, AutofillNone, events[0].Decision)
}
