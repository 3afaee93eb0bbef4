package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityID_UnmarshalJSON(t *testing.T) {
	var s struct {
		ID EntityID `json:"id"`
	}

	require.NoError(t, json.Unmarshal([]byte(`{"id": 12345}`), &s))
	assert.Equal(t, EntityID("12345"), s.ID)

	require.NoError(t, json.Unmarshal([]byte(`{"id": "67890"}`), &s))
	assert.Equal(t, EntityID("67890"), s.ID)

	// Large Roblox IDs must survive without float rounding
	require.NoError(t, json.Unmarshal([]byte(`{"id": 9007199254740993}`), &s))
	assert.Equal(t, EntityID("9007199254740993"), s.ID)

	assert.Error(t, json.Unmarshal([]byte(`{"id": true}`), &s))
}

func TestReasonType_UnmarshalJSON(t *testing.T) {
	var s struct {
		Type ReasonType `json:"type"`
	}

	require.NoError(t, json.Unmarshal([]byte(`{"type": 3}`), &s))
	assert.Equal(t, ReasonType("3"), s.Type)

	require.NoError(t, json.Unmarshal([]byte(`{"type": "scam"}`), &s))
	assert.Equal(t, ReasonType("scam"), s.Type)
}

func TestEntityStatus_Normalize(t *testing.T) {
	safe := &EntityStatus{
		ID:       "1",
		FlagType: FlagTypeSafe,
		Reasons:  map[string]ReasonData{"1": {Message: "stale"}},
	}
	safe.Normalize()
	assert.Empty(t, safe.Reasons)

	unsafe := &EntityStatus{
		ID:       "2",
		FlagType: FlagTypeUnsafe,
		Reasons:  map[string]ReasonData{"1": {Message: "kept"}},
	}
	unsafe.Normalize()
	assert.Len(t, unsafe.Reasons, 1)

	var nilStatus *EntityStatus
	nilStatus.Normalize()
}

func TestCombinedStatus_SetTracksInsertionOrder(t *testing.T) {
	c := NewCombinedStatus()
	c.Set(CustomAPIResult{APIID: "a", Loading: true})
	c.Set(CustomAPIResult{APIID: "b", Loading: true})
	c.Set(CustomAPIResult{APIID: "a", Loading: false})

	assert.Equal(t, []string{"a", "b"}, c.APIOrder, "re-setting never duplicates")
	assert.False(t, c.CustomAPIs["a"].Loading)
}

func TestCombinedStatus_CloneIsIndependent(t *testing.T) {
	c := NewCombinedStatus()
	c.Set(CustomAPIResult{APIID: "a", Loading: true})

	snap := c.Clone()
	c.Set(CustomAPIResult{APIID: "a", Loading: false})
	c.Set(CustomAPIResult{APIID: "b"})

	assert.True(t, snap.CustomAPIs["a"].Loading)
	assert.Equal(t, []string{"a"}, snap.APIOrder)
}

func TestEntityIDFromUint64(t *testing.T) {
	assert.Equal(t, EntityID("18446744073709551615"), EntityIDFromUint64(18446744073709551615))
}
