package model

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// EntityKind represents the kind of Roblox entity being checked
type EntityKind string

const (
	EntityKindUser  EntityKind = "user"
	EntityKindGroup EntityKind = "group"
)

// FlagType classifies an entity as reported by a status source
type FlagType int

const (
	FlagTypeSafe FlagType = iota
	FlagTypePending
	FlagTypeUnsafe
	FlagTypeQueued
	FlagTypeMixed
	FlagTypePastOffender
	FlagTypeIntegration
)

// EntityID is a stringified numeric ID. Sources are inconsistent about
// whether they serialize IDs as JSON numbers or strings, so it accepts both.
type EntityID string

func (e *EntityID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = EntityID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("entity id must be a number or string: %w", err)
	}
	*e = EntityID(n.String())
	return nil
}

func (e EntityID) String() string {
	return string(e)
}

// EntityIDFromUint64 converts a numeric Roblox ID to its canonical string form
func EntityIDFromUint64(id uint64) EntityID {
	return EntityID(strconv.FormatUint(id, 10))
}

// ReasonType is a reason-type code. Numeric-format sources send codes as
// JSON numbers, string-format sources as strings; both decode to the
// stringified form used as reason map keys.
type ReasonType string

func (r *ReasonType) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = ReasonType(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("reason type must be a number or string: %w", err)
	}
	*r = ReasonType(n.String())
	return nil
}

// ReasonData describes one structured reason an entity was flagged
type ReasonData struct {
	Type       ReasonType `json:"type,omitempty"`
	Confidence float64    `json:"confidence"`
	Message    string     `json:"message,omitempty"`
	Evidence   []string   `json:"evidence,omitempty"`
}

// Badge is an optional display badge a custom source may attach (max 3)
type Badge struct {
	Text      string `json:"text"`
	Color     string `json:"color,omitempty"`
	TextColor string `json:"textColor,omitempty"`
}

// EntityStatus is the moderation verdict for one user or group.
// Reason map keys are stringified reason-type codes.
type EntityStatus struct {
	ID            EntityID              `json:"id"`
	FlagType      FlagType              `json:"flagType"`
	Confidence    float64               `json:"confidence"`
	Reasons       map[string]ReasonData `json:"reasons,omitempty"`
	Badges        []Badge               `json:"badges,omitempty"`
	IsQueued      bool                  `json:"isQueued,omitempty"`
	IsReportable  bool                  `json:"isReportable,omitempty"`
	IsOutfitOnly  bool                  `json:"isOutfitOnly,omitempty"`
	EngineVersion string                `json:"engineVersion,omitempty"`
	Processed     bool                  `json:"processed,omitempty"`
	Timestamp     int64                 `json:"timestamp,omitempty"`
}

// Normalize enforces the safe-entity invariant: a SAFE verdict never carries
// reasons, even when the source populated them.
func (s *EntityStatus) Normalize() {
	if s == nil {
		return
	}
	if s.FlagType == FlagTypeSafe && len(s.Reasons) > 0 {
		s.Reasons = map[string]ReasonData{}
	}
}

// SystemAPIID identifies the built-in primary source. It is synthesized on
// every registry load and never persisted.
const SystemAPIID = "system-rotector"

// MaxUserAPIs caps how many user-created sources may exist at once
const MaxUserAPIs = 5

// MaxAPINameLength caps user-created source names
const MaxAPINameLength = 12

// ReasonFormat describes how a source encodes reason keys
type ReasonFormat string

const (
	ReasonFormatNumeric ReasonFormat = "numeric"
	ReasonFormatString  ReasonFormat = "string"
)

// CustomAPIConfig is one configured status source
type CustomAPIConfig struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	SingleURL    string       `json:"singleUrl"`
	BatchURL     string       `json:"batchUrl"`
	Enabled      bool         `json:"enabled"`
	TimeoutMS    int          `json:"timeout"`
	Order        int          `json:"order"`
	IsSystem     bool         `json:"isSystem"`
	ReasonFormat ReasonFormat `json:"reasonFormat"`
}

// CustomAPIResult is one source's contribution to a combined status
type CustomAPIResult struct {
	APIID     string        `json:"apiId"`
	APIName   string        `json:"apiName"`
	Data      *EntityStatus `json:"data,omitempty"`
	Error     string        `json:"error,omitempty"`
	Loading   bool          `json:"loading"`
	Timestamp int64         `json:"timestamp,omitempty"`
}

// CombinedStatus aggregates every enabled source's result for one entity.
// APIOrder preserves the enabled-source ordering for consumers that render
// results positionally.
type CombinedStatus struct {
	CustomAPIs map[string]CustomAPIResult `json:"customApis"`
	APIOrder   []string                   `json:"apiOrder"`
}

// NewCombinedStatus builds an empty combined status
func NewCombinedStatus() *CombinedStatus {
	return &CombinedStatus{
		CustomAPIs: make(map[string]CustomAPIResult),
		APIOrder:   []string{},
	}
}

// Set records a source result, tracking first-insertion order
func (c *CombinedStatus) Set(result CustomAPIResult) {
	if _, ok := c.CustomAPIs[result.APIID]; !ok {
		c.APIOrder = append(c.APIOrder, result.APIID)
	}
	c.CustomAPIs[result.APIID] = result
}

// Clone returns a copy safe to emit as a snapshot while the original keeps
// being mutated
func (c *CombinedStatus) Clone() *CombinedStatus {
	out := &CombinedStatus{
		CustomAPIs: make(map[string]CustomAPIResult, len(c.CustomAPIs)),
		APIOrder:   append([]string{}, c.APIOrder...),
	}
	for k, v := range c.CustomAPIs {
		out.CustomAPIs[k] = v
	}
	return out
}

// ErrRestrictedAccess is the result error recorded when the restriction gate
// suppresses a lookup
const ErrRestrictedAccess = "restricted_access"

// LookupContext tags what kind of page triggered a lookup
type LookupContext string

const (
	LookupContextProfile LookupContext = "profile"
	LookupContextFriends LookupContext = "friends"
	LookupContextGroup   LookupContext = "group"
	LookupContextReport  LookupContext = "report"
)

// VoteData holds the community vote tally for one entity
type VoteData struct {
	ID         EntityID `json:"id"`
	Upvotes    int64    `json:"upvotes"`
	Downvotes  int64    `json:"downvotes"`
	Reputation int64    `json:"reputation"`
	UserVote   *int     `json:"userVote,omitempty"`
}

// Statistics holds aggregate moderation counts from the primary service
type Statistics struct {
	UsersConfirmed  int64  `json:"usersConfirmed"`
	UsersFlagged    int64  `json:"usersFlagged"`
	UsersCleared    int64  `json:"usersCleared"`
	UsersBanned     int64  `json:"usersBanned"`
	GroupsConfirmed int64  `json:"groupsConfirmed"`
	GroupsFlagged   int64  `json:"groupsFlagged"`
	GroupsCleared   int64  `json:"groupsCleared"`
	GroupsLocked    int64  `json:"groupsLocked"`
	UpdatedAt       string `json:"updatedAt,omitempty"`
}

// CacheStats is a point-in-time snapshot of one cache's occupancy
type CacheStats struct {
	Entries  int   `json:"entries"`
	Pending  int   `json:"pending"`
	TTLMilli int64 `json:"ttlMs"`
}
