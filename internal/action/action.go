// Package action defines the fixed set of registry actions that flow
// through the replicated log and are folded by the reducer.
package action

import "encoding/json"

// Type identifies one of the enumerated registry actions. Unknown
// types are preserved verbatim through the log (see Action.UnmarshalJSON)
// so that a newer leader's entries never corrupt an older follower's log.
type Type string

const (
	BlobMounted   Type = "BLOB_MOUNTED"
	BlobUnmounted Type = "BLOB_UNMOUNTED"
	BlobInfo      Type = "BLOB_INFO"
	BlobStat      Type = "BLOB_STAT"
	BlobStored    Type = "BLOB_STORED"
	BlobUnstored  Type = "BLOB_UNSTORED"

	ManifestMounted   Type = "MANIFEST_MOUNTED"
	ManifestUnmounted Type = "MANIFEST_UNMOUNTED"
	ManifestInfo      Type = "MANIFEST_INFO"
	ManifestStat      Type = "MANIFEST_STAT"
	ManifestStored    Type = "MANIFEST_STORED"
	ManifestUnstored  Type = "MANIFEST_UNSTORED"

	HashTagged Type = "HASH_TAGGED"
)

// Action is a single tagged registry action. It round-trips through
// JSON (and so through the journal) with any fields the current
// binary doesn't recognize preserved in Extra, per the "unknown
// fields are preserved" requirement on the action record schema.
type Action struct {
	Type Type `json:"type,omitempty"`

	Hash         string   `json:"hash,omitempty"`
	Repository   string   `json:"repository,omitempty"`
	Tag          string   `json:"tag,omitempty"`
	ContentType  string   `json:"content_type,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Size         int64    `json:"size,omitempty"`
	Location     string   `json:"location,omitempty"`

	// Extra carries any JSON fields this build does not know about,
	// so a mixed-version cluster never silently drops data from the log.
	Extra map[string]json.RawMessage `json:"-"`
}

// IsNoop reports whether this is the empty leader no-op entry appended
// on every leader-entry transition (the zero value of Action).
func (a Action) IsNoop() bool {
	return a.Type == ""
}

// MarshalJSON flattens Extra back into the object alongside the known fields.
func (a Action) MarshalJSON() ([]byte, error) {
	type alias Action
	base, err := json.Marshal(alias(a))
	if err != nil {
		return nil, err
	}
	if len(a.Extra) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range a.Extra {
		if _, known := merged[k]; !known {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON captures any field not part of the known schema into Extra.
func (a *Action) UnmarshalJSON(data []byte) error {
	type alias Action
	var known alias
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, f := range knownFields {
		delete(raw, f)
	}

	*a = Action(known)
	if len(raw) > 0 {
		a.Extra = raw
	}
	return nil
}

var knownFields = []string{
	"type", "hash", "repository", "tag", "content_type",
	"dependencies", "size", "location",
}
