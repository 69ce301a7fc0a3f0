package cluster

import (
	"encoding/base64"
	"encoding/json"
)

// inboundFields is the subset of a record's JSON object the coordinator
// itself needs to inspect — type/id for blob naming, deleted for blob
// cleanup, and an inline base64 blob to extract and replace with an
// href reference. Every other field passes through untouched as part
// of the record's opaque payload.
type inboundFields struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	Deleted     bool   `json:"deleted,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// decodeRecord parses raw into its full field map (for later
// rewriting) plus the fields the coordinator cares about, and decodes
// an inline "blob" field if present.
func decodeRecord(raw json.RawMessage) (obj map[string]json.RawMessage, fields inboundFields, hasBlob bool, blob []byte, err error) {
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, inboundFields{}, false, nil, err
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, inboundFields{}, false, nil, err
	}
	blobField, ok := obj["blob"]
	if !ok {
		return obj, fields, false, nil, nil
	}
	var b64 string
	if err := json.Unmarshal(blobField, &b64); err != nil {
		return nil, inboundFields{}, false, nil, err
	}
	decoded, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, inboundFields{}, false, nil, err
	}
	return obj, fields, true, decoded, nil
}

// rewriteWithHref returns obj re-marshaled with its "blob" field
// dropped and an "href" field pointing at where the blob was saved.
func rewriteWithHref(obj map[string]json.RawMessage, href string) (json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(obj))
	for k, v := range obj {
		if k == "blob" {
			continue
		}
		out[k] = v
	}
	hrefBytes, err := json.Marshal(href)
	if err != nil {
		return nil, err
	}
	out["href"] = hrefBytes
	return json.Marshal(out)
}

func parseFields(raw []byte) (inboundFields, error) {
	var f inboundFields
	err := json.Unmarshal(raw, &f)
	return f, err
}

// passesFilter reports whether a record of typ should be surfaced under
// the given include/exclude type filters: present in include when
// include is non-empty, absent from exclude otherwise, and always true
// when neither filter is set.
func passesFilter(typ string, include, exclude []string) bool {
	if len(include) > 0 {
		return containsStr(include, typ)
	}
	if len(exclude) > 0 {
		return !containsStr(exclude, typ)
	}
	return true
}

func containsStr(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
