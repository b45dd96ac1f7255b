package etl

// StreamSlice is a unit of sync work: a partition (association name, parent id,
// ...) and/or a cursor sub-range. ExtraFields is a side channel for data that must
// reach request builders without being part of the partition identity.
type StreamSlice struct {
	Partition   map[string]any `json:"partition,omitempty"`
	CursorSlice map[string]any `json:"cursor_slice,omitempty"`
	ExtraFields map[string]any `json:"extra_fields,omitempty"`
}

// Get looks a key up in the partition first, then in the cursor slice.
func (s StreamSlice) Get(key string) (any, bool) {
	if v, ok := s.Partition[key]; ok {
		return v, true
	}
	v, ok := s.CursorSlice[key]
	return v, ok
}

// GetString is Get rendered through IDString; missing or non-scalar values yield "".
func (s StreamSlice) GetString(key string) string {
	v, ok := s.Get(key)
	if !ok {
		return ""
	}
	str, _ := IDString(v)
	return str
}

// WithExtraFields returns a copy of s carrying the given side-channel fields.
func (s StreamSlice) WithExtraFields(extra map[string]any) StreamSlice {
	return StreamSlice{Partition: s.Partition, CursorSlice: s.CursorSlice, ExtraFields: extra}
}

// PageToken is the opaque pagination state handed back to a Requester.
// A nil token means "no more pages".
type PageToken map[string]any

// Int reads an integer entry; absent or non-integer entries report false.
func (t PageToken) Int(key string) (int64, bool) {
	v, ok := t[key]
	if !ok || v == nil {
		return 0, false
	}
	n, err := IDInt(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// StreamState is the persisted sync-resume position of a stream,
// typically {cursor_field: value}.
type StreamState map[string]any

// Clone returns a shallow copy of the state.
func (s StreamState) Clone() StreamState {
	out := make(StreamState, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
