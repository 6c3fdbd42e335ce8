package classifier

import (
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
)

// LabelTable maps classifier labels to person ids. On disk it is a JSON
// object keyed by the decimal label.
type LabelTable map[int]string

// Clone returns a copy of the table.
func (t LabelTable) Clone() LabelTable {
	return maps.Clone(t)
}

// Lookup returns the label of a person.
func (t LabelTable) Lookup(personID string) (int, bool) {
	for label, id := range t {
		if id == personID {
			return label, true
		}
	}
	return 0, false
}

// Next returns one past the highest label in use.
func (t LabelTable) Next() int {
	next := 0
	for label := range t {
		if label >= next {
			next = label + 1
		}
	}
	return next
}

// MarshalJSON writes {"<label>": "<person_id>", ...}.
func (t LabelTable) MarshalJSON() ([]byte, error) {
	out := make(map[string]string, len(t))
	for label, id := range t {
		out[strconv.Itoa(label)] = id
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the format written by MarshalJSON.
func (t *LabelTable) UnmarshalJSON(data []byte) error {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	table := make(LabelTable, len(raw))
	for key, id := range raw {
		label, err := strconv.Atoi(key)
		if err != nil || label < 0 {
			return fmt.Errorf("invalid label %q", key)
		}
		if id == "" {
			return fmt.Errorf("label %d has an empty person id", label)
		}
		table[label] = id
	}
	*t = table
	return nil
}
