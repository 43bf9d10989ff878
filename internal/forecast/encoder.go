package forecast

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Encoder maps pollutant codes to the integer labels the lag model was
// trained with. Labels are positions in the sorted class list.
type Encoder struct {
	index map[string]int
}

func NewEncoder(classes []string) *Encoder {
	sorted := append([]string(nil), classes...)
	sort.Strings(sorted)

	e := &Encoder{index: make(map[string]int, len(sorted))}
	for _, c := range sorted {
		if _, dup := e.index[c]; dup {
			continue
		}
		e.index[c] = len(e.index)
	}
	return e
}

func (e *Encoder) Encode(code string) (int, bool) {
	i, ok := e.index[code]
	return i, ok
}

// ParseEncoder decodes an encoder artifact: {"classes": [...]}.
func ParseEncoder(data []byte) (*Encoder, error) {
	var raw struct {
		Classes []string `json:"classes"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode encoder: %w", err)
	}
	if len(raw.Classes) == 0 {
		return nil, fmt.Errorf("encoder has no classes")
	}
	return NewEncoder(raw.Classes), nil
}
