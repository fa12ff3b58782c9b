// Package section defines the runtime contract for pipeline sections: the
// opaque persisted state, the command protocol between a task supervisor
// and its sections, and the section interface itself.
package section

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// State is the only typed state a section keeps between restarts. Keys are
// section-defined; values are strings, signed or unsigned integers, or
// nested states. A read with a mismatched type reports the value as absent
// so schema evolution is non-breaking.
type State struct {
	m map[string]any
}

// NewState returns an empty state.
func NewState() *State {
	return &State{m: make(map[string]any)}
}

// Len returns the number of top-level keys.
func (s *State) Len() int { return len(s.m) }

// GetString returns the string stored under key.
func (s *State) GetString(key string) (string, bool) {
	v, ok := s.m[key].(string)
	return v, ok
}

// GetInt returns the value under key as an int64.
func (s *State) GetInt(key string) (int64, bool) {
	n, ok := s.m[key].(json.Number)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// GetUint returns the value under key as a uint64.
func (s *State) GetUint(key string) (uint64, bool) {
	n, ok := s.m[key].(json.Number)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseUint(n.String(), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// GetState returns the nested state stored under key.
func (s *State) GetState(key string) (*State, bool) {
	v, ok := s.m[key].(*State)
	return v, ok
}

// SetString stores a string under key.
func (s *State) SetString(key, value string) { s.m[key] = value }

// SetInt stores an int64 under key.
func (s *State) SetInt(key string, value int64) {
	s.m[key] = json.Number(strconv.FormatInt(value, 10))
}

// SetUint stores a uint64 under key.
func (s *State) SetUint(key string, value uint64) {
	s.m[key] = json.Number(strconv.FormatUint(value, 10))
}

// SetState stores a nested state under key.
func (s *State) SetState(key string, value *State) { s.m[key] = value }

// MarshalJSON encodes the state as a JSON object.
func (s *State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.m)
}

// UnmarshalJSON decodes a JSON object into the state. Numbers keep their
// literal form so both i64 and u64 ranges survive the round trip. Values
// of unsupported types are kept opaque and read as absent.
func (s *State) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}
	s.m = fromRaw(raw)
	return nil
}

func fromRaw(raw map[string]any) map[string]any {
	m := make(map[string]any, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case map[string]any:
			m[key] = &State{m: fromRaw(v)}
		default:
			m[key] = v
		}
	}
	return m
}
