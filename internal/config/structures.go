package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"almlp/internal/calc"
	"almlp/internal/model"
)

// StructureEntry is one element of a structures file. Result is optional:
// entries without one are single-pointed with the parent.
type StructureEntry struct {
	Structure model.Structure `json:"structure"`
	Result    *model.Result   `json:"result,omitempty"`
}

// LoadCandidates reads a JSON array of StructureEntry, or a single bare
// structure object.
func LoadCandidates(path string) ([]calc.Candidate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	var entries []StructureEntry
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("parse structures %s: %w", path, err)
		}
	} else {
		var s model.Structure
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("parse structure %s: %w", path, err)
		}
		entries = []StructureEntry{{Structure: s}}
	}

	out := make([]calc.Candidate, 0, len(entries))
	for i, e := range entries {
		if err := e.Structure.Validate(); err != nil {
			return nil, fmt.Errorf("%s entry %d: %w", path, i, err)
		}
		if e.Result != nil && len(e.Result.Forces) != e.Structure.Len() {
			return nil, fmt.Errorf("%s entry %d: %d forces for %d atoms", path, i, len(e.Result.Forces), e.Structure.Len())
		}
		out = append(out, calc.Candidate{Structure: e.Structure, Result: e.Result})
	}
	return out, nil
}

func LoadStructure(path string) (model.Structure, error) {
	cands, err := LoadCandidates(path)
	if err != nil {
		return model.Structure{}, err
	}
	if len(cands) == 0 {
		return model.Structure{}, fmt.Errorf("%s holds no structure", path)
	}
	return cands[0].Structure, nil
}

func WriteStructure(path string, s model.Structure) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
