package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/irisemr/devicebridge/extract"
	"github.com/irisemr/devicebridge/store"
)

// Match resolution sources, strongest first.
const (
	SourceMapping  = "mapping"
	SourceLegacyID = "legacy-id"
	SourceName     = "name"
)

// nameMatchThreshold accepts a name-heuristic candidate outright; below
// it, candidates are only suggestions.
const nameMatchThreshold = 0.9

// Match is one resolved folder-to-patient link.
type Match struct {
	PatientID  string  `json:"patientId"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

// FindPatientMatch resolves |folderName| against, in order: the stored
// mapping table, legacy device IDs, and name heuristics. When nothing
// resolves, scored candidate suggestions are returned for staging.
func (ix *Indexer) FindPatientMatch(ctx context.Context, folderName string) (*Match, []store.PatientCandidate, error) {
	// Stored mapping: an operator or a prior pass already settled it.
	var mapped, err = ix.db.lookupMapping(ctx, folderName)
	if err != nil {
		return nil, nil, err
	}
	if mapped != "" {
		return &Match{PatientID: mapped, Confidence: 1, Source: SourceMapping}, nil, nil
	}

	// The folder name itself: legacy IDs and LAST_FIRST conventions
	// parse with the same machinery as file names.
	var info = extract.ParseFilename(folderName, "")
	if info == nil {
		return nil, nil, nil
	}

	if info.PatientID != "" {
		var p, err = ix.patients.FindByLegacyID(ctx, info.PatientID)
		if err == nil {
			return &Match{PatientID: p.ID, Confidence: 0.95, Source: SourceLegacyID}, nil, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, nil, fmt.Errorf("probing legacy ID %q: %w", info.PatientID, err)
		}
	}

	if info.LastName == "" {
		return nil, nil, nil
	}
	candidates, err := ix.patients.SearchByName(ctx, info.LastName, info.FirstName)
	if err != nil {
		return nil, nil, fmt.Errorf("searching patients by name: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil, nil
	}

	// A single high-confidence candidate resolves; ambiguity defers to
	// the operator.
	var best = candidates[0]
	if best.Score >= nameMatchThreshold &&
		(len(candidates) == 1 || candidates[1].Score < nameMatchThreshold) {
		// Birth date, when the folder carries one, must corroborate.
		if info.DateOfBirth != nil && best.Patient.DateOfBirth != nil &&
			!sameDay(*info.DateOfBirth, *best.Patient.DateOfBirth) {
			return nil, candidates, nil
		}
		return &Match{PatientID: best.Patient.ID, Confidence: best.Score, Source: SourceName}, nil, nil
	}
	return nil, candidates, nil
}

func sameDay(a, b time.Time) bool {
	var ay, am, ad = a.Date()
	var by, bm, bd = b.Date()
	return ay == by && am == bm && ad == bd
}
