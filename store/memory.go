package store

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
)

// Test hook.
var nowFunc = time.Now

// Memory implements every store interface in process. It backs tests
// and standalone mode, where the external document store isn't wired.
type Memory struct {
	mu           sync.Mutex
	devices      map[string]*Device
	measurements map[string]*Measurement
	images       map[string]*Image
	logs         map[string]*IntegrationLogEntry
	patients     map[string]*Patient
	docs         map[string]map[string]map[string]any
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		devices:      make(map[string]*Device),
		measurements: make(map[string]*Measurement),
		images:       make(map[string]*Image),
		logs:         make(map[string]*IntegrationLogEntry),
		patients:     make(map[string]*Patient),
		docs:         make(map[string]map[string]map[string]any),
	}
}

// Bundle returns a Stores wired entirely to this Memory.
func (m *Memory) Bundle() Stores {
	return Stores{
		Devices:      m,
		Measurements: m,
		Images:       m,
		Logs:         m,
		Patients:     m,
		Clinical:     m,
	}
}

// AddDevice seeds a device.
func (m *Memory) AddDevice(d *Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cp = *d
	m.devices[d.ID] = &cp
}

// AddPatient seeds a patient.
func (m *Memory) AddPatient(p *Patient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cp = *p
	m.patients[p.ID] = &cp
}

// AddDocument seeds a clinical document.
func (m *Memory) AddDocument(collection, id string, doc map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.docs[collection] == nil {
		m.docs[collection] = make(map[string]map[string]any)
	}
	m.docs[collection][id] = deepCopyDoc(doc)
}

func (m *Memory) GetDevice(ctx context.Context, id string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[id]; ok {
		var cp = *d
		return &cp, nil
	}
	return nil, fmt.Errorf("device %s: %w", id, ErrNotFound)
}

func (m *Memory) ListDevices(ctx context.Context) ([]*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out = make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		var cp = *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateIntegration(ctx context.Context, id string, patch IntegrationPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var d, ok = m.devices[id]
	if !ok {
		return fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	patch.Apply(&d.Integration)
	return nil
}

func (m *Memory) SaveMeasurement(ctx context.Context, in *Measurement) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cp = *in
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = nowFunc()
	}
	m.measurements[cp.ID] = &cp
	return cp.ID, nil
}

func (m *Memory) FindByFingerprint(ctx context.Context, deviceID, fingerprint string) (*Measurement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mm := range m.measurements {
		if mm.Device == deviceID && mm.Fingerprint == fingerprint {
			var cp = *mm
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// Measurements returns all stored measurements, oldest first.
func (m *Memory) Measurements() []*Measurement {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out = make([]*Measurement, 0, len(m.measurements))
	for _, mm := range m.measurements {
		var cp = *mm
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Memory) SaveImage(ctx context.Context, img *Image) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cp = *img
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = nowFunc()
	}
	m.images[cp.ID] = &cp
	return cp.ID, nil
}

func (m *Memory) AppendLog(ctx context.Context, e *IntegrationLogEntry) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cp = *e
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.StartedAt.IsZero() {
		cp.StartedAt = nowFunc()
	}
	m.logs[cp.ID] = &cp
	return cp.ID, nil
}

func (m *Memory) UpdateLog(ctx context.Context, id string, apply func(*IntegrationLogEntry)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var e, ok = m.logs[id]
	if !ok {
		return fmt.Errorf("log %s: %w", id, ErrNotFound)
	}
	apply(e)
	return nil
}

func (m *Memory) GetLog(ctx context.Context, id string) (*IntegrationLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.logs[id]; ok {
		var cp = *e
		return &cp, nil
	}
	return nil, fmt.Errorf("log %s: %w", id, ErrNotFound)
}

// Logs returns all entries, oldest first.
func (m *Memory) Logs() []*IntegrationLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out = make([]*IntegrationLogEntry, 0, len(m.logs))
	for _, e := range m.logs {
		var cp = *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (m *Memory) GetPatient(ctx context.Context, id string) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.patients[id]; ok {
		var cp = *p
		return &cp, nil
	}
	return nil, fmt.Errorf("patient %s: %w", id, ErrNotFound)
}

func (m *Memory) FindByLegacyID(ctx context.Context, legacyID string) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.patients {
		for _, lid := range p.LegacyIDs {
			if strings.EqualFold(lid, legacyID) {
				var cp = *p
				return &cp, nil
			}
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) SearchByName(ctx context.Context, lastName, firstName string) ([]PatientCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PatientCandidate
	for _, p := range m.patients {
		var score float64
		if strings.EqualFold(p.LastName, lastName) {
			score = 0.7
			if firstName != "" && strings.EqualFold(p.FirstName, firstName) {
				score = 1.0
			}
		} else if lastName != "" && strings.HasPrefix(strings.ToUpper(p.LastName), strings.ToUpper(lastName)) {
			score = 0.4
		}
		if score > 0 {
			out = append(out, PatientCandidate{Patient: *p, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Patient.ID < out[j].Patient.ID
	})
	return out, nil
}

// ApplyFieldUpdate expands dotted paths into a nested object and folds
// it into the stored document with an RFC 7396 merge patch. Only the
// named subtrees change; a nil value removes its key.
func (m *Memory) ApplyFieldUpdate(ctx context.Context, collection, id string, fields map[string]any) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var doc, err = m.getDocLocked(collection, id)
	if err != nil {
		return nil, err
	}

	docJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding document: %w", err)
	}
	patchJSON, err := json.Marshal(expandDotted(fields))
	if err != nil {
		return nil, fmt.Errorf("encoding update: %w", err)
	}
	merged, err := jsonpatch.MergePatch(docJSON, patchJSON)
	if err != nil {
		return nil, fmt.Errorf("merging update into %s/%s: %w", collection, id, err)
	}

	var out map[string]any
	if err = json.Unmarshal(merged, &out); err != nil {
		return nil, fmt.Errorf("decoding merged document: %w", err)
	}
	m.docs[collection][id] = out
	return deepCopyDoc(out), nil
}

func (m *Memory) AddToSet(ctx context.Context, collection, id, field string, values ...any) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var doc, err = m.getDocLocked(collection, id)
	if err != nil {
		return nil, err
	}
	doc = deepCopyDoc(doc)

	var parent = doc
	var segs = strings.Split(field, ".")
	for _, seg := range segs[:len(segs)-1] {
		var next, ok = parent[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			parent[seg] = next
		}
		parent = next
	}
	var leaf = segs[len(segs)-1]
	var arr, _ = parent[leaf].([]any)
	for _, v := range values {
		var nv = normalizeJSON(v)
		var present bool
		for _, existing := range arr {
			if reflect.DeepEqual(existing, nv) {
				present = true
				break
			}
		}
		if !present {
			arr = append(arr, nv)
		}
	}
	parent[leaf] = arr

	m.docs[collection][id] = doc
	return deepCopyDoc(doc), nil
}

func (m *Memory) GetDocument(ctx context.Context, collection, id string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var doc, err = m.getDocLocked(collection, id)
	if err != nil {
		return nil, err
	}
	return deepCopyDoc(doc), nil
}

func (m *Memory) getDocLocked(collection, id string) (map[string]any, error) {
	if byID, ok := m.docs[collection]; ok {
		if doc, ok := byID[id]; ok {
			return doc, nil
		}
	}
	return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
}

// expandDotted turns {"a.b.c": 1, "a.d": 2} into {"a":{"b":{"c":1},"d":2}}.
func expandDotted(fields map[string]any) map[string]any {
	var root = make(map[string]any)
	for path, v := range fields {
		var parent = root
		var segs = strings.Split(path, ".")
		for _, seg := range segs[:len(segs)-1] {
			var next, ok = parent[seg].(map[string]any)
			if !ok {
				next = make(map[string]any)
				parent[seg] = next
			}
			parent = next
		}
		parent[segs[len(segs)-1]] = normalizeJSON(v)
	}
	return root
}

// normalizeJSON round-trips a value through JSON so comparisons and
// merges see canonical types (float64, map[string]any, []any).
func normalizeJSON(v any) any {
	var b, err = json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err = json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

func deepCopyDoc(doc map[string]any) map[string]any {
	var b, err = json.Marshal(doc)
	if err != nil {
		return doc
	}
	var out map[string]any
	if err = json.Unmarshal(b, &out); err != nil {
		return doc
	}
	return out
}
