package index

import (
	"context"
	"sort"
	"sync"

	"github.com/dicombuffer/dicombuffer/internal/model"
)

// MemoryIndex is a non-durable Index used by tests and dry runs. Update
// works on a copy of the state that replaces the live state on success.
type MemoryIndex struct {
	mu    sync.RWMutex
	state memoryState
}

type memoryState struct {
	objects  map[string]string
	patients map[string]*model.Patient
	sequence uint64
}

// NewMemoryIndex returns an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		state: memoryState{
			objects:  make(map[string]string),
			patients: make(map[string]*model.Patient),
		},
	}
}

func (m *MemoryIndex) Close() error {
	return nil
}

func (m *MemoryIndex) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memoryTx{state: &m.state, readOnly: true})
}

func (m *MemoryIndex) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	work := memoryState{
		objects:  make(map[string]string, len(m.state.objects)),
		patients: make(map[string]*model.Patient, len(m.state.patients)),
		sequence: m.state.sequence,
	}
	for k, v := range m.state.objects {
		work.objects[k] = v
	}
	for k, v := range m.state.patients {
		work.patients[k] = v
	}
	if err := fn(&memoryTx{state: &work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *MemoryIndex) NextSequence(ctx context.Context) (uint64, error) {
	return nextSequence(ctx, m)
}

// memoryTx stores cloned patients so callers never alias the index state.
type memoryTx struct {
	state    *memoryState
	readOnly bool
}

func (t *memoryTx) ObjectPath(objectID string) (string, bool) {
	p, ok := t.state.objects[objectID]
	return p, ok
}

func (t *memoryTx) PutObjectPath(objectID, path string) error {
	if t.readOnly {
		return errReadOnly
	}
	t.state.objects[objectID] = path
	return nil
}

func (t *memoryTx) DeleteObjectPath(objectID string) error {
	if t.readOnly {
		return errReadOnly
	}
	delete(t.state.objects, objectID)
	return nil
}

func (t *memoryTx) ForEachObject(fn func(objectID, path string) error) error {
	ids := make([]string, 0, len(t.state.objects))
	for id := range t.state.objects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := fn(id, t.state.objects[id]); err != nil {
			return err
		}
	}
	return nil
}

func (t *memoryTx) Patient(patientID string) (*model.Patient, bool) {
	p, ok := t.state.patients[patientID]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

func (t *memoryTx) PutPatient(p *model.Patient) error {
	if t.readOnly {
		return errReadOnly
	}
	t.state.patients[p.PatientID] = p.Clone()
	return nil
}

func (t *memoryTx) DeletePatient(patientID string) error {
	if t.readOnly {
		return errReadOnly
	}
	delete(t.state.patients, patientID)
	return nil
}

func (t *memoryTx) ForEachPatient(fn func(*model.Patient) error) error {
	ids := make([]string, 0, len(t.state.patients))
	for id := range t.state.patients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := fn(t.state.patients[id].Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (t *memoryTx) Sequence() (uint64, error) {
	return t.state.sequence, nil
}

func (t *memoryTx) SetSequence(v uint64) error {
	if t.readOnly {
		return errReadOnly
	}
	t.state.sequence = v
	return nil
}
