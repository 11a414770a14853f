package index

import (
	"context"
	"fmt"
	"time"

	"github.com/dicombuffer/dicombuffer/internal/model"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

var (
	objectsBucket  = []byte("objects")
	patientsBucket = []byte("patients")
	metaBucket     = []byte("meta")
)

// cborEnc keeps sub-second precision of timestamps.
var cborEnc = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano, Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// BoltIndex implements Index on a bbolt file. Patient records are CBOR
// encoded; the shard counter is the sequence of the meta bucket.
type BoltIndex struct {
	db *bolt.DB
}

// NewBoltIndex opens (creating if needed) the bolt index at path.
func NewBoltIndex(path string) (*BoltIndex, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{objectsBucket, patientsBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltIndex{db: db}, nil
}

// Close closes the bolt file.
func (b *BoltIndex) Close() error {
	return b.db.Close()
}

// View runs fn in a bolt read transaction.
func (b *BoltIndex) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

// Update runs fn in a bolt read-write transaction.
func (b *BoltIndex) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

// NextSequence uses the native bucket sequence.
func (b *BoltIndex) NextSequence(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var next uint64
	err := b.db.Update(func(tx *bolt.Tx) error {
		var err error
		next, err = tx.Bucket(metaBucket).NextSequence()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("advancing sequence: %w", err)
	}
	return next, nil
}

type boltTx struct {
	tx *bolt.Tx
}

func (t *boltTx) ObjectPath(objectID string) (string, bool) {
	v := t.tx.Bucket(objectsBucket).Get([]byte(objectID))
	if v == nil {
		return "", false
	}
	return string(v), true
}

func (t *boltTx) PutObjectPath(objectID, path string) error {
	if err := t.tx.Bucket(objectsBucket).Put([]byte(objectID), []byte(path)); err != nil {
		return fmt.Errorf("putting object %q: %w", objectID, err)
	}
	return nil
}

func (t *boltTx) DeleteObjectPath(objectID string) error {
	if err := t.tx.Bucket(objectsBucket).Delete([]byte(objectID)); err != nil {
		return fmt.Errorf("deleting object %q: %w", objectID, err)
	}
	return nil
}

func (t *boltTx) ForEachObject(fn func(objectID, path string) error) error {
	return t.tx.Bucket(objectsBucket).ForEach(func(k, v []byte) error {
		return fn(string(k), string(v))
	})
}

func (t *boltTx) Patient(patientID string) (*model.Patient, bool) {
	v := t.tx.Bucket(patientsBucket).Get([]byte(patientID))
	if v == nil {
		return nil, false
	}
	p, err := decodePatientCBOR(v)
	if err != nil {
		logDecodeFailure(EngineBolt, "patients", patientID, err)
		return nil, false
	}
	return p, true
}

func (t *boltTx) PutPatient(p *model.Patient) error {
	data, err := cborEnc.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding patient %q: %w", p.PatientID, err)
	}
	if err := t.tx.Bucket(patientsBucket).Put([]byte(p.PatientID), data); err != nil {
		return fmt.Errorf("putting patient %q: %w", p.PatientID, err)
	}
	return nil
}

func (t *boltTx) DeletePatient(patientID string) error {
	if err := t.tx.Bucket(patientsBucket).Delete([]byte(patientID)); err != nil {
		return fmt.Errorf("deleting patient %q: %w", patientID, err)
	}
	return nil
}

func (t *boltTx) ForEachPatient(fn func(*model.Patient) error) error {
	// Decode everything first: bolt forbids mutating a bucket while its
	// ForEach runs, and fn may update the patient it is handed.
	var patients []*model.Patient
	err := t.tx.Bucket(patientsBucket).ForEach(func(k, v []byte) error {
		p, err := decodePatientCBOR(v)
		if err != nil {
			logDecodeFailure(EngineBolt, "patients", string(k), err)
			return nil
		}
		patients = append(patients, p)
		return nil
	})
	if err != nil {
		return err
	}
	for _, p := range patients {
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

func (t *boltTx) Sequence() (uint64, error) {
	return t.tx.Bucket(metaBucket).Sequence(), nil
}

func (t *boltTx) SetSequence(v uint64) error {
	return t.tx.Bucket(metaBucket).SetSequence(v)
}

func decodePatientCBOR(data []byte) (*model.Patient, error) {
	var p model.Patient
	if err := cbor.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if p.PatientID == "" {
		return nil, fmt.Errorf("record has no patient ID")
	}
	if !p.Status.Valid() {
		return nil, fmt.Errorf("record has invalid status %d", uint8(p.Status))
	}
	if p.Studies == nil {
		p.Studies = make(map[string]*model.Study)
	}
	return &p, nil
}
