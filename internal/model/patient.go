package model

import (
	"errors"
	"io"
	"sort"
	"time"
)

// Instance is a single stored object as seen by the exporter.
type Instance struct {
	ObjectID string
	StudyUID string
	// Path is the absolute location of the stored file.
	Path string
}

// Study groups the instances of one patient that share a study UID.
type Study struct {
	StudyUID  string `json:"study_uid"`
	StudyDate string `json:"study_date"`
	Modality  string `json:"modality"`
	// Instances holds the object IDs of the study, sorted and unique.
	Instances []string `json:"instances"`
}

// NewStudy returns an empty study.
func NewStudy(studyUID, studyDate, modality string) *Study {
	return &Study{
		StudyUID:  studyUID,
		StudyDate: studyDate,
		Modality:  modality,
	}
}

// AddInstance inserts objectID into the study. It returns false when the
// instance was already present.
func (s *Study) AddInstance(objectID string) bool {
	i := sort.SearchStrings(s.Instances, objectID)
	if i < len(s.Instances) && s.Instances[i] == objectID {
		return false
	}
	s.Instances = append(s.Instances, "")
	copy(s.Instances[i+1:], s.Instances[i:])
	s.Instances[i] = objectID
	return true
}

// HasInstance reports whether objectID belongs to the study.
func (s *Study) HasInstance(objectID string) bool {
	i := sort.SearchStrings(s.Instances, objectID)
	return i < len(s.Instances) && s.Instances[i] == objectID
}

// RemoveInstance deletes objectID from the study. It returns false when the
// instance was not present.
func (s *Study) RemoveInstance(objectID string) bool {
	i := sort.SearchStrings(s.Instances, objectID)
	if i == len(s.Instances) || s.Instances[i] != objectID {
		return false
	}
	s.Instances = append(s.Instances[:i], s.Instances[i+1:]...)
	return true
}

// NumInstances returns the number of instances in the study.
func (s *Study) NumInstances() int {
	return len(s.Instances)
}

// Patient is the unit of export and deletion.
type Patient struct {
	PatientID    string            `json:"patient_id"`
	Studies      map[string]*Study `json:"studies"`
	LastModified time.Time         `json:"last_modified"`
	Comment      string            `json:"comment"`
	SubmissionID string            `json:"submission_id"`
	Status       Status            `json:"status"`
}

// NewPatient returns an idle patient with no studies.
func NewPatient(patientID string) *Patient {
	return &Patient{
		PatientID: patientID,
		Studies:   make(map[string]*Study),
		Status:    StatusNone,
	}
}

// Study returns the study with the given UID, or nil.
func (p *Patient) Study(studyUID string) *Study {
	return p.Studies[studyUID]
}

// AddInstance records the object under its study, creating the study on
// first sight, and touches the last-modified time. It returns false when the
// object was already part of the study.
func (p *Patient) AddInstance(obj *Object, now time.Time) bool {
	if p.Studies == nil {
		p.Studies = make(map[string]*Study)
	}
	st, ok := p.Studies[obj.StudyUID]
	if !ok {
		st = NewStudy(obj.StudyUID, obj.StudyDate, obj.Modality)
		p.Studies[obj.StudyUID] = st
	}
	p.LastModified = now
	return st.AddInstance(obj.ObjectID)
}

// RemoveInstance deletes the object from its study and drops the study once
// it is empty. It returns false when the object was not part of the study.
func (p *Patient) RemoveInstance(studyUID, objectID string) bool {
	st, ok := p.Studies[studyUID]
	if !ok || !st.RemoveInstance(objectID) {
		return false
	}
	if st.NumInstances() == 0 {
		delete(p.Studies, studyUID)
	}
	return true
}

// SortedStudies returns the studies ordered by study date, then UID.
func (p *Patient) SortedStudies() []*Study {
	studies := make([]*Study, 0, len(p.Studies))
	for _, st := range p.Studies {
		studies = append(studies, st)
	}
	sort.Slice(studies, func(i, j int) bool {
		if studies[i].StudyDate != studies[j].StudyDate {
			return studies[i].StudyDate < studies[j].StudyDate
		}
		return studies[i].StudyUID < studies[j].StudyUID
	})
	return studies
}

// NumStudies returns the number of studies.
func (p *Patient) NumStudies() int {
	return len(p.Studies)
}

// NumInstances returns the number of instances across all studies.
func (p *Patient) NumInstances() int {
	n := 0
	for _, st := range p.Studies {
		n += st.NumInstances()
	}
	return n
}

// ReadyForExport reports whether the worker should transfer the patient.
func (p *Patient) ReadyForExport() bool {
	return p.SubmissionID != "" && p.Status == StatusPending
}

// Clone returns a deep copy of the patient.
func (p *Patient) Clone() *Patient {
	cp := *p
	cp.Studies = make(map[string]*Study, len(p.Studies))
	for uid, st := range p.Studies {
		stCopy := *st
		stCopy.Instances = append([]string(nil), st.Instances...)
		cp.Studies[uid] = &stCopy
	}
	return &cp
}

// Object is one incoming image together with the owner fields already parsed
// from its header.
type Object struct {
	ObjectID  string
	PatientID string
	StudyUID  string
	StudyDate string
	Modality  string
	// Name identifies the source of the object in logs and status output.
	Name string
	// Body is rewound before being handed to a quarantine sink.
	Body io.ReadSeeker
}

// Validate checks that the identifying fields are present.
func (o *Object) Validate() error {
	switch {
	case o.ObjectID == "":
		return errors.New("object has no object ID")
	case o.PatientID == "":
		return errors.New("object has no patient ID")
	case o.Body == nil:
		return errors.New("object has no content")
	}
	return nil
}
