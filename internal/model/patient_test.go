package model

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func testObject(objectID, studyUID, studyDate string) *Object {
	return &Object{
		ObjectID:  objectID,
		PatientID: "P1",
		StudyUID:  studyUID,
		StudyDate: studyDate,
		Modality:  "CT",
		Body:      strings.NewReader("data"),
	}
}

func TestPatientAddInstance(t *testing.T) {
	p := NewPatient("P1")
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if !p.AddInstance(testObject("U1", "S1", "20260101"), now) {
		t.Fatal("first AddInstance returned false")
	}
	if p.AddInstance(testObject("U1", "S1", "20260101"), now.Add(time.Second)) {
		t.Error("repeat AddInstance returned true")
	}
	if !p.AddInstance(testObject("U0", "S1", "20260101"), now) {
		t.Error("AddInstance(U0) returned false")
	}
	if !p.AddInstance(testObject("U2", "S2", "20251231"), now) {
		t.Error("AddInstance(U2) returned false")
	}

	if got := p.NumStudies(); got != 2 {
		t.Errorf("NumStudies = %d, want 2", got)
	}
	if got := p.NumInstances(); got != 3 {
		t.Errorf("NumInstances = %d, want 3", got)
	}
	st := p.Study("S1")
	if st == nil {
		t.Fatal("Study(S1) = nil")
	}
	if strings.Join(st.Instances, ",") != "U0,U1" {
		t.Errorf("S1 instances = %v, want [U0 U1]", st.Instances)
	}
	if !st.HasInstance("U1") || st.HasInstance("U9") {
		t.Error("HasInstance mismatch")
	}

	studies := p.SortedStudies()
	if studies[0].StudyUID != "S2" || studies[1].StudyUID != "S1" {
		t.Errorf("SortedStudies order = %s,%s, want S2,S1", studies[0].StudyUID, studies[1].StudyUID)
	}
}

func TestPatientRemoveInstance(t *testing.T) {
	p := NewPatient("P1")
	now := time.Now()
	p.AddInstance(testObject("U1", "S1", "20260101"), now)
	p.AddInstance(testObject("U2", "S1", "20260101"), now)
	p.AddInstance(testObject("U3", "S2", "20260102"), now)

	if p.RemoveInstance("S1", "U9") || p.RemoveInstance("S9", "U1") {
		t.Error("RemoveInstance reported an absent instance as removed")
	}
	if !p.RemoveInstance("S1", "U1") {
		t.Fatal("RemoveInstance(S1, U1) returned false")
	}
	if got := strings.Join(p.Study("S1").Instances, ","); got != "U2" {
		t.Errorf("S1 instances = %s, want U2", got)
	}
	if !p.RemoveInstance("S2", "U3") {
		t.Fatal("RemoveInstance(S2, U3) returned false")
	}
	if p.Study("S2") != nil || p.NumStudies() != 1 {
		t.Errorf("empty study S2 kept, studies = %d", p.NumStudies())
	}
}

func TestPatientClone(t *testing.T) {
	p := NewPatient("P1")
	p.AddInstance(testObject("U1", "S1", "20260101"), time.Now())

	cp := p.Clone()
	cp.Study("S1").AddInstance("U2")
	cp.Status = StatusFail

	if p.NumInstances() != 1 {
		t.Errorf("original NumInstances = %d after clone mutation, want 1", p.NumInstances())
	}
	if p.Status != StatusNone {
		t.Errorf("original Status = %v, want NONE", p.Status)
	}
}

func TestReadyForExport(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		status Status
		want   bool
	}{
		{"idle", "", StatusNone, false},
		{"pending without token", "", StatusPending, false},
		{"pending with token", "15", StatusPending, true},
		{"failed with token", "15", StatusFail, false},
		{"retry with token", "15", StatusRetry, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPatient("P1")
			p.SubmissionID = tt.token
			p.Status = tt.status
			if got := p.ReadyForExport(); got != tt.want {
				t.Errorf("ReadyForExport() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStatusText(t *testing.T) {
	for _, s := range []Status{StatusNone, StatusPending, StatusOK, StatusRetry, StatusFail} {
		b, err := s.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%v): %v", s, err)
		}
		var got Status
		if err := got.UnmarshalText(b); err != nil {
			t.Fatalf("UnmarshalText(%q): %v", b, err)
		}
		if got != s {
			t.Errorf("status %v did not survive text encoding, got %v", s, got)
		}
	}
	if _, err := ParseStatus("bogus"); err == nil {
		t.Error("ParseStatus(bogus) returned nil error")
	}
	if _, err := Status(42).MarshalText(); err == nil {
		t.Error("MarshalText(42) returned nil error")
	}
}

func TestStatusResettable(t *testing.T) {
	want := map[Status]bool{
		StatusNone:    false,
		StatusPending: false,
		StatusOK:      true,
		StatusRetry:   true,
		StatusFail:    true,
	}
	for s, w := range want {
		if got := s.Resettable(); got != w {
			t.Errorf("%v.Resettable() = %v, want %v", s, got, w)
		}
	}
}

func TestPatientJSON(t *testing.T) {
	p := NewPatient("P1")
	p.Status = StatusRetry
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(data), `"status":"RETRY"`) {
		t.Errorf("encoded patient %s does not carry the status name", data)
	}
}

func TestObjectValidate(t *testing.T) {
	obj := testObject("U1", "S1", "20260101")
	if err := obj.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
	obj.PatientID = ""
	if err := obj.Validate(); err == nil {
		t.Error("Validate accepted an object without patient ID")
	}
}
