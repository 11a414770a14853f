package errors

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
)

func TestWithExtraCopies(t *testing.T) {
	e := ErrObjectRejected.WithExtra("object_id", "1.2.3")
	if e == ErrObjectRejected {
		t.Fatal("WithExtra returned the shared sentinel")
	}
	if ErrObjectRejected.ExtraFields != nil {
		t.Errorf("sentinel mutated: %v", ErrObjectRejected.ExtraFields)
	}
	if e.ExtraFields["object_id"] != "1.2.3" || e.HTTPStatus != http.StatusUnprocessableEntity {
		t.Errorf("copy = %+v", e)
	}

	e2 := e.WithExtra("patient_id", "P1")
	if len(e.ExtraFields) != 1 || len(e2.ExtraFields) != 2 {
		t.Errorf("extra fields shared between copies: %v / %v", e.ExtraFields, e2.ExtraFields)
	}
}

func TestWithMessage(t *testing.T) {
	e := ErrMissingOwner.WithMessage("study_uid is required")
	if e.Message != "study_uid is required" || e.Code != "MissingOwner" {
		t.Errorf("copy = %+v", e)
	}
	if ErrMissingOwner.Message == e.Message {
		t.Error("sentinel message mutated")
	}
}

func TestAPIErrorJSON(t *testing.T) {
	b, err := json.Marshal(ErrNoSuchObject.WithExtra("object_id", "U1"))
	if err != nil {
		t.Fatal(err)
	}
	s := string(b)
	if strings.Contains(s, "404") {
		t.Errorf("HTTP status leaked into JSON: %s", s)
	}
	for _, want := range []string{`"code":"NoSuchObject"`, `"details":{"object_id":"U1"}`} {
		if !strings.Contains(s, want) {
			t.Errorf("JSON %s lacks %s", s, want)
		}
	}
	if !strings.Contains(ErrNoSuchObject.Error(), "NoSuchObject") {
		t.Errorf("Error() = %q", ErrNoSuchObject.Error())
	}
}
