package tracker

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Attribute struct {
	Attribute string `json:"attribute"`
	Value     string `json:"value"`
}

type TrackedEntity struct {
	TrackedEntityInstance string      `json:"trackedEntityInstance"`
	TrackedEntityType     string      `json:"trackedEntityType"`
	OrgUnit               string      `json:"orgUnit"`
	Attributes            []Attribute `json:"attributes"`
}

type Enrollment struct {
	Enrollment            string `json:"enrollment"`
	TrackedEntityInstance string `json:"trackedEntityInstance"`
	Program               string `json:"program"`
	OrgUnit               string `json:"orgUnit"`
	EnrollmentDate        string `json:"enrollmentDate"`
	IncidentDate          string `json:"incidentDate"`
}

type DataValue struct {
	DataElement string `json:"dataElement"`
	Value       string `json:"value"`
}

type Event struct {
	Event                 string      `json:"event"`
	Enrollment            string      `json:"enrollment,omitempty"`
	TrackedEntityInstance string      `json:"trackedEntityInstance,omitempty"`
	Program               string      `json:"program"`
	ProgramStage          string      `json:"programStage"`
	OrgUnit               string      `json:"orgUnit"`
	EventDate             string      `json:"eventDate"`
	DataValues            []DataValue `json:"dataValues"`
}

// WebMessage is the envelope the tracker wraps write responses in.
type WebMessage struct {
	HTTPStatus     string          `json:"httpStatus,omitempty"`
	HTTPStatusCode int             `json:"httpStatusCode,omitempty"`
	Status         string          `json:"status,omitempty"`
	Message        string          `json:"message,omitempty"`
	Response       json.RawMessage `json:"response,omitempty"`
}

// CatalogQuery selects a metadata collection, e.g. Resource "programStages".
type CatalogQuery struct {
	Resource string
	Fields   string
	Filter   []string
	Level    int
}

// Error is a non-2xx reply from the tracker.
type Error struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
	Body       []byte
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("tracker %s %s: %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("tracker %s %s: %d", e.Method, e.Path, e.StatusCode)
}

// Temporary reports whether retrying the call later may succeed.
func (e *Error) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

func newError(method, path string, status int, body []byte) error {
	e := &Error{Method: method, Path: path, StatusCode: status, Body: body}
	var msg WebMessage
	if json.Unmarshal(body, &msg) == nil {
		e.Message = msg.Message
	}
	return e
}

// AsError unwraps a tracker Error from err.
func AsError(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}
