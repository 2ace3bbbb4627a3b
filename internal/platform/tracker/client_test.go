package tracker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/api", Username: "admin", Password: "district"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestNew_RejectsRelativeURL(t *testing.T) {
	if _, err := New(Config{BaseURL: "tracker/api"}, zerolog.Nop()); err == nil {
		t.Fatal("expected error for relative url")
	}
}

func TestCreateOrUpdatePerson(t *testing.T) {
	var got TrackedEntity
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/trackedEntityInstances" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.URL.Query().Get("strategy") != "CREATE_AND_UPDATE" {
			t.Errorf("expected CREATE_AND_UPDATE strategy, got %q", r.URL.RawQuery)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "district" {
			t.Errorf("expected basic auth, got %q %q", user, pass)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"httpStatus":"OK","httpStatusCode":200,"status":"OK"}`))
	})

	msg, err := c.CreateOrUpdatePerson(context.Background(), TrackedEntity{
		TrackedEntityInstance: "a1234567890",
		TrackedEntityType:     "nEenWmSyUEp",
		OrgUnit:               "DiszpKrYNg8",
		Attributes:            []Attribute{{Attribute: "w75KJ2mc4zz", Value: "Jane"}},
	})
	if err != nil {
		t.Fatalf("create person: %v", err)
	}
	if msg.Status != "OK" {
		t.Errorf("expected OK, got %s", msg.Status)
	}
	if got.TrackedEntityInstance != "a1234567890" || len(got.Attributes) != 1 {
		t.Errorf("unexpected body %+v", got)
	}
}

func TestUpdateEventValues(t *testing.T) {
	var got Event
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/api/events/ev000000001/de000000001" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"status":"OK"}`))
	})

	_, err := c.UpdateEventValues(context.Background(), Event{
		Event:        "ev000000001",
		Program:      "pr000000001",
		ProgramStage: "ps000000001",
		OrgUnit:      "ou000000001",
		DataValues:   []DataValue{{DataElement: "stale", Value: "x"}},
	}, "de000000001", "42")
	if err != nil {
		t.Fatalf("update event: %v", err)
	}
	if len(got.DataValues) != 1 || got.DataValues[0] != (DataValue{DataElement: "de000000001", Value: "42"}) {
		t.Errorf("expected only the new data value, got %+v", got.DataValues)
	}
}

func TestFetchCatalog(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/organisationUnits.json" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("paging") != "false" || q.Get("level") != "5" || q.Get("fields") != "id,name" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.Write([]byte(`{"organisationUnits":[{"id":"ou1","name":"A"},{"id":"ou2","name":"B"}]}`))
	})

	items, err := c.FetchCatalog(context.Background(), CatalogQuery{
		Resource: "organisationUnits", Fields: "id,name", Level: 5,
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("expected 2 items, got %d", len(items))
	}
}

func TestFetchCatalog_Filters(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query()["filter"]; len(got) != 1 || got[0] != "domainType:eq:TRACKER" {
			t.Errorf("unexpected filter %v", got)
		}
		w.Write([]byte(`{"dataElements":[]}`))
	})
	items, err := c.FetchCatalog(context.Background(), CatalogQuery{
		Resource: "dataElements", Filter: []string{"domainType:eq:TRACKER"},
	})
	if err != nil || len(items) != 0 {
		t.Errorf("expected empty catalog, got %v %v", items, err)
	}
}

func TestGenerateIDs(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/system/id" || r.URL.Query().Get("limit") != "2" {
			t.Errorf("unexpected %s", r.URL.String())
		}
		w.Write([]byte(`{"codes":["a1234567890","b1234567890"]}`))
	})
	ids, err := c.GenerateIDs(context.Background(), 2)
	if err != nil || len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %v %v", ids, err)
	}
}

func TestErrorResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		io.WriteString(w, `{"httpStatus":"Conflict","httpStatusCode":409,"status":"ERROR","message":"An error occurred, please check import summary."}`)
	})

	_, err := c.CreateEnrollment(context.Background(), Enrollment{Enrollment: "en000000001"})
	te, ok := AsError(err)
	if !ok {
		t.Fatalf("expected tracker error, got %v", err)
	}
	if te.StatusCode != http.StatusConflict {
		t.Errorf("expected 409, got %d", te.StatusCode)
	}
	if te.Message == "" || len(te.Body) == 0 {
		t.Error("expected message and body to be kept")
	}
	if te.Temporary() {
		t.Error("409 is not temporary")
	}
}
