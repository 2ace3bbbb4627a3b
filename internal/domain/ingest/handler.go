package ingest

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/tracker-bridge/internal/domain/transform"
	"github.com/ehr/tracker-bridge/internal/platform/fhir"
	"github.com/ehr/tracker-bridge/internal/platform/tracker"
)

type Handler struct {
	decomposer *Decomposer
}

func NewHandler(d *Decomposer) *Handler {
	return &Handler{decomposer: d}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/fhir", h.Submit)
}

// Submit accepts a Bundle or a single resource and answers with a
// batch-response Bundle holding one entry per processed resource.
func (h *Handler) Submit(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if !json.Valid(body) {
		return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeInvalid, "request body is not valid JSON"))
	}

	items, err := h.decomposer.Process(c.Request().Context(), body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeInvalid, err.Error()))
	}
	return c.JSON(http.StatusOK, BatchResponse(items))
}

// BatchResponse renders items as a batch-response Bundle.
func BatchResponse(items []Item) *fhir.Bundle {
	entries := make([]fhir.BundleEntry, 0, len(items))
	for _, it := range items {
		entries = append(entries, fhir.BundleEntry{
			FullURL:  it.FullURL,
			Response: entryResponse(it.Result),
		})
	}
	return fhir.NewBatchResponse(entries)
}

func entryResponse(r transform.Result) *fhir.BundleResponse {
	status, severity, code := classify(r)
	outcome := fhir.NewOperationOutcome(severity, code, r.Detail)
	if r.ResourceType != "" {
		expr := r.ResourceType
		if r.ID != "" {
			expr += "/" + r.ID
		}
		outcome.Issue[0].Expression = []string{expr}
	}
	if r.Ambiguous {
		outcome.Issue = append(outcome.Issue, fhir.OperationOutcomeIssue{
			Severity:    fhir.IssueSeverityWarning,
			Code:        fhir.IssueTypeDuplicate,
			Diagnostics: "patient matched more than one tracked entity; the first was used",
		})
	}

	resp := &fhir.BundleResponse{Status: status, Outcome: outcome}
	if r.Outcome.Success() && r.TargetID != "" {
		resp.Location = targetCollection(r.ResourceType) + "/" + r.TargetID
	}
	return resp
}

func classify(r transform.Result) (status, severity, code string) {
	switch r.Outcome {
	case transform.OutcomeCreated:
		return "201 Created", fhir.IssueSeverityInformation, fhir.IssueTypeProcessing
	case transform.OutcomeUpdated:
		return "200 OK", fhir.IssueSeverityInformation, fhir.IssueTypeProcessing
	case transform.OutcomeDuplicate:
		return "200 OK", fhir.IssueSeverityInformation, fhir.IssueTypeDuplicate
	case transform.OutcomeUnresolvedMapping:
		return "422 Unprocessable Entity", fhir.IssueSeverityError, fhir.IssueTypeCodeInvalid
	case transform.OutcomeUnresolvedIdentity:
		return "404 Not Found", fhir.IssueSeverityError, fhir.IssueTypeNotFound
	case transform.OutcomeMalformedResource:
		return "400 Bad Request", fhir.IssueSeverityError, fhir.IssueTypeInvalid
	case transform.OutcomeUpstreamWriteFailure:
		if te, ok := tracker.AsError(r.Err); ok && !te.Temporary() {
			return "502 Bad Gateway", fhir.IssueSeverityError, fhir.IssueTypeProcessing
		}
		return "502 Bad Gateway", fhir.IssueSeverityError, fhir.IssueTypeTransient
	case transform.OutcomeLookupFailure:
		return "503 Service Unavailable", fhir.IssueSeverityError, fhir.IssueTypeTransient
	default:
		return "500 Internal Server Error", fhir.IssueSeverityError, fhir.IssueTypeException
	}
}

func targetCollection(resourceType string) string {
	switch resourceType {
	case "Patient":
		return "trackedEntityInstances"
	case "EpisodeOfCare":
		return "enrollments"
	default:
		return "events"
	}
}
