package transform

import (
	"context"
	"strconv"

	"github.com/ehr/tracker-bridge/internal/platform/fhir"
)

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// observationValue picks the recorded value: quantity, coded concept (as its
// option code when one is mapped, else the raw code), string, boolean as
// Yes/No, integer, time, then dateTime cut to a date.
func (e *Engine) observationValue(ctx context.Context, v fhir.Value) (string, bool, error) {
	if q := v.ValueQuantity; q != nil && q.Value != nil {
		return formatFloat(*q.Value), true, nil
	}
	if c := v.ValueCodeableConcept.FirstCoding(); c != nil && c.Code != "" {
		option, ok, err := e.mappings.ResolveOption(ctx, c.System, c.Code)
		if err != nil {
			return "", false, err
		}
		if ok && option != "" {
			return option, true, nil
		}
		return c.Code, true, nil
	}
	if v.ValueString != nil && *v.ValueString != "" {
		return *v.ValueString, true, nil
	}
	if v.ValueBoolean != nil {
		if *v.ValueBoolean {
			return "Yes", true, nil
		}
		return "No", true, nil
	}
	if v.ValueInteger != nil {
		return strconv.FormatInt(*v.ValueInteger, 10), true, nil
	}
	if v.ValueTime != nil && *v.ValueTime != "" {
		return *v.ValueTime, true, nil
	}
	if v.ValueDateTime != nil && *v.ValueDateTime != "" {
		return dateOnly(*v.ValueDateTime), true, nil
	}
	return "", false, nil
}

// extensionValue renders an extension value as an attribute value. Coded
// values use the first coding that names a system.
func extensionValue(v fhir.Value) (string, bool) {
	if c := v.ValueCodeableConcept; c != nil {
		for _, coding := range c.Coding {
			if coding.System != "" && coding.Code != "" {
				return coding.Code, true
			}
		}
	}
	if q := v.ValueQuantity; q != nil && q.Value != nil {
		return formatFloat(*q.Value), true
	}
	switch {
	case v.ValueString != nil && *v.ValueString != "":
		return *v.ValueString, true
	case v.ValueBoolean != nil:
		return strconv.FormatBool(*v.ValueBoolean), true
	case v.ValueInteger != nil:
		return strconv.FormatInt(*v.ValueInteger, 10), true
	case v.ValueTime != nil && *v.ValueTime != "":
		return *v.ValueTime, true
	case v.ValueDateTime != nil && *v.ValueDateTime != "":
		return *v.ValueDateTime, true
	}
	return "", false
}

func dateOnly(dt string) string {
	if len(dt) > 10 {
		return dt[:10]
	}
	return dt
}
