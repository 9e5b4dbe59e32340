package race

import (
	"encoding/json"
	"fmt"
	"time"
)

// Partial payloads travel through the offline queue as JSON, so field values
// may arrive as float64, json.Number, or RFC3339 strings rather than the
// original Go types. The coercions below accept both shapes.

func applyRunnerFields(r *Runner, fields map[string]any) error {
	for key, value := range fields {
		switch key {
		case "id":
			// ignored: the id keys the payload, it is not a mutable field
		case "name":
			s, ok := value.(string)
			if !ok {
				return fmt.Errorf("field name: expected string, got %T", value)
			}
			r.Name = s
		case "pace":
			n, ok := asInt(value)
			if !ok {
				return fmt.Errorf("field pace: expected integer, got %T", value)
			}
			r.Pace = n
		case "van":
			n, ok := asInt(value)
			if !ok {
				return fmt.Errorf("field van: expected integer, got %T", value)
			}
			r.Van = Van(n)
		case "updatedAt":
			t, ok := asTime(value)
			if !ok {
				return fmt.Errorf("field updatedAt: expected timestamp, got %T", value)
			}
			r.UpdatedAt = t
		default:
			return fmt.Errorf("unknown runner field %q", key)
		}
	}
	return nil
}

func applyLegFields(l *Leg, fields map[string]any) error {
	for key, value := range fields {
		switch key {
		case "id":
			// ignored: the id keys the payload, it is not a mutable field
		case "runnerId":
			if value == nil {
				l.RunnerID = nil
				continue
			}
			n, ok := asInt(value)
			if !ok {
				return fmt.Errorf("field runnerId: expected integer, got %T", value)
			}
			l.RunnerID = &n
		case "distance":
			f, ok := asFloat(value)
			if !ok {
				return fmt.Errorf("field distance: expected number, got %T", value)
			}
			l.Distance = f
		case "projectedStart":
			t, err := asTimePtr(value)
			if err != nil {
				return fmt.Errorf("field projectedStart: %w", err)
			}
			l.ProjectedStart = t
		case "projectedFinish":
			t, err := asTimePtr(value)
			if err != nil {
				return fmt.Errorf("field projectedFinish: %w", err)
			}
			l.ProjectedFinish = t
		case "actualStart":
			t, err := asTimePtr(value)
			if err != nil {
				return fmt.Errorf("field actualStart: %w", err)
			}
			l.ActualStart = t
		case "actualFinish":
			t, err := asTimePtr(value)
			if err != nil {
				return fmt.Errorf("field actualFinish: %w", err)
			}
			l.ActualFinish = t
		case "updatedAt":
			t, ok := asTime(value)
			if !ok {
				return fmt.Errorf("field updatedAt: expected timestamp, got %T", value)
			}
			l.UpdatedAt = t
		default:
			return fmt.Errorf("unknown leg field %q", key)
		}
	}
	return nil
}

// Fields returns the runner as a partial-upsert payload covering every field.
func (r Runner) Fields() map[string]any {
	return map[string]any{
		"id":        r.ID,
		"name":      r.Name,
		"pace":      r.Pace,
		"van":       int(r.Van),
		"updatedAt": r.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// Fields returns the leg as a partial-upsert payload covering every field.
func (l Leg) Fields() map[string]any {
	out := map[string]any{
		"id":        l.ID,
		"distance":  l.Distance,
		"updatedAt": l.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	putIntPtr(out, "runnerId", l.RunnerID)
	putTimePtr(out, "projectedStart", l.ProjectedStart)
	putTimePtr(out, "projectedFinish", l.ProjectedFinish)
	putTimePtr(out, "actualStart", l.ActualStart)
	putTimePtr(out, "actualFinish", l.ActualFinish)
	return out
}

func putIntPtr(m map[string]any, key string, p *int) {
	if p == nil {
		m[key] = nil
		return
	}
	m[key] = *p
}

func putTimePtr(m map[string]any, key string, p *time.Time) {
	if p == nil {
		m[key] = nil
		return
	}
	m[key] = p.UTC().Format(time.RFC3339Nano)
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}

func asTimePtr(v any) (*time.Time, error) {
	if v == nil {
		return nil, nil
	}
	if p, ok := v.(*time.Time); ok {
		return p, nil
	}
	t, ok := asTime(v)
	if !ok {
		return nil, fmt.Errorf("expected timestamp or null, got %T", v)
	}
	return &t, nil
}
