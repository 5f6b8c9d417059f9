// Package dmvxml parses the irregular XML-in-a-cell payload returned by
// $SYSTEM.DISCOVER_TRACE_EVENT_CATEGORIES: each row's Data column holds an
// EVENTCATEGORY/EVENTLIST/EVENT document whose EVENT element is sometimes a
// single object and sometimes a list.
package dmvxml

import (
	"fmt"

	"github.com/clbanning/mxj/v2"
)

// EventCategories maps a trace event class ID to the set of trace column
// IDs the server permits for that event, as discovered from
// DISCOVER_TRACE_EVENT_CATEGORIES.
type EventCategories map[string][]string

// ParseEventCategories parses one or more DISCOVER_TRACE_EVENT_CATEGORIES
// Data cell payloads and merges them into a single EventCategories map.
func ParseEventCategories(xmlPayloads []string) (EventCategories, error) {
	categories := make(EventCategories)

	for _, payload := range xmlPayloads {
		m, err := mxj.NewMapXml([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("parse event category xml: %w", err)
		}

		events, err := extractEvents(m)
		if err != nil {
			return nil, err
		}

		for _, event := range events {
			id, columns, err := parseEvent(event)
			if err != nil {
				return nil, err
			}
			categories[id] = columns
		}
	}

	return categories, nil
}

// extractEvents normalizes EVENTCATEGORY.EVENTLIST.EVENT into one map per
// EVENT element, whether the server returned one event or several.
// ValuesForPath yields each member of a repeated EVENT as its own value.
func extractEvents(m mxj.Map) ([]map[string]any, error) {
	vals, err := m.ValuesForPath("EVENTCATEGORY.EVENTLIST.EVENT")
	if err != nil {
		return nil, fmt.Errorf("find EVENT element: %w", err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("find EVENT element: no EVENTCATEGORY.EVENTLIST.EVENT in payload")
	}
	var raw any = vals
	if len(vals) == 1 {
		raw = vals[0]
	}

	switch v := raw.(type) {
	case []any:
		events := make([]map[string]any, 0, len(v))
		for _, item := range v {
			em, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("unexpected EVENT element shape %T", item)
			}
			events = append(events, em)
		}
		return events, nil
	case map[string]any:
		return []map[string]any{v}, nil
	default:
		return nil, fmt.Errorf("unexpected EVENT shape %T", raw)
	}
}

// parseEvent extracts the event class ID and its list of permitted column
// IDs from one EVENT element.
func parseEvent(event map[string]any) (string, []string, error) {
	id, ok := event["ID"].(string)
	if !ok {
		return "", nil, fmt.Errorf("EVENT missing ID field")
	}

	columnList, ok := event["EVENTCOLUMNLIST"].(map[string]any)
	if !ok {
		return "", nil, fmt.Errorf("EVENT %s missing EVENTCOLUMNLIST", id)
	}

	raw, ok := columnList["EVENTCOLUMN"]
	if !ok {
		return id, nil, nil
	}

	var columns []string
	switch v := raw.(type) {
	case []any:
		for _, item := range v {
			cm, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if cid, ok := cm["ID"].(string); ok {
				columns = append(columns, cid)
			}
		}
	case map[string]any:
		if cid, ok := v["ID"].(string); ok {
			columns = append(columns, cid)
		}
	default:
		return "", nil, fmt.Errorf("unexpected EVENTCOLUMN shape for event %s: %T", id, raw)
	}

	return id, columns, nil
}

// Permits reports whether columnID is an allowed trace column for eventID,
// per the discovered event categories.
func (c EventCategories) Permits(eventID, columnID string) bool {
	columns, ok := c[eventID]
	if !ok {
		return false
	}
	for _, col := range columns {
		if col == columnID {
			return true
		}
	}
	return false
}
