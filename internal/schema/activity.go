package schema

import "time"

// Activity is the trace one event leaves in a principal's history.
type Activity struct {
	EventID   string    `json:"id"`
	EventName string    `json:"n"`
	Resource  string    `json:"r,omitempty"`
	SourceIP  string    `json:"ip,omitempty"`
	At        time.Time `json:"t"`
}

// ActivityOf extracts the history entry for ev.
func ActivityOf(ev *Event) Activity {
	return Activity{
		EventID:   ev.EventID,
		EventName: ev.EventName,
		Resource:  ev.Resource,
		SourceIP:  ev.SourceIP,
		At:        ev.EventTime,
	}
}
