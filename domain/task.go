package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Task is a single to-do item as held by both the local and the remote store.
type Task struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Date      time.Time `json:"date"`
	Completed bool      `json:"completed"`
	Synced    bool      `json:"synced"`
	CreatedAt int64     `json:"createdAt,omitempty"`
}

// NewTaskID returns a random identifier for a newly created task.
func NewTaskID() string {
	return uuid.NewString()
}

// SameContent reports whether two tasks carry the same user-visible values.
// Identity and sync status are not compared.
func (t Task) SameContent(o Task) bool {
	return t.Title == o.Title && t.Date.Equal(o.Date) && t.Completed == o.Completed
}

// WithSynced returns a copy of the task with the sync flag set.
func (t Task) WithSynced(synced bool) Task {
	t.Synced = synced
	return t
}

// Validate checks the fields every stored task must carry.
func (t Task) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if strings.TrimSpace(t.Title) == "" {
		return &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if t.Date.IsZero() {
		return &ValidationError{Field: "date", Reason: "must be set"}
	}
	return nil
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseDate parses a due date. Values without an offset are read in loc.
func ParseDate(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, &ValidationError{Field: "date", Reason: "must be set"}
	}
	if loc == nil {
		loc = time.Local
	}
	for i, layout := range dateLayouts {
		var (
			ts  time.Time
			err error
		)
		if i == 0 {
			ts, err = time.Parse(layout, raw)
		} else {
			ts, err = time.ParseInLocation(layout, raw, loc)
		}
		if err == nil {
			return ts, nil
		}
	}
	return time.Time{}, &ValidationError{Field: "date", Reason: fmt.Sprintf("unrecognised date %q", raw)}
}

var legacyLocation atomic.Pointer[time.Location]

// SetLegacyLocation sets the zone UnmarshalJSON reads offset-less dates in.
// Nil restores the host zone.
func SetLegacyLocation(loc *time.Location) {
	legacyLocation.Store(loc)
}

func currentLegacyLocation() *time.Location {
	if loc := legacyLocation.Load(); loc != nil {
		return loc
	}
	return time.Local
}

type taskJSON struct {
	ID        json.RawMessage `json:"id"`
	Title     string          `json:"title"`
	Date      string          `json:"date"`
	Completed bool            `json:"completed"`
	Synced    bool            `json:"synced"`
	CreatedAt int64           `json:"createdAt,omitempty"`
}

// UnmarshalJSON accepts records written by older clients, which used numeric
// millisecond ids and local "YYYY-MM-DDTHH:MM" dates. Those dates are read in
// the zone set by SetLegacyLocation.
func (t *Task) UnmarshalJSON(data []byte) error {
	var raw taskJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	id, err := decodeID(raw.ID)
	if err != nil {
		return err
	}
	var date time.Time
	if raw.Date != "" {
		date, err = ParseDate(raw.Date, currentLegacyLocation())
		if err != nil {
			return err
		}
	}
	*t = Task{
		ID:        id,
		Title:     raw.Title,
		Date:      date,
		Completed: raw.Completed,
		Synced:    raw.Synced,
		CreatedAt: raw.CreatedAt,
	}
	return nil
}

func decodeID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("task id: %w", err)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return "", fmt.Errorf("task id: %w", err)
	}
	return n.String(), nil
}
