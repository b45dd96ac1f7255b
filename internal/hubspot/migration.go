package hubspot

import (
	"github.com/cockroachdb/errors"

	"crmsync/internal/etl"
)

// ErrInvalidStartDate is returned when the configured start date cannot be parsed.
var ErrInvalidStartDate = errors.New("invalid start date")

// MigrateEmptyStringState replaces an empty-string cursor left by older syncs
// with the configured start date.
type MigrateEmptyStringState struct {
	CursorField  string
	StartDate    string
	CursorFormat string
}

// NewMigrateEmptyStringState validates startDate up front so a migration can
// never persist an unparseable cursor. An empty startDate means DefaultStartDate.
func NewMigrateEmptyStringState(cursorField, startDate, cursorFormat string) (*MigrateEmptyStringState, error) {
	if startDate == "" {
		startDate = DefaultStartDate
	}
	if _, ok := ParseDatetime(startDate); !ok {
		return nil, errors.Wrapf(ErrInvalidStartDate, "%q", startDate)
	}
	return &MigrateEmptyStringState{CursorField: cursorField, StartDate: startDate, CursorFormat: cursorFormat}, nil
}

func (m *MigrateEmptyStringState) ShouldMigrate(state etl.StreamState) bool {
	v, ok := state[m.CursorField]
	return ok && v == ""
}

func (m *MigrateEmptyStringState) Migrate(state etl.StreamState) (etl.StreamState, error) {
	out := state.Clone()
	if m.CursorFormat == "" {
		out[m.CursorField] = m.StartDate
		return out, nil
	}
	t, ok := ParseDatetime(m.StartDate)
	if !ok {
		return nil, errors.Wrapf(ErrInvalidStartDate, "%q", m.StartDate)
	}
	out[m.CursorField] = FormatCursor(t, m.CursorFormat)
	return out, nil
}
