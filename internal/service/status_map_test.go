package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jjenkins/billsync/internal/model"
)

func TestStatusMapper_Canonical(t *testing.T) {
	t.Parallel()

	m, conflicts, err := NewStatusMapper(nil)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	tests := []struct {
		code  string
		want  model.Status
		known bool
	}{
		{code: "1", want: model.StatusIntroduced, known: true},
		{code: "4", want: model.StatusPassed, known: true},
		{code: "5", want: model.StatusVetoed, known: true},
		{code: "8", want: model.StatusEnacted, known: true},
		{code: " Signed ", want: model.StatusEnacted, known: true},
		{code: "ENROLLED", want: model.StatusEnrolled, known: true},
		{code: "99", want: model.StatusIntroduced, known: false},
		{code: "", want: model.StatusIntroduced, known: false},
	}
	for _, tt := range tests {
		got, known := m.Map("CA", tt.code)
		assert.Equal(t, tt.want, got, tt.code)
		assert.Equal(t, tt.known, known, tt.code)
	}
}

func TestStatusMapper_OverridesAndConflicts(t *testing.T) {
	t.Parallel()

	m, conflicts, err := NewStatusMapper(map[string]map[string]string{
		"tx": {
			"4":         "enacted",
			"sent_gov":  "enrolled",
			"engrossed": "engrossed",
		},
	})
	require.NoError(t, err)

	got, known := m.Map("TX", "4")
	assert.True(t, known)
	assert.Equal(t, model.StatusEnacted, got, "override wins")

	got, _ = m.Map("TX", "SENT_GOV")
	assert.Equal(t, model.StatusEnrolled, got)

	got, _ = m.Map("CA", "4")
	assert.Equal(t, model.StatusPassed, got, "other jurisdictions keep the canonical table")

	require.Len(t, conflicts, 1, "only overrides that disagree with the canonical table are flagged")
	assert.Equal(t, MappingConflict{Jurisdiction: "TX", Code: "4", Canonical: model.StatusPassed, Override: model.StatusEnacted}, conflicts[0])
}

func TestStatusMapper_RejectsUnknownStatus(t *testing.T) {
	t.Parallel()

	_, _, err := NewStatusMapper(map[string]map[string]string{"NY": {"9": "tabled"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tabled")
}
