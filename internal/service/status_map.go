package service

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jjenkins/billsync/internal/model"
)

// canonicalStatuses maps the source's numeric progress codes and the textual
// codes some jurisdictions report to the canonical taxonomy.
var canonicalStatuses = map[string]model.Status{
	"1":  model.StatusIntroduced,
	"2":  model.StatusEngrossed,
	"3":  model.StatusEnrolled,
	"4":  model.StatusPassed,
	"5":  model.StatusVetoed,
	"6":  model.StatusFailed,
	"7":  model.StatusEnacted, // veto override
	"8":  model.StatusEnacted, // chaptered
	"9":  model.StatusIntroduced,
	"10": model.StatusIntroduced,
	"11": model.StatusFailed,
	"12": model.StatusPending,

	"pending":    model.StatusPending,
	"draft":      model.StatusPending,
	"prefiled":   model.StatusPending,
	"introduced": model.StatusIntroduced,
	"engrossed":  model.StatusEngrossed,
	"enrolled":   model.StatusEnrolled,
	"passed":     model.StatusPassed,
	"vetoed":     model.StatusVetoed,
	"enacted":    model.StatusEnacted,
	"signed":     model.StatusEnacted,
	"chaptered":  model.StatusEnacted,
	"effective":  model.StatusEnacted,
	"failed":     model.StatusFailed,
	"dead":       model.StatusFailed,
	"withdrawn":  model.StatusFailed,
}

// MappingConflict is a jurisdiction override that disagrees with the canonical table
type MappingConflict struct {
	Jurisdiction string
	Code         string
	Canonical    model.Status
	Override     model.Status
}

func (c MappingConflict) String() string {
	return fmt.Sprintf("%s code %q: canonical %s, override %s", c.Jurisdiction, c.Code, c.Canonical, c.Override)
}

// StatusMapper translates remote status codes. It is read-only after construction.
type StatusMapper struct {
	overrides map[string]map[string]model.Status
}

// NewStatusMapper validates per-jurisdiction overrides and reports the ones
// that shadow a canonical mapping. Overrides win.
func NewStatusMapper(overrides map[string]map[string]string) (*StatusMapper, []MappingConflict, error) {
	m := &StatusMapper{overrides: make(map[string]map[string]model.Status, len(overrides))}
	var conflicts []MappingConflict

	for jurisdiction, codes := range overrides {
		j := strings.ToUpper(strings.TrimSpace(jurisdiction))
		table := make(map[string]model.Status, len(codes))
		for code, name := range codes {
			status := model.Status(strings.ToLower(strings.TrimSpace(name)))
			if !status.Valid() {
				return nil, nil, fmt.Errorf("status override %s/%s: unknown status %q", j, code, name)
			}
			key := normalizeCode(code)
			table[key] = status
			if canonical, ok := canonicalStatuses[key]; ok && canonical != status {
				conflicts = append(conflicts, MappingConflict{Jurisdiction: j, Code: key, Canonical: canonical, Override: status})
			}
		}
		m.overrides[j] = table
	}

	sort.Slice(conflicts, func(a, b int) bool {
		if conflicts[a].Jurisdiction != conflicts[b].Jurisdiction {
			return conflicts[a].Jurisdiction < conflicts[b].Jurisdiction
		}
		return conflicts[a].Code < conflicts[b].Code
	})

	return m, conflicts, nil
}

// Map returns the canonical status for code. Unknown codes map to Introduced
// with known set to false.
func (m *StatusMapper) Map(jurisdiction, code string) (status model.Status, known bool) {
	key := normalizeCode(code)
	if m != nil {
		if table, ok := m.overrides[strings.ToUpper(jurisdiction)]; ok {
			if s, ok := table[key]; ok {
				return s, true
			}
		}
	}
	if s, ok := canonicalStatuses[key]; ok {
		return s, true
	}
	return model.StatusIntroduced, false
}

func normalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}
