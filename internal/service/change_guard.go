package service

import (
	"unicode/utf8"

	"inkdown-docsync/internal/config"
	"inkdown-docsync/internal/domain"
)

const (
	GuardMaxChangedRatio = "maxChangedRatio"
	GuardMaxChangedChars = "maxChangedChars"
	GuardMaxHunks        = "maxHunks"
)

type ChangeMetrics struct {
	ChangedCharacters int
	ChangedRatio      float64
	HunkCount         int
}

// ChangeGuardReport is advisory. An exceeded guard never blocks an edit.
type ChangeGuardReport struct {
	ChangeMetrics
	Exceeded []string
}

func (r ChangeGuardReport) IsExceeded() bool {
	return len(r.Exceeded) > 0
}

// EvaluateChange measures a replacement set against the length, in
// characters, of the document it applies to. Changed characters count both
// the removed span and the inserted text.
func EvaluateChange(replacements []domain.Replacement, documentLength int, guard config.ChangeGuardConfig) ChangeGuardReport {
	var m ChangeMetrics

	for _, r := range replacements {
		m.ChangedCharacters += (r.Range.End - r.Range.Start) + utf8.RuneCountInString(r.Text)
	}
	m.HunkCount = len(replacements)

	base := documentLength
	if base < 1 {
		base = 1
	}
	m.ChangedRatio = float64(m.ChangedCharacters) / float64(base)

	report := ChangeGuardReport{ChangeMetrics: m}
	if guard.MaxChangedRatio > 0 && m.ChangedRatio > guard.MaxChangedRatio {
		report.Exceeded = append(report.Exceeded, GuardMaxChangedRatio)
	}
	if guard.MaxChangedChars > 0 && m.ChangedCharacters > guard.MaxChangedChars {
		report.Exceeded = append(report.Exceeded, GuardMaxChangedChars)
	}
	if guard.MaxHunks > 0 && m.HunkCount > guard.MaxHunks {
		report.Exceeded = append(report.Exceeded, GuardMaxHunks)
	}

	return report
}
