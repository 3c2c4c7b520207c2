package progression

import "time"

// Facts are the stored inputs stage classification works from.
type Facts struct {
	DateOfBirth    *time.Time
	DueDate        *time.Time
	PersistedStage Stage
}

// FactsOf extracts classification facts from a profile.
func FactsOf(p *Profile) Facts {
	return Facts{
		DateOfBirth:    p.DateOfBirth,
		DueDate:        p.DueDate,
		PersistedStage: p.Stage,
	}
}

// Upper month bounds (inclusive) for each age-derived stage.
const (
	newbornMaxMonths = 3
	infantMaxMonths  = 12
	toddlerMaxMonths = 36
)

// Classify derives the current stage from stored facts.
//
// A pregnancy whose due date has been reached always resolves to StageNewborn,
// however long ago the due date was. Without a date of birth the persisted stage
// is returned unchanged. Otherwise the stage follows the age in whole calendar
// months; there is no stage past StagePreschooler.
func Classify(now time.Time, f Facts) Stage {
	if f.PersistedStage == StagePregnancy && dueReached(now, f.DueDate) {
		return StageNewborn
	}
	if f.DateOfBirth == nil {
		return f.PersistedStage
	}
	return StageForAge(MonthsBetween(*f.DateOfBirth, now))
}

// HasDiverged reports whether the derived stage differs from the persisted one.
func HasDiverged(now time.Time, f Facts) bool {
	if f.PersistedStage == StagePregnancy && dueReached(now, f.DueDate) {
		return true
	}
	return Classify(now, f) != f.PersistedStage
}

// StageForAge maps an age in whole months to a stage.
func StageForAge(months int) Stage {
	switch {
	case months <= newbornMaxMonths:
		return StageNewborn
	case months <= infantMaxMonths:
		return StageInfant
	case months <= toddlerMaxMonths:
		return StageToddler
	default:
		return StagePreschooler
	}
}

// MonthsBetween counts whole calendar months from start to end using
// year*12+month arithmetic; the day of month is ignored. Each time is read as
// a calendar date in its own location, so a stored date of birth keeps its
// month whatever zone end is in. The result is clamped at zero when start is
// after end.
func MonthsBetween(start, end time.Time) int {
	months := (end.Year()*12 + int(end.Month())) - (start.Year()*12 + int(start.Month()))
	if months < 0 {
		return 0
	}
	return months
}

// CalendarDate returns midnight UTC of t's date in t's own location.
func CalendarDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dueReached(now time.Time, due *time.Time) bool {
	return due != nil && !CalendarDate(now).Before(CalendarDate(*due))
}
