package service

import "github.com/hgheiberger/nb/internal/models"

// ViewerRole holds every role a user has in a class. A TA may also be an
// enrolled student, so more than one flag can be set.
type ViewerRole struct {
	IsInstructor bool
	IsTA         bool
	IsStudent    bool
}

// HasRole reports whether the user belongs to the class at all.
func (r ViewerRole) HasRole() bool { return r.IsInstructor || r.IsTA || r.IsStudent }

// IsStaff reports instructor or TA.
func (r ViewerRole) IsStaff() bool { return r.IsInstructor || r.IsTA }

// IsStudentOnly reports a student with no staff role.
func (r ViewerRole) IsStudentOnly() bool { return r.IsStudent && !r.IsStaff() }

// MemberRole collapses the flags to the directory label, staff first.
func (r ViewerRole) MemberRole() models.MemberRole {
	switch {
	case r.IsInstructor:
		return models.MemberInstructor
	case r.IsTA:
		return models.MemberTA
	default:
		return models.MemberStudent
	}
}

// ClassifyViewer tests userID against the roster's role sets. Students are
// members of the global section, or of any section when the class has none.
func ClassifyViewer(roster *models.Roster, userID string) ViewerRole {
	if roster == nil || userID == "" {
		return ViewerRole{}
	}
	role := ViewerRole{
		IsInstructor: roster.Instructors.Has(userID),
		IsTA:         roster.TAs.Has(userID),
	}
	if global := roster.GlobalSection(); global != nil {
		role.IsStudent = global.MemberIDs.Has(userID)
		return role
	}
	for _, sec := range roster.Sections {
		if sec.MemberIDs.Has(userID) {
			role.IsStudent = true
			break
		}
	}
	return role
}

// VisiblePeers returns the users whose section scoped content userID may see.
// Sections are scanned in roster order and the first match wins: the global
// section for staff, the only section of a single-section class, or a
// non-global section the viewer belongs to. No match yields an empty set.
func VisiblePeers(roster *models.Roster, userID string, role ViewerRole) models.IDSet {
	if roster == nil {
		return models.IDSet{}
	}
	single := singleSection(roster)
	for i := range roster.Sections {
		sec := &roster.Sections[i]
		switch {
		case role.IsStaff() && sec.IsGlobal:
			return sec.MemberIDs.Union()
		case single != nil && sec == single:
			return sec.MemberIDs.Union()
		case !sec.IsGlobal && sec.MemberIDs.Has(userID):
			return sec.MemberIDs.Union()
		}
	}
	return models.IDSet{}
}

// StudentSection returns the non-global section userID studies in.
func StudentSection(roster *models.Roster, userID string) *models.Section {
	if roster == nil {
		return nil
	}
	for i := range roster.Sections {
		sec := &roster.Sections[i]
		if !sec.IsGlobal && sec.MemberIDs.Has(userID) {
			return sec
		}
	}
	return nil
}

func singleSection(roster *models.Roster) *models.Section {
	var only *models.Section
	count := 0
	for i := range roster.Sections {
		if roster.Sections[i].IsGlobal {
			continue
		}
		count++
		only = &roster.Sections[i]
	}
	if count == 1 {
		return only
	}
	if count == 0 && len(roster.Sections) == 1 {
		return &roster.Sections[0]
	}
	return nil
}
