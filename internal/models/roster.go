package models

// Class is a course offering that owns sources and a roster.
type Class struct {
	ID   string `db:"id" json:"id"`
	Name string `db:"class_name" json:"class_name"`
}

// Section groups students of a class. Every class has one global section
// holding the whole enrolled body.
type Section struct {
	ID        string `db:"id" json:"id"`
	ClassID   string `db:"class_id" json:"class_id"`
	Name      string `db:"section_name" json:"section_name"`
	IsGlobal  bool   `db:"is_global" json:"is_global"`
	MemberIDs IDSet  `db:"-" json:"member_ids"`
}

// Roster is the role snapshot of one class. Sections keep creation order.
type Roster struct {
	ClassID     string    `json:"class_id"`
	Instructors IDSet     `json:"instructors"`
	TAs         IDSet     `json:"tas"`
	Sections    []Section `json:"sections"`
}

// GlobalSection returns the class-wide section when the roster has one.
func (r *Roster) GlobalSection() *Section {
	for i := range r.Sections {
		if r.Sections[i].IsGlobal {
			return &r.Sections[i]
		}
	}
	return nil
}

// Section looks up a section by id.
func (r *Roster) Section(id string) *Section {
	for i := range r.Sections {
		if r.Sections[i].ID == id {
			return &r.Sections[i]
		}
	}
	return nil
}

// MemberRole is the role label used by the class user directory.
type MemberRole string

const (
	MemberStudent    MemberRole = "student"
	MemberInstructor MemberRole = "instructor"
	MemberTA         MemberRole = "ta"
)

// TagType is a class-defined hashtag annotations can carry.
type TagType struct {
	ID      string `db:"id" json:"id"`
	ClassID string `db:"class_id" json:"class_id"`
	Value   string `db:"value" json:"value"`
	Emoji   string `db:"emoji" json:"emoji"`
}
