package dto

import "github.com/hgheiberger/nb/internal/models"

// ClassUserName splits a member's name the way the client renders it.
type ClassUserName struct {
	First string `json:"first"`
	Last  string `json:"last"`
}

// ClassUser is one entry of the class directory keyed by user id.
type ClassUser struct {
	ID       string            `json:"id"`
	Username string            `json:"username"`
	Name     ClassUserName     `json:"name"`
	Role     models.MemberRole `json:"role"`
}

// ClassUsersQuery selects the directory of a document's class.
type ClassUsersQuery struct {
	URL     string `form:"url" validate:"required"`
	ClassID string `form:"class" validate:"required"`
}

// MyClassesQuery lists the viewer's classes that include a document.
type MyClassesQuery struct {
	URL string `form:"url" validate:"required"`
}

// CurrentSectionQuery asks for the viewer's section in a class.
type CurrentSectionQuery struct {
	ClassID string `form:"class" validate:"required"`
}

// TagTypesQuery lists the hashtags available on a document.
type TagTypesQuery struct {
	URL     string `form:"url" validate:"required"`
	ClassID string `form:"class" validate:"required"`
}
