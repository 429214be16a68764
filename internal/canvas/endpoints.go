package canvas

import (
	"net/url"
	"strconv"
)

// Resource names, used for metrics labels and error context.
const (
	ResourceCourseGroups    = "course_groups"
	ResourceGroupCategories = "group_categories"
	ResourceCategoryGroups  = "category_groups"
	ResourceGroupMembers    = "group_memberships"
	ResourceGroupUsers      = "group_users"
	ResourceUser            = "user"
)

// Endpoints builds Canvas REST URLs under APIPath (".../api/v1").
type Endpoints struct {
	APIPath string
	PerPage int
}

func (e Endpoints) list(path string, extra url.Values) string {
	q := url.Values{}
	for k, vs := range extra {
		q[k] = vs
	}
	if e.PerPage > 0 {
		q.Set("per_page", strconv.Itoa(e.PerPage))
	}
	u := e.APIPath + path
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}
	return u
}

func (e Endpoints) CourseGroups(courseID string) string {
	return e.list("/courses/"+url.PathEscape(courseID)+"/groups", nil)
}

func (e Endpoints) GroupCategories(courseID string) string {
	return e.list("/courses/"+url.PathEscape(courseID)+"/group_categories", nil)
}

func (e Endpoints) CategoryGroups(categoryID string) string {
	return e.list("/group_categories/"+url.PathEscape(categoryID)+"/groups", nil)
}

func (e Endpoints) GroupMemberships(groupID string) string {
	return e.list("/groups/"+url.PathEscape(groupID)+"/memberships", nil)
}

func (e Endpoints) GroupUsers(groupID string) string {
	return e.list("/groups/"+url.PathEscape(groupID)+"/users", url.Values{
		"include[]": {"avatar_url", "email"},
	})
}

// User is a single-object endpoint; no paging parameters.
func (e Endpoints) User(userID string) string {
	return e.APIPath + "/users/" + url.PathEscape(userID)
}
