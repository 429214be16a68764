package canvas

import (
	"encoding/json"
	"fmt"
)

// Record is one raw JSON object as returned by the API.
type Record = json.RawMessage

// GroupCategory is the subset of /group_categories fields we use.
type GroupCategory struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
}

// Group is the subset of /groups fields we use.
type Group struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	Description     string `json:"description"`
	GroupCategoryID int64  `json:"group_category_id"`
	MembersCount    int    `json:"members_count"`
}

// Membership is one row of /groups/:id/memberships.
type Membership struct {
	ID            int64  `json:"id"`
	GroupID       int64  `json:"group_id"`
	UserID        int64  `json:"user_id"`
	WorkflowState string `json:"workflow_state"`
	Moderator     bool   `json:"moderator"`
}

// User is the profile subset of /groups/:id/users and /users/:id.
type User struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	SortableName string `json:"sortable_name"`
	Email        string `json:"email"`
	AvatarURL    string `json:"avatar_url"`
}

// Decode unmarshals every record into T.
func Decode[T any](records []Record) ([]T, error) {
	out := make([]T, 0, len(records))
	for i, r := range records {
		var v T
		if err := json.Unmarshal(r, &v); err != nil {
			return nil, fmt.Errorf("decode record %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}
