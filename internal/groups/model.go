package groups

import "time"

// Member is a membership joined with the member's profile. Profile fields
// are blank when the profile could not be matched.
type Member struct {
	UserID        int64  `json:"userId"`
	WorkflowState string `json:"workflowState,omitempty"`
	IsModerator   bool   `json:"isModerator"`
	Name          string `json:"name"`
	SortableName  string `json:"sortableName"`
	Email         string `json:"email"`
	AvatarURL     string `json:"avatarUrl"`
}

type Group struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	CategoryID  int64    `json:"categoryId"`
	Members     []Member `json:"members"`
}

type Category struct {
	ID     int64   `json:"id"`
	Name   string  `json:"name"`
	Groups []Group `json:"groups"`
}

// User is the caller as shown in the page header.
type User struct {
	ID       string `json:"id"`
	FullName string `json:"fullname"`
	Email    string `json:"email,omitempty"`
}

type Course struct {
	ID           string `json:"id"`
	ContextTitle string `json:"contextTitle"`
}

// Statistics holds the wall-clock time of one compile split into whole
// seconds and the millisecond remainder.
type Statistics struct {
	ElapsedSeconds int64  `json:"elapsedSeconds"`
	ElapsedMillis  int64  `json:"elapsedMillis"`
	CompileID      string `json:"compileId"`
}

func newStatistics(elapsed time.Duration, compileID string) Statistics {
	return Statistics{
		ElapsedSeconds: int64(elapsed / time.Second),
		ElapsedMillis:  int64((elapsed % time.Second) / time.Millisecond),
		CompileID:      compileID,
	}
}

// Elapsed reassembles the measured duration at millisecond precision.
func (s Statistics) Elapsed() time.Duration {
	return time.Duration(s.ElapsedSeconds)*time.Second + time.Duration(s.ElapsedMillis)*time.Millisecond
}

// AggregateResult is one compiled category tree. It is built per request
// and never cached.
type AggregateResult struct {
	User       User       `json:"user"`
	Course     Course     `json:"course"`
	Categories []Category `json:"categories"`
	Statistics Statistics `json:"statistics"`
}

// CourseGroupsResult lists every group of a course without category
// nesting.
type CourseGroupsResult struct {
	User       User       `json:"user"`
	Course     Course     `json:"course"`
	Groups     []Group    `json:"groups"`
	Statistics Statistics `json:"statistics"`
}
