package jira

import "encoding/json"

// Issue is a Jira issue from the REST v3 API.
type Issue struct {
	ID        string     `json:"id"`
	Key       string     `json:"key"`
	Self      string     `json:"self"`
	Fields    Fields     `json:"fields"`
	Changelog *Changelog `json:"changelog,omitempty"`
}

// Fields holds the issue fields the gateway reads.
type Fields struct {
	Summary        string          `json:"summary"`
	Description    json.RawMessage `json:"description"` // ADF tree or plain string
	Status         *NamedField     `json:"status"`
	Priority       *NamedField     `json:"priority"`
	IssueType      *NamedField     `json:"issuetype"`
	Project        *ProjectField   `json:"project"`
	Assignee       *UserField      `json:"assignee"`
	Reporter       *UserField      `json:"reporter"`
	Parent         *ParentField    `json:"parent"`
	Created        string          `json:"created"`
	Updated        string          `json:"updated"`
	Resolution     *NamedField     `json:"resolution"`
	ResolutionDate string          `json:"resolutiondate"`
}

// NamedField is the common {id, name} shape of status, priority,
// issuetype, and resolution.
type NamedField struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ProjectField identifies the issue's project.
type ProjectField struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

// UserField identifies a Jira user.
type UserField struct {
	AccountID   string `json:"accountId"`
	DisplayName string `json:"displayName"`
}

// ParentField identifies the issue's parent.
type ParentField struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

// Changelog is the issue history exposed by expand=changelog.
type Changelog struct {
	Histories []History `json:"histories"`
}

// History is one changelog entry.
type History struct {
	Author  *UserField    `json:"author"`
	Created string        `json:"created"`
	Items   []HistoryItem `json:"items"`
}

// HistoryItem is one field change within a changelog entry.
type HistoryItem struct {
	Field      string `json:"field"`
	FromString string `json:"fromString"`
	ToString   string `json:"toString"`
}

// SearchResult is a JQL search response page.
type SearchResult struct {
	StartAt    int     `json:"startAt"`
	MaxResults int     `json:"maxResults"`
	Total      int     `json:"total"`
	Issues     []Issue `json:"issues"`
}

// Comment is a Jira issue comment.
type Comment struct {
	ID      string          `json:"id"`
	Author  *UserField      `json:"author"`
	Body    json.RawMessage `json:"body"` // ADF
	Created string          `json:"created"`
	Updated string          `json:"updated"`
}

// CommentPage is the response of the comment list endpoint.
type CommentPage struct {
	Comments []Comment `json:"comments"`
	Total    int       `json:"total"`
}

// Transition is one entry of the available-transitions endpoint.
type Transition struct {
	ID   string      `json:"id"`
	Name string      `json:"name"`
	To   *NamedField `json:"to"`
}

// TransitionList is the response of the available-transitions endpoint.
type TransitionList struct {
	Transitions []Transition `json:"transitions"`
}

// CreatedIssue is the response of the issue create endpoint.
type CreatedIssue struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Self string `json:"self"`
}
