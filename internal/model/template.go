package model

// Template is one configured SMS body with the keywords that select it.
// Keywords are matched case-insensitively as substrings of a reminder
// description.
type Template struct {
	Keywords []string `json:"keywords"`
	Body     string   `json:"body"`
}
