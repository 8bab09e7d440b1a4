package models

// Page selects a slice of a list ordered newest first. Keyword, when set,
// filters by a substring match on the listing's searchable fields.
type Page struct {
	Offset  int
	Limit   int
	Keyword string
}
