// Package poi defines the point-of-interest records served to map clients.
package poi

import "time"

// DefaultStatus is the moderation status applied when a query names none.
const DefaultStatus = "approved"

// Record is a single point of interest as stored by the backing database.
// Records are owned by the store and treated as read-only.
type Record struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	VoteUp      int       `json:"vote_up"`
	VoteDown    int       `json:"vote_down"`
	CategoryID  string    `json:"category_id"`
	ImageURL    string    `json:"image_url,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// VoteScore is the net vote count used for popularity ordering.
func (r Record) VoteScore() int {
	return r.VoteUp - r.VoteDown
}

// Filters narrows a viewport query. An empty Category matches every category;
// an empty Status means the dataset's default status.
type Filters struct {
	Category string `json:"category,omitempty"`
	Status   string `json:"status,omitempty"`
}

// Counts summarises the records inside a viewport.
type Counts struct {
	Total      int            `json:"total"`
	ByCategory map[string]int `json:"by_category"`
}

// Category is a row of the categories lookup table.
type Category struct {
	ID   string `json:"id"`
	Slug string `json:"slug"`
	Name string `json:"name"`
}
