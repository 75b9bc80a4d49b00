package models

// SubPost is a structured reply/retweet/quote extracted from a news item's
// body by the decode step.
type SubPost struct {
	User string `json:"user"`
	Text string `json:"text"`
}

// NewsItem is one decoded news entry. Identity is the venue-assigned ID; the
// cache is a set keyed by it. Items are immutable once constructed and are
// never deleted for the life of the process.
type NewsItem struct {
	ID         string   `json:"id"`
	Source     string   `json:"source"`
	SourceName string   `json:"sourceName,omitempty"`
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	URL        string   `json:"url"`
	Symbols    []string `json:"symbols"`
	TimeMillis int64    `json:"time"`

	Retweet *SubPost `json:"retweet,omitempty"`
	Reply   *SubPost `json:"reply,omitempty"`
	Quote   *SubPost `json:"quote,omitempty"`
}
