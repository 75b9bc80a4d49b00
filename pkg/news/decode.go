package news

import (
	"fmt"
	"html"
	"strings"

	"github.com/goccy/go-json"

	"tradedesk/pkg/models"
)

// rawItem is the wire shape of one news entry, shared by the live feed and
// the bulk backfill endpoint.
type rawItem struct {
	ID         string   `json:"_id"`
	Source     string   `json:"source"`
	SourceName string   `json:"sourceName,omitempty"`
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	URL        string   `json:"url"`
	Symbols    []string `json:"symbols"`
	Time       int64    `json:"time"`
}

// Prefix markers of the structured-markup convention embedded in bodies.
const (
	retweetMarker = "RT @"
	quoteMarker   = "QT @"
	replyMarker   = ">> @"
)

// decodeItem unescapes HTML entities and lifts the reply/retweet/quote prefix
// grammar into first-class fields.
func decodeItem(raw []byte) (models.NewsItem, error) {
	var r rawItem
	if err := json.Unmarshal(raw, &r); err != nil {
		return models.NewsItem{}, err
	}
	if r.ID == "" {
		return models.NewsItem{}, fmt.Errorf("news item without id")
	}

	item := models.NewsItem{
		ID:         r.ID,
		Source:     r.Source,
		SourceName: r.SourceName,
		Title:      html.UnescapeString(r.Title),
		Body:       html.UnescapeString(r.Body),
		URL:        r.URL,
		Symbols:    r.Symbols,
		TimeMillis: r.Time,
	}
	item.Retweet, item.Reply, item.Quote = decodeBody(item.Body)
	return item, nil
}

// decodeBody parses the leading marker, if any. The marker forms are
// "RT @user: text" (retweet), "QT @user: text" (quote), and ">> @user: text"
// (reply); anything else is plain body text.
func decodeBody(body string) (retweet, reply, quote *models.SubPost) {
	switch {
	case strings.HasPrefix(body, retweetMarker):
		retweet = parseSubPost(body[len(retweetMarker):])
	case strings.HasPrefix(body, quoteMarker):
		quote = parseSubPost(body[len(quoteMarker):])
	case strings.HasPrefix(body, replyMarker):
		reply = parseSubPost(body[len(replyMarker):])
	}
	return
}

func parseSubPost(rest string) *models.SubPost {
	user, text, ok := strings.Cut(rest, ": ")
	if !ok || user == "" {
		return nil
	}
	return &models.SubPost{User: user, Text: text}
}
