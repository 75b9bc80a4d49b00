package news

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeItemPlainBody(t *testing.T) {
	item, err := decodeItem([]byte(`{
		"_id":"n1","source":"Twitter","sourceName":"Tree","title":"CPI prints 2.9%",
		"body":"Inflation cools for a third month","url":"https://example.com/n1",
		"symbols":["BTCUSDT","ETHUSDT"],"time":1700000000000}`))
	require.NoError(t, err)
	assert.Equal(t, "n1", item.ID)
	assert.Equal(t, "Twitter", item.Source)
	assert.Equal(t, "Tree", item.SourceName)
	assert.Equal(t, int64(1700000000000), item.TimeMillis)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, item.Symbols)
	assert.Nil(t, item.Retweet)
	assert.Nil(t, item.Reply)
	assert.Nil(t, item.Quote)
}

func TestDecodeItemUnescapesEntities(t *testing.T) {
	item, err := decodeItem([]byte(`{"_id":"n2","title":"S&amp;P 500 &gt; 5000","body":"Q&amp;A","time":1}`))
	require.NoError(t, err)
	assert.Equal(t, "S&P 500 > 5000", item.Title)
	assert.Equal(t, "Q&A", item.Body)
}

func TestDecodeItemRequiresID(t *testing.T) {
	_, err := decodeItem([]byte(`{"title":"no id here","time":1}`))
	require.Error(t, err)
}

func TestDecodeItemMalformedJSON(t *testing.T) {
	_, err := decodeItem([]byte(`{{{`))
	require.Error(t, err)
}

func TestDecodeBodyMarkers(t *testing.T) {
	retweet, reply, quote := decodeBody("RT @alice: markets are up")
	require.NotNil(t, retweet)
	assert.Equal(t, "alice", retweet.User)
	assert.Equal(t, "markets are up", retweet.Text)
	assert.Nil(t, reply)
	assert.Nil(t, quote)

	retweet, reply, quote = decodeBody(">> @bob: replying to the thread")
	require.NotNil(t, reply)
	assert.Equal(t, "bob", reply.User)
	assert.Equal(t, "replying to the thread", reply.Text)
	assert.Nil(t, retweet)
	assert.Nil(t, quote)

	retweet, reply, quote = decodeBody("QT @carol: quoting this: with a colon")
	require.NotNil(t, quote)
	assert.Equal(t, "carol", quote.User)
	assert.Equal(t, "quoting this: with a colon", quote.Text)
	assert.Nil(t, retweet)
	assert.Nil(t, reply)
}

func TestDecodeBodyIgnoresNonMarkers(t *testing.T) {
	retweet, reply, quote := decodeBody("START @user: not a marker")
	assert.Nil(t, retweet)
	assert.Nil(t, reply)
	assert.Nil(t, quote)

	// Marker without the user/text separator stays plain.
	retweet, _, _ = decodeBody("RT @nodelimiter")
	assert.Nil(t, retweet)
}
