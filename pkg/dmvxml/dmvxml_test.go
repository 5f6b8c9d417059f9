package dmvxml

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const singleEventPayload = `<EVENTCATEGORY><EVENTLIST><EVENT>
	<ID>1</ID>
	<NAME>QueryBegin</NAME>
	<EVENTCOLUMNLIST><EVENTCOLUMN><ID>1</ID></EVENTCOLUMN><EVENTCOLUMN><ID>2</ID></EVENTCOLUMN></EVENTCOLUMNLIST>
</EVENT></EVENTLIST></EVENTCATEGORY>`

const multiEventPayload = `<EVENTCATEGORY><EVENTLIST>
<EVENT><ID>10</ID><EVENTCOLUMNLIST><EVENTCOLUMN><ID>5</ID></EVENTCOLUMN></EVENTCOLUMNLIST></EVENT>
<EVENT><ID>11</ID><EVENTCOLUMNLIST><EVENTCOLUMN><ID>6</ID></EVENTCOLUMN><EVENTCOLUMN><ID>7</ID></EVENTCOLUMN></EVENTCOLUMNLIST></EVENT>
</EVENTLIST></EVENTCATEGORY>`

func TestParseEventCategories_SingleEvent(t *testing.T) {
	categories, err := ParseEventCategories([]string{singleEventPayload})
	require.NoError(t, err)

	assert.True(t, categories.Permits("1", "1"))
	assert.True(t, categories.Permits("1", "2"))
	assert.False(t, categories.Permits("1", "3"))
}

func TestParseEventCategories_EventList(t *testing.T) {
	categories, err := ParseEventCategories([]string{multiEventPayload})
	require.NoError(t, err)

	assert.True(t, categories.Permits("10", "5"))
	assert.True(t, categories.Permits("11", "6"))
	assert.True(t, categories.Permits("11", "7"))
	assert.False(t, categories.Permits("10", "6"))
}

func TestParseEventCategories_MergesMultiplePayloads(t *testing.T) {
	categories, err := ParseEventCategories([]string{singleEventPayload, multiEventPayload})
	require.NoError(t, err)

	assert.True(t, categories.Permits("1", "1"))
	assert.True(t, categories.Permits("11", "7"))
}

func TestParseEventCategories_InvalidXML(t *testing.T) {
	_, err := ParseEventCategories([]string{"not xml"})
	assert.Error(t, err)
}

func TestPermits_UnknownEvent(t *testing.T) {
	categories := EventCategories{}
	assert.False(t, categories.Permits("99", "1"))
}
