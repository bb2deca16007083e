package collector

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseJSONPayloads(t *testing.T) {
	payloads := []map[string]interface{}{
		{
			"data": map[string]interface{}{
				"today_list": []interface{}{
					map[string]interface{}{"token": "ABC", "time": "18:00", "amount": "5000"},
					map[string]interface{}{"name": "DEF", "startTime": "20:30", "points": float64(240)},
				},
			},
		},
	}
	events := ParseJSONPayloads(payloads)
	require.Len(t, events, 2)

	require.Equal(t, "ABC", events[0].Token)
	require.Equal(t, SectionToday, events[0].Section)
	require.Equal(t, "18:00", events[0].RawTime)
	require.Equal(t, SourceJSON, events[0].Source)
	require.Equal(t, "5000", events[0].Details["amount"])
	require.NotContains(t, events[0].Details, "token")
	require.NotContains(t, events[0].Details, "time")

	require.Equal(t, "DEF", events[1].Token)
	require.Equal(t, "20:30", events[1].RawTime)
}

func TestParseJSONPayloadsKeyVariants(t *testing.T) {
	payloads := []map[string]interface{}{
		{
			"upcoming": []interface{}{
				map[string]interface{}{"Token": "GHI", "TIME": "09:00"},
			},
		},
	}
	events := ParseJSONPayloads(payloads)
	require.Len(t, events, 1)
	require.Equal(t, "GHI", events[0].Token)
	require.Equal(t, SectionUpcoming, events[0].Section)
	require.Equal(t, "09:00", events[0].RawTime)
}

func TestParseJSONPayloadsSkipsNonObjectLists(t *testing.T) {
	payloads := []map[string]interface{}{
		{
			"today": []interface{}{"just", "strings"},
			"meta":  map[string]interface{}{"count": float64(2)},
		},
	}
	require.Empty(t, ParseJSONPayloads(payloads))
}

func TestParseJSONPayloadsNumericTime(t *testing.T) {
	payloads := []map[string]interface{}{
		{
			"today": []interface{}{
				map[string]interface{}{"token": "NUM", "time": float64(1800)},
			},
		},
	}
	events := ParseJSONPayloads(payloads)
	require.Len(t, events, 1)
	require.Equal(t, "1800", events[0].RawTime)
}

const tableAndCardsHTML = `
<html><body>
<h2>今日上币</h2>
<table>
  <tr><th>Token</th><th>时间</th><th>数量</th></tr>
  <tr><td>ABC</td><td>18:00</td><td>5000</td></tr>
  <tr><td>Token</td><td>时间</td><td>数量</td></tr>
  <tr><td>DEF</td><td>TBA</td><td>100</td></tr>
</table>
<h2>Upcoming Airdrops</h2>
<div>
  <div>XYZ
2025-09-01 10:00
积分 200</div>
  <div>工具箱
提示</div>
</div>
<h2>Unrelated heading</h2>
<div><div>NOPE</div></div>
</body></html>`

func TestParseHTMLDocument(t *testing.T) {
	events, err := ParseHTMLDocument(tableAndCardsHTML)
	require.NoError(t, err)
	require.Len(t, events, 4)

	require.Equal(t, "ABC", events[0].Token)
	require.Equal(t, SectionToday, events[0].Section)
	require.Equal(t, "18:00", events[0].RawTime)
	require.Equal(t, SourceDOM, events[0].Source)
	require.Equal(t, "5000", events[0].Details["数量"])
	require.NotContains(t, events[0].Details, "token")
	require.NotContains(t, events[0].Details, "时间")

	// The repeated header row is skipped, not emitted as an event.
	require.Equal(t, "DEF", events[1].Token)
	require.Equal(t, "TBA", events[1].RawTime)

	require.Equal(t, "XYZ", events[2].Token)
	require.Equal(t, SectionUpcoming, events[2].Section)
	require.Equal(t, "2025-09-01 10:00", events[2].RawTime)
	require.Equal(t, []string{"2025-09-01 10:00", "积分 200"}, events[2].Details["lines"])

	require.Equal(t, "工具箱", events[3].Token)
	require.Equal(t, "", events[3].RawTime)
}

func TestParseHTMLDocumentDedupesWithinDocument(t *testing.T) {
	doc := `
<html><body>
<h2>Today</h2>
<table>
  <tr><th>Token</th><th>Time</th></tr>
  <tr><td>ABC</td><td>18:00</td></tr>
  <tr><td>ABC</td><td>18:00</td></tr>
</table>
</body></html>`
	events, err := ParseHTMLDocument(doc)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestParseHTMLDocumentNestedTable(t *testing.T) {
	doc := `
<html><body>
<h3>今日空投</h3>
<div>
  <table>
    <tr><th>项目</th><th>开始</th></tr>
    <tr><td>NEST</td><td>21:30</td></tr>
  </table>
</div>
</body></html>`
	events, err := ParseHTMLDocument(doc)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "NEST", events[0].Token)
	require.Equal(t, "21:30", events[0].RawTime)
}

func TestNormalizeSection(t *testing.T) {
	cases := []struct {
		text string
		want Section
	}{
		{"Today's Airdrops", SectionToday},
		{"今日上币", SectionToday},
		{"data.today_list", SectionToday},
		{"Upcoming Listings", SectionUpcoming},
		{"即将空投", SectionUpcoming},
		{"Tools", SectionUnknown},
		{"", SectionUnknown},
	}
	for _, c := range cases {
		require.Equal(t, c.want, NormalizeSection(c.text), "text %q", c.text)
	}
}

func TestLooksLikeTime(t *testing.T) {
	require.True(t, looksLikeTime("18:00"))
	require.True(t, looksLikeTime("2025-09-01"))
	require.True(t, looksLikeTime("TBA"))
	require.True(t, looksLikeTime("—"))
	require.False(t, looksLikeTime("5000"))
	require.False(t, looksLikeTime(""))
	require.False(t, looksLikeTime("soon"))
}
