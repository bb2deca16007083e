package collector

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/net/html"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// sectionKeywords drive heading normalization. The page is served in
// several locales, so both English and Chinese labels are recognized.
var sectionKeywords = []struct {
	section  Section
	keywords []string
}{
	{SectionToday, []string{"today", "today's airdrops", "今日", "今日上币", "今日空投", "today list"}},
	{SectionUpcoming, []string{"upcoming", "即将", "即将上币", "即将空投", "upcoming list"}},
}

var (
	tokenKeys = []string{"token", "coin", "project", "name", "symbol", "ticker"}
	timeKeys  = []string{"time", "start_time", "startTime", "listing_time", "airdrop_time", "airdropTime"}

	tokenHeaderKeys = []string{"token", "coin", "项目", "name", "symbol"}
	timeHeaderKeys  = []string{"time", "时间", "时刻", "开始"}
)

var (
	clockFragmentRe = regexp.MustCompile(`\d{1,2}:\d{2}`)
	dateFragmentRe  = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)
	whitespaceRe    = regexp.MustCompile(`\s+`)
)

// timeMarkers are raw cell values treated as time-ish even without digits.
var timeMarkers = map[string]struct{}{
	"tba":             {},
	"to be announced": {},
	"—":               {},
	"-":               {},
	"n/a":             {},
}

// ParseJSONPayloads walks captured API payloads and extracts events from
// every list of objects found at any path. The walk is intentionally
// lenient so that upstream schema drift does not break extraction.
func ParseJSONPayloads(payloads []map[string]interface{}) []Event {
	var events []Event
	for _, payload := range payloads {
		walkCandidateLists(payload, "", func(label string, items []map[string]interface{}) {
			section := NormalizeSection(label)
			for _, item := range items {
				token, ok := selectFirst(item, tokenKeys)
				if !ok {
					continue
				}
				rawTime := ""
				if v, ok := selectFirst(item, timeKeys); ok {
					rawTime = stringifyValue(v)
				}
				details := make(map[string]interface{})
				for key, value := range item {
					if isReservedKey(key) {
						continue
					}
					details[key] = value
				}
				events = append(events, Event{
					Token:   strings.TrimSpace(stringifyValue(token)),
					Section: section,
					RawTime: rawTime,
					Details: details,
					Source:  SourceJSON,
				})
			}
		})
	}
	return events
}

func isReservedKey(key string) bool {
	for _, k := range tokenKeys {
		if key == k {
			return true
		}
	}
	for _, k := range timeKeys {
		if key == k {
			return true
		}
	}
	return false
}

// walkCandidateLists recursively visits every list-of-objects in the
// payload, labelling it with the dotted key path that led to it.
func walkCandidateLists(node interface{}, path string, visit func(label string, items []map[string]interface{})) {
	switch v := node.(type) {
	case map[string]interface{}:
		for key, child := range v {
			nested := key
			if path != "" {
				nested = path + "." + key
			}
			if items, ok := objectList(child); ok {
				visit(nested, items)
				continue
			}
			walkCandidateLists(child, nested, visit)
		}
	case []interface{}:
		for i, item := range v {
			nested := strconv.Itoa(i)
			if path != "" {
				nested = fmt.Sprintf("%s[%d]", path, i)
			}
			walkCandidateLists(item, nested, visit)
		}
	}
}

// objectList reports whether child is a non-empty list whose elements are
// all objects.
func objectList(child interface{}) ([]map[string]interface{}, bool) {
	list, ok := child.([]interface{})
	if !ok || len(list) == 0 {
		return nil, false
	}
	items := make([]map[string]interface{}, 0, len(list))
	for _, el := range list {
		obj, ok := el.(map[string]interface{})
		if !ok {
			return nil, false
		}
		items = append(items, obj)
	}
	return items, true
}

// selectFirst returns the first non-empty value among the given keys,
// trying each key as-is, capitalized, upper- and lowercased.
func selectFirst(item map[string]interface{}, keys []string) (interface{}, bool) {
	for _, key := range keys {
		for _, candidate := range keyVariants(key) {
			if value, ok := item[candidate]; ok && !isEmptyValue(value) {
				return value, true
			}
		}
	}
	return nil, false
}

func keyVariants(key string) []string {
	if key == "" {
		return nil
	}
	return []string{
		key,
		strings.ToUpper(key[:1]) + key[1:],
		strings.ToUpper(key),
		strings.ToLower(key),
	}
}

func isEmptyValue(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case bool:
		return !v
	case float64:
		return v == 0
	}
	return false
}

func stringifyValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// ParseHTMLDocument extracts events from the rendered page. Every h1-h4
// heading matching a section keyword anchors either a table (rows mapped by
// header cells) or a card container (first line = token, first time-looking
// line = raw time).
func ParseHTMLDocument(htmlContent string) ([]Event, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlContent))
	if err != nil {
		return nil, fmt.Errorf("parsing html document: %s", err)
	}

	var events []Event
	seen := make(map[string]struct{})

	doc.Find("h1, h2, h3, h4").Each(func(_ int, heading *goquery.Selection) {
		section := NormalizeSection(joinText(heading))
		if section == SectionUnknown {
			return
		}
		container := heading.NextAllFiltered("table, div").First()
		if container.Length() == 0 {
			return
		}
		if goquery.NodeName(container) == "table" {
			events = append(events, parseTableSection(container, section, seen)...)
			return
		}
		if nested := container.Find("table").First(); nested.Length() > 0 {
			events = append(events, parseTableSection(nested, section, seen)...)
			return
		}
		events = append(events, parseCardSection(container, section, seen)...)
	})

	return events, nil
}

func parseTableSection(table *goquery.Selection, section Section, seen map[string]struct{}) []Event {
	var events []Event

	var headers []string
	if headerRow := table.Find("tr").First(); headerRow.Length() > 0 {
		headerRow.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
			headers = append(headers, strings.ToLower(joinText(cell)))
		})
	}

	table.Find("tr").Each(func(_ int, row *goquery.Selection) {
		var cells []string
		row.Find("td, th").Each(func(_ int, cell *goquery.Selection) {
			cells = append(cells, joinText(cell))
		})
		if len(cells) == 0 || equalStrings(cells, headers) {
			return
		}
		token := detectTokenFromRow(cells, headers)
		if token == "" {
			return
		}
		rawTime := detectTimeFromRow(cells, headers)
		key := rowKey(section, token, rawTime)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		events = append(events, Event{
			Token:   token,
			Section: section,
			RawTime: rawTime,
			Details: buildDetailsFromRow(cells, headers),
			Source:  SourceDOM,
		})
	})
	return events
}

func parseCardSection(container *goquery.Selection, section Section, seen map[string]struct{}) []Event {
	cards := container.ChildrenFiltered("div")
	if cards.Length() == 0 {
		cards = container.Find("div")
	}

	var events []Event
	cards.Each(func(_ int, card *goquery.Selection) {
		lines := textLines(card)
		if len(lines) == 0 {
			return
		}
		token := lines[0]
		rawTime := ""
		for _, line := range lines[1:] {
			if looksLikeTime(line) {
				rawTime = line
				break
			}
		}
		key := rowKey(section, token, rawTime)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		events = append(events, Event{
			Token:   token,
			Section: section,
			RawTime: rawTime,
			Details: map[string]interface{}{"lines": lines[1:]},
			Source:  SourceDOM,
		})
	})
	return events
}

// NormalizeSection maps heading text to a canonical section: keyword sets
// first, then a bare "today"/"upcoming" substring fallback.
func NormalizeSection(text string) Section {
	lowered := strings.ToLower(text)
	for _, group := range sectionKeywords {
		for _, keyword := range group.keywords {
			if strings.Contains(lowered, strings.ToLower(keyword)) {
				return group.section
			}
		}
	}
	if strings.Contains(lowered, "today") {
		return SectionToday
	}
	if strings.Contains(lowered, "upcoming") {
		return SectionUpcoming
	}
	return SectionUnknown
}

func detectTokenFromRow(cells, headers []string) string {
	for idx, header := range headers {
		if idx >= len(cells) {
			break
		}
		for _, key := range tokenHeaderKeys {
			if strings.Contains(header, key) {
				return strings.TrimSpace(cells[idx])
			}
		}
	}
	if len(cells) > 0 {
		return strings.TrimSpace(cells[0])
	}
	return ""
}

func detectTimeFromRow(cells, headers []string) string {
	for idx, header := range headers {
		if idx >= len(cells) {
			break
		}
		for _, key := range timeHeaderKeys {
			if strings.Contains(header, key) {
				return strings.TrimSpace(cells[idx])
			}
		}
	}
	for _, cell := range cells {
		if looksLikeTime(cell) {
			return strings.TrimSpace(cell)
		}
	}
	return ""
}

func buildDetailsFromRow(cells, headers []string) map[string]interface{} {
	if len(headers) == 0 {
		return map[string]interface{}{"columns": cells}
	}
	details := make(map[string]interface{})
	for idx, header := range headers {
		cell := ""
		if idx < len(cells) {
			cell = cells[idx]
		}
		clean := whitespaceRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(header)), "_")
		switch clean {
		case "", "token", "coin", "name", "symbol", "time", "时间":
			continue
		}
		details[clean] = strings.TrimSpace(cell)
	}
	return details
}

// looksLikeTime reports whether a text fragment carries a clock or date, or
// is an explicit TBA marker.
func looksLikeTime(value string) bool {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return false
	}
	if clockFragmentRe.MatchString(trimmed) || dateFragmentRe.MatchString(trimmed) {
		return true
	}
	_, ok := timeMarkers[strings.ToLower(trimmed)]
	return ok
}

func rowKey(section Section, token, rawTime string) string {
	return string(section) + "|" + token + "|" + rawTime
}

// joinText renders the selection's text with runs of whitespace collapsed.
func joinText(s *goquery.Selection) string {
	return strings.Join(strings.Fields(s.Text()), " ")
}

// textLines collects the selection's text nodes in document order, one line
// per non-empty fragment.
func textLines(s *goquery.Selection) []string {
	var lines []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			for _, piece := range strings.Split(n.Data, "\n") {
				if frag := strings.TrimSpace(piece); frag != "" {
					lines = append(lines, frag)
				}
			}
			return
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	for _, node := range s.Nodes {
		walk(node)
	}
	return lines
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}
