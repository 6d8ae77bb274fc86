package orchestrator

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/xaenox/sandbot/internal/models"
)

var (
	textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	attrEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
)

// FormatMessages renders pending messages as the prompt handed to the
// sandbox. Times are shown in loc.
func FormatMessages(msgs []*models.Message, loc *time.Location) string {
	var b strings.Builder
	b.WriteString("<messages>\n")
	for _, m := range msgs {
		b.WriteString(`<message sender="`)
		b.WriteString(attrEscaper.Replace(m.SenderName))
		b.WriteString(`" time="`)
		b.WriteString(m.Timestamp.In(loc).Format(time.RFC3339))
		b.WriteString(`">`)
		b.WriteString(textEscaper.Replace(m.Content))
		b.WriteString("</message>\n")
	}
	b.WriteString("</messages>")
	return b.String()
}

var triggerPatterns sync.Map // trigger -> *regexp.Regexp

func triggerPattern(trigger string) *regexp.Regexp {
	if re, ok := triggerPatterns.Load(trigger); ok {
		return re.(*regexp.Regexp)
	}
	re := regexp.MustCompile(`(?i)^` + regexp.QuoteMeta(trigger) + `(?:$|[^\pL\pN_])`)
	triggerPatterns.Store(trigger, re)
	return re
}

// MatchesTrigger reports whether content opens with trigger as a whole word,
// ignoring case and leading whitespace.
func MatchesTrigger(content, trigger string) bool {
	if trigger == "" {
		return false
	}
	return triggerPattern(trigger).MatchString(strings.TrimSpace(content))
}

func anyTriggered(msgs []*models.Message, trigger string) bool {
	for _, m := range msgs {
		if MatchesTrigger(m.Content, trigger) {
			return true
		}
	}
	return false
}

// upTo drops messages newer than limit.
func upTo(msgs []*models.Message, limit time.Time) []*models.Message {
	out := msgs[:0:0]
	for _, m := range msgs {
		if !m.Timestamp.After(limit) {
			out = append(out, m)
		}
	}
	return out
}
