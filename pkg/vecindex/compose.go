package vecindex

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// EnrichmentByteCap bounds the enrichment lines appended to a message passage.
const EnrichmentByteCap = 16 * 1024

// MessageContext carries everything the composer may fold into one message's
// passage. All fields are optional except Content.
type MessageContext struct {
	Content          string
	PlaceDisplayName string
	AttachmentTitle  string
	CaptionLong      string
	// Excerpt candidates, in preference order before the degraded-ascii check.
	ExtractedTextExcerpt string
	ReadableTextExcerpt  string
	OCRTextExcerpt       string
	// CaptionSearchEnabled gates the image_caption line (KV
	// media_annotation.search_enabled).
	CaptionSearchEnabled bool
}

// ComposeMessagePassage builds the text fed to the embedder for a message:
// the content plus capped enrichment lines for place, attachment, caption,
// and the best available excerpt.
func ComposeMessagePassage(ctx MessageContext) string {
	var b strings.Builder
	b.WriteString("passage: ")
	b.WriteString(ctx.Content)

	var enrich strings.Builder
	if ctx.PlaceDisplayName != "" {
		enrich.WriteString("\nlocation: " + ctx.PlaceDisplayName)
	}
	if ctx.AttachmentTitle != "" {
		enrich.WriteString("\nattachment: " + ctx.AttachmentTitle)
	}
	if ctx.CaptionSearchEnabled && ctx.CaptionLong != "" {
		enrich.WriteString("\nimage_caption: " + ctx.CaptionLong)
	}
	if excerpt := ctx.selectExcerpt(); excerpt != "" {
		enrich.WriteString("\nattachment_excerpt: " + excerpt)
	}

	b.WriteString(TruncateUTF8(enrich.String(), EnrichmentByteCap))
	return b.String()
}

// selectExcerpt prefers extracted text, then readable text, then OCR — except
// when extracted text coexists with OCR text and scores as degraded ascii, in
// which case the OCR text wins.
func (ctx MessageContext) selectExcerpt() string {
	if ctx.ExtractedTextExcerpt != "" {
		if ctx.OCRTextExcerpt != "" && IsDegradedASCII(ctx.ExtractedTextExcerpt) {
			return ctx.OCRTextExcerpt
		}
		return ctx.ExtractedTextExcerpt
	}
	if ctx.ReadableTextExcerpt != "" {
		return ctx.ReadableTextExcerpt
	}
	return ctx.OCRTextExcerpt
}

// ComposeTodoPassage builds the embedder text for a todo.
func ComposeTodoPassage(status, title string, dueAtMs *int64) string {
	if dueAtMs != nil {
		return fmt.Sprintf("passage: TODO [%s] %s (due_at_ms=%d)", status, title, *dueAtMs)
	}
	return fmt.Sprintf("passage: TODO [%s] %s", status, title)
}

// statusHintWords makes status-change activities searchable in both input
// languages even though they carry no content of their own.
var statusHintWords = map[string]string{
	"inbox":       "inbox captured new 收件 新建",
	"open":        "open todo planned 待办 打开",
	"in_progress": "in progress started working 进行中 开始",
	"done":        "done completed finished 完成 已完成",
	"dismissed":   "dismissed canceled dropped 取消 已取消",
}

// ComposeActivityPassage builds the embedder text for a todo activity.
func ComposeActivityPassage(activityType, toStatus, content string) string {
	if content != "" {
		return "passage: TODO activity note: " + content
	}
	if activityType == "status_change" {
		if hints, ok := statusHintWords[toStatus]; ok {
			return "passage: TODO activity: " + hints
		}
	}
	return "passage: TODO activity: " + activityType
}

// ComposeQuery builds the embedder text for a search query.
func ComposeQuery(q string) string {
	return "query: " + q
}

// TruncateUTF8 cuts s to at most max bytes at a rune boundary.
func TruncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
