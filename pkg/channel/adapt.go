package channel

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/p3394/exemplar/pkg/umf"
)

// DroppedContent records one downgraded or dropped block in
// metadata.dropped_content.
type DroppedContent struct {
	Type       string `json:"type"`
	Filename   string `json:"filename,omitempty"`
	Reason     string `json:"reason"`
	Suggestion string `json:"suggestion,omitempty"`
}

// AdaptContent rewrites msg's content blocks to types the channel supports.
// Unsupported blocks are downgraded to text placeholders and recorded under
// metadata.dropped_content. Adjacent text blocks produced by downgrades are
// merged into their preceding text block so a reply with trailing
// attachments stays a single readable message.
func AdaptContent(msg *umf.Message, caps Capabilities) *umf.Message {
	out := *msg
	out.Content = nil
	var dropped []DroppedContent

	appendText := func(text string) {
		n := len(out.Content)
		if n > 0 && out.Content[n-1].Type == umf.ContentTypeText {
			out.Content[n-1].Data += "\n" + text
			return
		}
		out.Content = append(out.Content, umf.TextBlock(text))
	}

	for _, b := range msg.Content {
		switch b.Type {
		case umf.ContentTypeImage:
			if caps.Images && caps.Supports(umf.ContentTypeImage) {
				out.Content = append(out.Content, b)
				continue
			}
			appendText(fmt.Sprintf("[Image: %s]", b.Filename))
			dropped = append(dropped, DroppedContent{
				Type:     string(umf.ContentTypeImage),
				Filename: b.Filename,
				Reason:   "channel lacks image support",
			})

		case umf.ContentTypeFile, umf.ContentTypeBinary:
			if caps.Attachments && caps.Supports(b.Type) {
				out.Content = append(out.Content, b)
				continue
			}
			appendText(fmt.Sprintf("[File: %s (%s)]", b.Filename, humanSize(int64(len(b.Payload)))))
			dropped = append(dropped, DroppedContent{
				Type:       string(b.Type),
				Filename:   b.Filename,
				Reason:     "channel lacks attachments",
				Suggestion: "use web interface",
			})

		case umf.ContentTypeHTML:
			if caps.HTML && caps.Supports(umf.ContentTypeHTML) {
				out.Content = append(out.Content, b)
				continue
			}
			if caps.Markdown && caps.Supports(umf.ContentTypeMarkdown) {
				out.Content = append(out.Content, umf.MarkdownBlock(htmlToMarkdown(b.Data)))
				dropped = append(dropped, DroppedContent{
					Type:   string(umf.ContentTypeHTML),
					Reason: "converted to markdown, formatting may be lost",
				})
				continue
			}
			appendText(stripTags(b.Data))
			dropped = append(dropped, DroppedContent{
				Type:   string(umf.ContentTypeHTML),
				Reason: "channel lacks html and markdown support",
			})

		case umf.ContentTypeFolder:
			if caps.Folders && caps.Supports(umf.ContentTypeFolder) {
				out.Content = append(out.Content, b)
				continue
			}
			appendText(folderListing(b))
			dropped = append(dropped, DroppedContent{
				Type:     string(umf.ContentTypeFolder),
				Filename: b.Filename,
				Reason:   "channel lacks folder support",
			})

		case umf.ContentTypeToolCall:
			if caps.Supports(umf.ContentTypeToolCall) {
				out.Content = append(out.Content, b)
				continue
			}
			name := ""
			if b.ToolCall != nil {
				name = b.ToolCall.Name
			}
			appendText(fmt.Sprintf("[Tool call: %s]", name))
			dropped = append(dropped, DroppedContent{
				Type:   string(umf.ContentTypeToolCall),
				Reason: "channel lacks structured content",
			})

		case umf.ContentTypeToolResult:
			if caps.Supports(umf.ContentTypeToolResult) {
				out.Content = append(out.Content, b)
				continue
			}
			summary := "[Tool result]"
			if b.ToolResult != nil {
				if b.ToolResult.Success {
					summary = fmt.Sprintf("[Tool result: %s]", b.ToolResult.Output)
				} else {
					summary = fmt.Sprintf("[Tool failed: %s]", b.ToolResult.Error)
				}
			}
			appendText(summary)
			dropped = append(dropped, DroppedContent{
				Type:   string(umf.ContentTypeToolResult),
				Reason: "channel lacks structured content",
			})

		case umf.ContentTypeMarkdown:
			if caps.Markdown && caps.Supports(umf.ContentTypeMarkdown) {
				out.Content = append(out.Content, b)
				continue
			}
			appendText(b.Data)

		default:
			out.Content = append(out.Content, b)
		}
	}

	if len(dropped) > 0 {
		meta := make(map[string]any, len(msg.Metadata)+1)
		for k, v := range msg.Metadata {
			meta[k] = v
		}
		meta["dropped_content"] = dropped
		out.Metadata = meta
	}
	return &out
}

// humanSize renders n in the unit a chat client would show.
func humanSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func folderListing(b umf.ContentBlock) string {
	files, _ := b.Metadata["files"].([]any)
	if len(files) == 0 {
		return fmt.Sprintf("[Folder: %s]", b.Filename)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "[Folder: %s]", b.Filename)
	for _, f := range files {
		fmt.Fprintf(&sb, "\n- %v", f)
	}
	return sb.String()
}

var (
	tagPattern     = regexp.MustCompile(`<[^>]*>`)
	headingPattern = regexp.MustCompile(`(?is)<h([1-6])[^>]*>(.*?)</h[1-6]>`)
	boldPattern    = regexp.MustCompile(`(?is)<(?:b|strong)[^>]*>(.*?)</(?:b|strong)>`)
	italicPattern  = regexp.MustCompile(`(?is)<(?:i|em)[^>]*>(.*?)</(?:i|em)>`)
	codePattern    = regexp.MustCompile(`(?is)<code[^>]*>(.*?)</code>`)
	linkPattern    = regexp.MustCompile(`(?is)<a[^>]*href="([^"]*)"[^>]*>(.*?)</a>`)
	itemPattern    = regexp.MustCompile(`(?is)<li[^>]*>(.*?)</li>`)
	breakPattern   = regexp.MustCompile(`(?i)<(?:br|/p|/div)[^>]*>`)
)

// htmlToMarkdown is a lossy structural conversion. It covers the tags an
// agent reply plausibly contains; anything else is stripped.
func htmlToMarkdown(s string) string {
	s = headingPattern.ReplaceAllStringFunc(s, func(m string) string {
		parts := headingPattern.FindStringSubmatch(m)
		level := int(parts[1][0] - '0')
		return "\n" + strings.Repeat("#", level) + " " + strings.TrimSpace(parts[2]) + "\n"
	})
	s = boldPattern.ReplaceAllString(s, "**$1**")
	s = italicPattern.ReplaceAllString(s, "*$1*")
	s = codePattern.ReplaceAllString(s, "`$1`")
	s = linkPattern.ReplaceAllString(s, "[$2]($1)")
	s = itemPattern.ReplaceAllString(s, "\n- $1")
	s = breakPattern.ReplaceAllString(s, "\n")
	s = tagPattern.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// stripTags removes markup and collapses the leftover whitespace.
func stripTags(s string) string {
	s = breakPattern.ReplaceAllString(s, "\n")
	s = tagPattern.ReplaceAllString(s, "")
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if t := strings.TrimSpace(l); t != "" {
			out = append(out, t)
		}
	}
	return strings.Join(out, "\n")
}
