package email

import (
	"bytes"
	"fmt"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"optin-comment-notifier/pkg/notifier"
)

var (
	markdown = goldmark.New(goldmark.WithExtensions(extension.Strikethrough, extension.Linkify))
	policy   = bluemonday.UGCPolicy()
)

// renderCommentText turns comment markdown into HTML safe to embed in an email.
// Raw HTML in the comment is dropped by goldmark and anything else the
// sanitizer does not allow is stripped.
func renderCommentText(text string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return "<p>" + html.EscapeString(text) + "</p>"
	}
	return strings.TrimSpace(policy.Sanitize(buf.String()))
}

func (s *Sender) formatCommentBody(c notifier.Comment, moderation bool) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString(".meta { margin-bottom: 12px; color: #7f8c8d; }\n")
	b.WriteString(".author { color: #21759b; font-weight: 600; }\n")
	b.WriteString(".content { margin: 15px 0; padding-left: 15px; border-left: 3px solid #ddd; }\n")
	b.WriteString(".footer { margin-top: 30px; padding-top: 15px; border-top: 1px solid #ddd; font-size: 0.9em; color: #7f8c8d; }\n")
	b.WriteString("a { color: #21759b; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString(".content { border-left-color: #444; }\n")
	b.WriteString(".footer { border-top-color: #444; color: #a0a0a0; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	author := c.Author
	if author == "" {
		author = "Anonymous"
	}

	b.WriteString("<div class=\"meta\">\n")
	if moderation {
		b.WriteString("A new comment is waiting for your approval.<br>\n")
	}
	b.WriteString(fmt.Sprintf("<span class=\"author\">%s</span> wrote", html.EscapeString(author)))
	if c.PostURL != "" {
		b.WriteString(fmt.Sprintf(" on <a href=\"%s\">%s</a>", html.EscapeString(c.PostURL), html.EscapeString(c.PostURL)))
	}
	b.WriteString(":\n</div>\n")

	b.WriteString("<div class=\"content\">\n")
	b.WriteString(renderCommentText(c.Text))
	b.WriteString("\n</div>\n")

	b.WriteString("<div class=\"footer\">\n")
	b.WriteString("You are receiving this because you asked to be emailed about every comment on this site.\n")
	if s.baseURL != "" {
		b.WriteString(fmt.Sprintf("<a href=\"%s\">Change this setting</a>\n", html.EscapeString(strings.TrimRight(s.baseURL, "/")+"/settings")))
	}
	b.WriteString("</div>\n")

	b.WriteString("</body>\n</html>")
	return b.String()
}
