// Package mailer delivers outbound account mail.
package mailer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"strings"

	"golang.org/x/net/html"
)

// Message is one outbound mail. HTML is the body; the plain-text alternative
// is derived from it.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

// Mailer sends a message. Delivery is best effort.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

var resetTemplate = template.Must(template.New("reset").Parse(
	`<p>A password reset was requested for your account.</p>` +
		`<p><a href="{{.Link}}">Reset Password</a></p>` +
		`<p>If the link does not open, use this token: {{.Token}}</p>` +
		`<p>The link expires in {{.Expires}}.</p>`,
))

// ResetMail builds the password-reset message pointing at
// <frontendURL>/change-password/<token>.
func ResetMail(frontendURL, to, token, expires string) (Message, error) {
	link := strings.TrimRight(strings.TrimSpace(frontendURL), "/") + "/change-password/" + token
	var buf bytes.Buffer
	if err := resetTemplate.Execute(&buf, map[string]string{
		"Link":    link,
		"Token":   token,
		"Expires": expires,
	}); err != nil {
		return Message{}, fmt.Errorf("render reset mail: %w", err)
	}
	return Message{To: to, Subject: "Reset your password", HTML: buf.String()}, nil
}

// PlainText flattens an HTML body into readable text. Link targets are kept
// next to their anchor text.
func PlainText(body string) (string, error) {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return "", err
	}
	var buf strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		switch node.Type {
		case html.TextNode:
			buf.WriteString(node.Data)
		case html.ElementNode:
			if node.Data == "script" || node.Data == "style" {
				return
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
		if node.Type != html.ElementNode {
			return
		}
		switch node.Data {
		case "a":
			for _, attr := range node.Attr {
				if attr.Key == "href" && attr.Val != "" {
					buf.WriteString(" (" + attr.Val + ")")
				}
			}
		case "p", "br", "div", "li":
			buf.WriteString("\n")
		}
	}
	walk(doc)
	lines := strings.Split(buf.String(), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n"), nil
}

// LogMailer records messages in the log instead of sending them.
type LogMailer struct {
	Logger *slog.Logger
}

func (m LogMailer) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("mail_not_sent", "to", msg.To, "subject", msg.Subject)
	return nil
}

var errMissingRecipient = errors.New("mail recipient required")
