// Package render turns invitation payloads into notifier messages.
package render

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"text/template"
	"time"

	"pulsebot/internal/delivery"
	"pulsebot/internal/notify"
)

//go:embed templates/*.tmpl
var defaultFS embed.FS

const (
	textName = "invite.txt.tmpl"
	htmlName = "invite.html.tmpl"

	DefaultSubject = "Your weekly pulse"
)

var ErrNoToken = errors.New("invitation has no response token")

type Config struct {
	// BaseURL prefixes the response link: <BaseURL>/r/<token>.
	BaseURL string
	Subject string
	// Dir, when set, holds invite.txt.tmpl and/or invite.html.tmpl overriding the built-ins.
	Dir string
	// Location formats the expiry. Nil means UTC.
	Location *time.Location
}

// Templates implements delivery.Renderer.
type Templates struct {
	cfg  Config
	text *template.Template
	html *htmltemplate.Template
}

var _ delivery.Renderer = (*Templates)(nil)

// View is the data passed to both templates.
type View struct {
	Question string
	Link     string
	Token    string
	UserID   string
	TenantID string
	Expires  string
}

func New(cfg Config) (*Templates, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if strings.TrimSpace(cfg.Subject) == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.BaseURL != "" {
		if _, err := url.Parse(cfg.BaseURL); err != nil {
			return nil, fmt.Errorf("render: base url: %w", err)
		}
	}

	textSrc, err := source(cfg.Dir, textName)
	if err != nil {
		return nil, err
	}
	htmlSrc, err := source(cfg.Dir, htmlName)
	if err != nil {
		return nil, err
	}
	tt, err := template.New(textName).Option("missingkey=error").Parse(textSrc)
	if err != nil {
		return nil, fmt.Errorf("render: parse %s: %w", textName, err)
	}
	ht, err := htmltemplate.New(htmlName).Option("missingkey=error").Parse(htmlSrc)
	if err != nil {
		return nil, fmt.Errorf("render: parse %s: %w", htmlName, err)
	}
	return &Templates{cfg: cfg, text: tt, html: ht}, nil
}

// source reads name from dir if present there, else from the built-ins.
func source(dir, name string) (string, error) {
	if strings.TrimSpace(dir) != "" {
		b, err := fs.ReadFile(os.DirFS(dir), name)
		switch {
		case err == nil:
			return string(b), nil
		case !errors.Is(err, fs.ErrNotExist):
			return "", fmt.Errorf("render: read %s: %w", name, err)
		}
	}
	b, err := defaultFS.ReadFile("templates/" + name)
	if err != nil {
		return "", fmt.Errorf("render: built-in %s: %w", name, err)
	}
	return string(b), nil
}

// Link returns the single-use response URL for token.
func (t *Templates) Link(token string) string {
	return t.cfg.BaseURL + "/r/" + url.PathEscape(token)
}

func (t *Templates) RenderInvitation(p *delivery.InvitationPayload) (notify.Message, error) {
	if p == nil {
		return notify.Message{}, delivery.ErrNoPayload
	}
	if strings.TrimSpace(p.Token) == "" {
		return notify.Message{}, ErrNoToken
	}
	v := View{
		Question: p.QuestionText,
		Link:     t.Link(p.Token),
		Token:    p.Token,
		UserID:   p.UserID,
		TenantID: p.TenantID,
		Expires:  "soon",
	}
	if !p.ExpiresAt.IsZero() {
		v.Expires = p.ExpiresAt.In(t.cfg.Location).Format("Mon 2 Jan 2006 15:04 MST")
	}

	var text, html bytes.Buffer
	if err := t.text.Execute(&text, v); err != nil {
		return notify.Message{}, fmt.Errorf("render text: %w", err)
	}
	if err := t.html.Execute(&html, v); err != nil {
		return notify.Message{}, fmt.Errorf("render html: %w", err)
	}
	return notify.Message{
		Channel: p.Channel,
		To:      p.UserID,
		Subject: t.cfg.Subject,
		Text:    strings.TrimSpace(text.String()),
		HTML:    html.String(),
	}, nil
}
