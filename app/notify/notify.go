// Package notify delivers job completion and failure messages via email, slack and webhooks
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/url"
	"os"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"
)

//go:generate moq -out mocks/notifier.go -pkg mocks -skip-ensure -fmt goimports github.com/go-pkgz/notify Notifier

// Params defines when and what to send
type Params struct {
	EnabledError       bool
	EnabledCompletion  bool
	ErrorTemplate      string // path to custom html template of failure messages, optional
	CompletionTemplate string // path to custom html template of completion messages, optional
	HostName           string // shown in messages, os hostname if empty
}

// SendersParams defines destinations, every non-empty group makes a destination
type SendersParams struct {
	SMTP      notify.SMTPParams
	FromEmail string
	ToEmails  []string

	SlackToken    string
	SlackChannels []string

	WebhookURLs []string
	WebhookTime time.Duration
}

// Service sends html messages to all configured destinations
type Service struct {
	Params
	destinations []notify.Notifier
	fromEmail    string
	toEmail      []string
	slackChans   []string
	webhooks     []string
	errTmpl      *template.Template
	doneTmpl     *template.Template
}

// NewService makes notification service, returns nil if no destinations configured
func NewService(params Params, sp SendersParams) *Service {
	res := &Service{Params: params, fromEmail: sp.FromEmail, toEmail: sp.ToEmails,
		slackChans: sp.SlackChannels, webhooks: sp.WebhookURLs}
	if res.HostName == "" {
		res.HostName = hostName()
	}
	if res.fromEmail == "" {
		res.fromEmail = "ganga@" + res.HostName
	}

	if len(sp.ToEmails) > 0 {
		smtp := sp.SMTP
		if smtp.ContentType == "" {
			smtp.ContentType = "text/html"
		}
		res.destinations = append(res.destinations, notify.NewEmail(smtp))
	}
	if sp.SlackToken != "" && len(sp.SlackChannels) > 0 {
		res.destinations = append(res.destinations, notify.NewSlack(sp.SlackToken))
	}
	if len(sp.WebhookURLs) > 0 {
		res.destinations = append(res.destinations, notify.NewWebhook(notify.WebhookParams{Timeout: sp.WebhookTime,
			Headers: []string{"Content-Type:text/html"}}))
	}
	if len(res.destinations) == 0 {
		return nil
	}

	res.errTmpl = loadTemplate(params.ErrorTemplate, defaultErrorTemplate)
	res.doneTmpl = loadTemplate(params.CompletionTemplate, defaultCompletionTemplate)
	log.Printf("[DEBUG] notifications enabled, %d destinations", len(res.destinations))
	return res
}

// IsOnError reports if failure messages enabled
func (s *Service) IsOnError() bool { return s.EnabledError }

// IsOnCompletion reports if completion messages enabled
func (s *Service) IsOnCompletion() bool { return s.EnabledCompletion }

// Send delivers message to all destinations, a failed destination doesn't stop others
func (s *Service) Send(ctx context.Context, subj, text string) error {
	var errs []error
	for _, d := range s.destinations {
		for _, dest := range s.addresses(d.Schema(), subj) {
			if err := d.Send(ctx, dest, text); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// MakeErrorHTML makes failure message for the job
func (s *Service) MakeErrorHTML(id, name, backend, reason string) (string, error) {
	return s.render(s.errTmpl, id, name, backend, reason)
}

// MakeCompletionHTML makes completion message for the job
func (s *Service) MakeCompletionHTML(id, name, backend string) (string, error) {
	return s.render(s.doneTmpl, id, name, backend, "")
}

// addresses makes destination urls for the notifier schema
func (s *Service) addresses(schema, subj string) []string {
	switch schema {
	case "mailto":
		return []string{fmt.Sprintf("mailto:%s?from=%s&subject=%s", strings.Join(s.toEmail, ","), s.fromEmail,
			url.QueryEscape(subj))}
	case "slack":
		res := make([]string, 0, len(s.slackChans))
		for _, ch := range s.slackChans {
			res = append(res, "slack:"+ch+"?title="+url.QueryEscape(subj))
		}
		return res
	case "http", "https":
		return s.webhooks
	}
	log.Printf("[WARN] unsupported notification schema %q", schema)
	return nil
}

func (s *Service) render(t *template.Template, id, name, backend, reason string) (string, error) {
	data := struct {
		ID      string
		Name    string
		Backend string
		Reason  string
		TS      time.Time
		Host    string
	}{ID: id, Name: name, Backend: backend, Reason: reason, TS: time.Now(), Host: s.HostName}

	buf := bytes.Buffer{}
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to apply template: %w", err)
	}
	return buf.String(), nil
}

// loadTemplate parses custom template file, falls back to the default one on any error
func loadTemplate(path, def string) *template.Template {
	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // path from config
		if err == nil {
			t, pErr := template.New("msg").Parse(string(data))
			if pErr == nil {
				return t
			}
			err = pErr
		}
		log.Printf("[WARN] can't load template %s, default used: %v", path, err)
	}
	return template.Must(template.New("msg").Parse(def))
}

func hostName() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

const msgStyle = `<head>
		<meta name="viewport" content="width=device-width" />
		<meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
		<style type="text/css">
			body { font-family: "Arial"; font-size: 1.0em; }
			ul { margin-top: -0.5em; margin-left: -0.5em; }
			pre {
				padding: 0.6em;
				font-size: 0.7em;
				background-color: #E8E2A0;
				font-family: "Menlo";
				white-space: pre-wrap;
				word-wrap: break-word;
			}
			.bold { color: #882828; font-weight: 900; }
		</style>
	</head>`

const defaultErrorTemplate = `<!DOCTYPE html>
<html>
	` + msgStyle + `
	<body>
		<p>Ganga job failed on <span class="bold">{{.Host}}</span> at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}</p>
		<ul>
			<li>Job: <span class="bold">{{.ID}}</span></li>
			<li>Name: <span class="bold">{{.Name}}</span></li>
			<li>Backend: <span class="bold">{{.Backend}}</span></li>
		</ul>
		<pre>
{{.Reason}}
		</pre>
	</body>
</html>
`

const defaultCompletionTemplate = `<!DOCTYPE html>
<html>
	` + msgStyle + `
	<body>
		<p>Ganga job completed on <span class="bold">{{.Host}}</span> at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}</p>
		<ul>
			<li>Job: <span class="bold">{{.ID}}</span></li>
			<li>Name: <span class="bold">{{.Name}}</span></li>
			<li>Backend: <span class="bold">{{.Backend}}</span></li>
		</ul>
	</body>
</html>
`
