package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/go-pkgz/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/ganga/app/notify/mocks"
)

func TestService_EmptyDestinations(t *testing.T) {
	svc := NewService(Params{}, SendersParams{})
	require.Nil(t, svc)

	svc = NewService(Params{}, SendersParams{SlackToken: "token"})
	require.Nil(t, svc, "slack without channels")
}

func TestService_Destinations(t *testing.T) {
	svc := NewService(Params{HostName: "h1"}, SendersParams{ToEmails: []string{"test@example.com"},
		SlackToken: "token", SlackChannels: []string{"general"}, WebhookURLs: []string{"https://example.com/hook"}})
	require.NotNil(t, svc)
	require.Len(t, svc.destinations, 3)
	assert.Equal(t, "ganga@h1", svc.fromEmail)
}

func TestMakeErrorHTMLDefault(t *testing.T) {
	svc := NewService(Params{HostName: "host1"}, SendersParams{ToEmails: []string{"test@example.com"}})
	require.NotNil(t, svc)
	res, err := svc.MakeErrorHTML("3.1", "analysis", "Local", "exit code 2\nno such file")
	require.NoError(t, err)
	assert.Contains(t, res, "<li>Job: <span class=\"bold\">3.1</span></li>")
	assert.Contains(t, res, "<li>Name: <span class=\"bold\">analysis</span></li>")
	assert.Contains(t, res, "<li>Backend: <span class=\"bold\">Local</span></li>")
	assert.Contains(t, res, "exit code 2\nno such file")
	assert.Contains(t, res, "Ganga job failed on <span class=\"bold\">host1</span>")
}

func TestMakeErrorHTMLCustom(t *testing.T) {
	svc := NewService(Params{ErrorTemplate: "testfiles/err.tmpl"}, SendersParams{ToEmails: []string{"test@example.com"}})
	require.NotNil(t, svc)
	res, err := svc.MakeErrorHTML("3", "analysis", "Local", "exit code 1")
	require.NoError(t, err)
	assert.Contains(t, res, "Job failed: 3 analysis")
	assert.Contains(t, res, "<pre>exit code 1</pre>")

	svc = NewService(Params{ErrorTemplate: "testfiles/err-bad.tmpl"}, SendersParams{ToEmails: []string{"test@example.com"}})
	require.NotNil(t, svc)
	res, err = svc.MakeErrorHTML("3", "analysis", "Local", "exit code 1")
	require.NoError(t, err)
	assert.Contains(t, res, "<li>Job: <span class=\"bold\">3</span></li>", "default template used")

	svc = NewService(Params{ErrorTemplate: "testfiles/not-found.tmpl"}, SendersParams{ToEmails: []string{"test@example.com"}})
	require.NotNil(t, svc)
	res, err = svc.MakeErrorHTML("3", "analysis", "Local", "exit code 1")
	require.NoError(t, err)
	assert.Contains(t, res, "Ganga job failed")
}

func TestMakeCompletionHTMLDefault(t *testing.T) {
	svc := NewService(Params{}, SendersParams{ToEmails: []string{"test@example.com"}})
	require.NotNil(t, svc)
	res, err := svc.MakeCompletionHTML("7", "<b>name</b>", "Dummy")
	require.NoError(t, err)
	assert.Contains(t, res, "<li>Job: <span class=\"bold\">7</span></li>")
	assert.Contains(t, res, "&lt;b&gt;name&lt;/b&gt;", "escaped")
	assert.Contains(t, res, "Ganga job completed")
}

func TestMakeCompletionHTMLCustom(t *testing.T) {
	svc := NewService(Params{CompletionTemplate: "testfiles/completed.tmpl"}, SendersParams{ToEmails: []string{"test@example.com"}})
	require.NotNil(t, svc)
	res, err := svc.MakeCompletionHTML("7", "analysis", "Dummy")
	require.NoError(t, err)
	assert.Contains(t, res, "Job done: 7 analysis")

	svc = NewService(Params{CompletionTemplate: "testfiles/completed-bad.tmpl"}, SendersParams{ToEmails: []string{"test@example.com"}})
	res, err = svc.MakeCompletionHTML("7", "analysis", "Dummy")
	require.NoError(t, err)
	assert.Contains(t, res, "<li>Job: <span class=\"bold\">7</span></li>")
}

func TestService_IsOnCompletion(t *testing.T) {
	svc := NewService(Params{EnabledCompletion: true}, SendersParams{ToEmails: []string{"test@example.com"}})
	require.NotNil(t, svc)
	assert.True(t, svc.IsOnCompletion())

	svc = NewService(Params{EnabledCompletion: false}, SendersParams{ToEmails: []string{"test@example.com"}})
	require.NotNil(t, svc)
	assert.False(t, svc.IsOnCompletion())
}

func TestService_IsOnError(t *testing.T) {
	svc := NewService(Params{EnabledError: true}, SendersParams{ToEmails: []string{"test@example.com"}})
	require.NotNil(t, svc)
	assert.True(t, svc.IsOnError())

	svc = NewService(Params{EnabledError: false}, SendersParams{ToEmails: []string{"test@example.com"}})
	require.NotNil(t, svc)
	assert.False(t, svc.IsOnError())
}

func TestService_Send(t *testing.T) {
	tests := []struct {
		name           string
		subj           string
		text           string
		destination    string
		mockSendErr    error
		expectedErrMsg string
	}{
		{
			name:        "Successful Send",
			subj:        "Test Subject",
			text:        "Test Text",
			destination: "mailto:to@example.com,to2@example.com?from=from@example.com&subject=Test+Subject",
			mockSendErr: nil,
		},
		{
			name:           "Send Error",
			subj:           "Problem Subject",
			text:           "Problem Text",
			destination:    "mailto:to@example.com,to2@example.com?from=from@example.com&subject=Problem+Subject",
			mockSendErr:    errors.New("mock error"),
			expectedErrMsg: "mock error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mailtoNotifier := &mocks.NotifierMock{
				SendFunc: func(_ context.Context, dest string, text string) error {
					assert.Equal(t, tt.text, text)
					assert.Equal(t, tt.destination, dest)
					return tt.mockSendErr
				},
				SchemaFunc: func() string {
					return "mailto"
				},
			}

			s := Service{
				destinations: []notify.Notifier{mailtoNotifier},
				fromEmail:    "from@example.com",
				toEmail:      []string{"to@example.com", "to2@example.com"},
			}

			err := s.Send(context.Background(), tt.subj, tt.text)
			assert.Len(t, mailtoNotifier.SendCalls(), 1)
			if tt.expectedErrMsg == "" {
				require.NoError(t, err)
			} else {
				assert.EqualError(t, err, tt.expectedErrMsg)
			}
		})
	}
}

func TestService_SendAllDestinations(t *testing.T) {
	sent := map[string]int{}
	mk := func(schema string, err error) *mocks.NotifierMock {
		return &mocks.NotifierMock{
			SchemaFunc: func() string { return schema },
			SendFunc: func(_ context.Context, dest string, _ string) error {
				sent[dest]++
				return err
			},
		}
	}
	s := Service{
		destinations: []notify.Notifier{mk("slack", errors.New("slack down")), mk("http", nil), mk("mailto", nil)},
		fromEmail:    "from@example.com",
		toEmail:      []string{"to@example.com"},
		slackChans:   []string{"general", "jobs"},
		webhooks:     []string{"https://example.com/a", "http://example.com/b"},
	}
	err := s.Send(context.Background(), "job done", "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slack down")
	assert.Len(t, sent, 5, "failed destination doesn't stop others")
	assert.Equal(t, 1, sent["slack:general?title=job+done"])
	assert.Equal(t, 1, sent["slack:jobs?title=job+done"])
	assert.Equal(t, 1, sent["https://example.com/a"])
	assert.Equal(t, 1, sent["http://example.com/b"])
	assert.Equal(t, 1, sent["mailto:to@example.com?from=from@example.com&subject=job+done"])
}
