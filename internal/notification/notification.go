/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package notification

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/taxgate/taxgate/config"
	"github.com/taxgate/taxgate/internal/request"
	"github.com/taxgate/taxgate/model"
)

type slackText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

// SlackMessage is a Slack block kit payload.
type SlackMessage struct {
	Blocks []slackBlock `json:"blocks"`
}

func field(label string, value interface{}) slackBlock {
	return slackBlock{
		Type:   "section",
		Fields: []slackText{{Type: "mrkdwn", Text: fmt.Sprintf("*%s:*\n%v", label, value)}},
	}
}

func newSlackMessage(title string, fields ...slackBlock) SlackMessage {
	blocks := []slackBlock{{
		Type: "header",
		Text: &slackText{Type: "plain_text", Text: title, Emoji: true},
	}}
	blocks = append(blocks, fields...)
	return SlackMessage{Blocks: blocks}
}

// SlackNotification posts msg to webhookURL.
func SlackNotification(ctx context.Context, webhookURL string, msg SlackMessage) error {
	payload, err := request.ToJsonReq(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, payload)
	if err != nil {
		return err
	}

	// slack answers with a plain "ok" body
	_, err = request.CallWithClient(http.DefaultClient, req, nil)
	return err
}

func webhookURL() string {
	conf, err := config.Fetch()
	if err != nil {
		return ""
	}
	return conf.Notification.Slack.WebhookUrl
}

// NotifyError logs systemError and forwards it to Slack when a webhook is configured.
// The Slack call runs in the background.
func NotifyError(systemError error) {
	logrus.Error(systemError)

	url := webhookURL()
	if url == "" {
		return
	}
	msg := newSlackMessage("Error From Taxgate 🐞",
		field("Error", systemError.Error()),
		field("Time", time.Now().Format(time.RFC822)),
	)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := SlackNotification(ctx, url, msg); err != nil {
			logrus.WithError(err).Warn("failed to send slack notification")
		}
	}()
}

// NotifyDeadLetter reports a request that exhausted its attempts. The caller id is
// hashed so it is safe to include.
func NotifyDeadLetter(ctx context.Context, rec *model.AsyncRequest) {
	entry := logrus.WithFields(logrus.Fields{
		"request_id": rec.RequestID,
		"caller":     rec.HashedCallerID,
		"kind":       rec.Kind,
		"attempt":    rec.Attempt,
	})
	var lastError string
	if rec.Error != nil {
		lastError = rec.Error.LastError
	}
	entry.WithField("last_error", lastError).Error("request dead-lettered")

	url := webhookURL()
	if url == "" {
		return
	}
	msg := newSlackMessage("Request Dead-Lettered ☠️",
		field("Request", rec.Key().String()),
		field("Kind", rec.Kind),
		field("Attempts", rec.Attempt),
		field("Last error", lastError),
		field("Time", time.Now().Format(time.RFC822)),
	)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := SlackNotification(ctx, url, msg); err != nil {
		entry.WithError(err).Warn("failed to send slack notification")
	}
}
