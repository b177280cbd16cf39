package engine

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/LeventeLantos/outbound-dispatch/internal/model"
	"github.com/LeventeLantos/outbound-dispatch/internal/repo"
)

type ValidationResult struct {
	IsValid  bool     `json:"isValid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

func (r *ValidationResult) fail(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) done() ValidationResult {
	if r.Errors == nil {
		r.Errors = []string{}
	}
	if r.Warnings == nil {
		r.Warnings = []string{}
	}
	r.IsValid = len(r.Errors) == 0
	return *r
}

type CampaignInput struct {
	AccountID string            `json:"accountId"`
	Name      string            `json:"name"`
	Audience  []string          `json:"audience"`
	Template  string            `json:"template"`
	Variables map[string]string `json:"variables,omitempty"`
	MediaURL  string            `json:"mediaUrl,omitempty"`
	StartsAt  time.Time         `json:"startsAt"`
	EndsAt    time.Time         `json:"endsAt"`
}

func (in CampaignInput) Campaign() model.Campaign {
	return model.Campaign{
		AccountID: in.AccountID,
		Name:      in.Name,
		Audience:  in.Audience,
		Template:  in.Template,
		Variables: in.Variables,
		MediaURL:  in.MediaURL,
		StartsAt:  in.StartsAt,
		EndsAt:    in.EndsAt,
	}
}

type ScheduledMessageInput struct {
	AccountID  string           `json:"accountId"`
	Recipients []string         `json:"recipients"`
	Body       string           `json:"body"`
	MediaURL   string           `json:"mediaUrl,omitempty"`
	SendAt     time.Time        `json:"sendAt"`
	RepeatType model.RepeatType `json:"repeatType"`
}

func (in ScheduledMessageInput) ScheduledMessage() model.ScheduledMessage {
	repeat := in.RepeatType
	if repeat == "" {
		repeat = model.RepeatNone
	}
	return model.ScheduledMessage{
		AccountID:  in.AccountID,
		Recipients: in.Recipients,
		Body:       in.Body,
		MediaURL:   in.MediaURL,
		SendAt:     in.SendAt,
		RepeatType: repeat,
	}
}

// CredentialChecker reports whether an account can send through the channel.
type CredentialChecker interface {
	HasCredentials(ctx context.Context, accountID string) (bool, error)
}

// TokenCredentials treats every account as configured when the shared
// channel token is set.
type TokenCredentials string

func (t TokenCredentials) HasCredentials(context.Context, string) (bool, error) {
	return strings.TrimSpace(string(t)) != "", nil
}

// Validator runs the pre-flight checks used by the admin surface. It never
// writes to the store.
type Validator struct {
	campaigns   repo.CampaignRepository
	credentials CredentialChecker
	contentMax  int
	now         func() time.Time
}

func NewValidator(campaigns repo.CampaignRepository, credentials CredentialChecker, contentMax int) *Validator {
	return &Validator{
		campaigns:   campaigns,
		credentials: credentials,
		contentMax:  contentMax,
		now:         time.Now,
	}
}

func (v *Validator) ValidateCampaign(in CampaignInput) ValidationResult {
	var r ValidationResult

	if strings.TrimSpace(in.Name) == "" {
		r.fail("name is required")
	}
	v.checkContent(&r, "template", in.Template, in.Variables, in.Audience)
	v.checkRecipients(&r, "audience", in.Audience)

	switch {
	case in.StartsAt.IsZero() || in.EndsAt.IsZero():
		r.fail("start and end dates are required")
	case !in.StartsAt.Before(in.EndsAt):
		r.fail("end date must be after start date")
	case !v.now().Before(in.EndsAt):
		r.warn("campaign window has already ended")
	}

	return r.done()
}

func (v *Validator) ValidateScheduledMessage(in ScheduledMessageInput) ValidationResult {
	var r ValidationResult

	v.checkContent(&r, "body", in.Body, nil, nil)
	v.checkRecipients(&r, "recipients", in.Recipients)

	if in.SendAt.IsZero() {
		r.fail("send time is required")
	} else if in.SendAt.Before(v.now()) {
		r.warn("send time is in the past, message will be sent on the next scheduler run")
	}
	if in.RepeatType != "" && !in.RepeatType.Valid() {
		r.fail("repeat type %q is not supported", in.RepeatType)
	}

	return r.done()
}

// ValidateCampaignForExecution checks a stored campaign and the channel
// credentials of its account. Only a failed lookup is returned as an error.
func (v *Validator) ValidateCampaignForExecution(ctx context.Context, id int64) (ValidationResult, error) {
	c, err := v.campaigns.GetCampaign(ctx, id)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("load campaign %d: %w", id, err)
	}

	var r ValidationResult
	v.checkContent(&r, "template", c.Template, c.Variables, c.Audience)
	v.checkRecipients(&r, "audience", c.Audience)

	if !c.StartsAt.IsZero() && !c.EndsAt.IsZero() && !c.StartsAt.Before(c.EndsAt) {
		r.fail("end date must be after start date")
	}
	if c.Status.Terminal() {
		r.warn("campaign is %s, executing it will send it again", c.Status)
	}

	if v.credentials != nil {
		ok, err := v.credentials.HasCredentials(ctx, c.AccountID)
		switch {
		case err != nil:
			r.fail("credential check failed: %v", err)
		case !ok:
			r.fail("no channel credentials configured for account %q", c.AccountID)
		}
	}

	return r.done(), nil
}

// checkContent measures the message as sent, so a template is rendered for
// every valid recipient and the longest result counts.
func (v *Validator) checkContent(r *ValidationResult, field, s string, vars map[string]string, recipients []string) {
	if strings.TrimSpace(s) == "" {
		r.fail("%s is required", field)
		return
	}
	if v.contentMax <= 0 {
		return
	}
	longest := utf8.RuneCountInString(s)
	if strings.Contains(s, "{") {
		valid, _ := model.SplitRecipients(recipients)
		for i, rcpt := range valid {
			n := utf8.RuneCountInString(render(s, vars, rcpt))
			if i == 0 || n > longest {
				longest = n
			}
		}
	}
	if longest > v.contentMax {
		r.fail("%s exceeds %d characters", field, v.contentMax)
	}
}

func (v *Validator) checkRecipients(r *ValidationResult, field string, addrs []string) {
	if len(addrs) == 0 {
		r.fail("%s is required", field)
		return
	}
	valid, invalid := model.SplitRecipients(addrs)
	if len(valid) == 0 {
		r.fail("%s has no valid phone numbers", field)
		return
	}
	if len(invalid) > 0 {
		r.warn("%d invalid phone numbers will be skipped", len(invalid))
	}
}
