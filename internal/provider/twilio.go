package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// messageCreator is the part of the Twilio REST API the adapter uses.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

type Twilio struct {
	api messageCreator
}

func NewTwilio(accountSID, authToken string) *Twilio {
	rc := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &Twilio{api: rc.Api}
}

func (t *Twilio) Name() string { return "twilio" }

func (t *Twilio) Send(ctx context.Context, from, to, text string) Result {
	if err := ctx.Err(); err != nil {
		return Result{Kind: Transient, Detail: err.Error()}
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetBody(text)

	msg, err := t.api.CreateMessage(params)
	if err != nil {
		return classifyTwilio(err)
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		raw = []byte(`{}`)
	}
	return Result{Kind: Success, Response: raw}
}

func classifyTwilio(err error) Result {
	var restErr *twclient.TwilioRestError
	if !errors.As(err, &restErr) {
		return Result{Kind: Transient, Detail: err.Error()}
	}

	detail := fmt.Sprintf("twilio status=%d code=%d message=%q", restErr.Status, restErr.Code, restErr.Message)
	switch restErr.Status {
	case http.StatusTooManyRequests:
		return Result{Kind: RateLimited, Detail: detail}
	case http.StatusUnauthorized, http.StatusForbidden:
		return Result{Kind: AuthFailed, Detail: detail}
	default:
		return Result{Kind: Unknown, Detail: detail}
	}
}
