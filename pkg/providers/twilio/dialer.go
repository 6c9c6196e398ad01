package twilio

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/harunnryd/beacon/pkg/errorsx"
)

type Config struct {
	AccountSID string
	AuthToken  string
	// From is the caller id used for outbound calls.
	From string
	// Voice is the Twilio <Say> voice, e.g. "alice".
	Voice string
}

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

// Dialer places outbound calls that read a short message to the callee.
type Dialer struct {
	cfg    Config
	client callCreator
}

func NewDialer(cfg Config) *Dialer {
	return &Dialer{cfg: cfg}
}

func (d *Dialer) Name() string { return "twilio" }

// Dial calls to and speaks message once answered. It returns the call SID.
func (d *Dialer) Dial(ctx context.Context, to, message string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(to) == "" || strings.TrimSpace(d.cfg.From) == "" {
		return "", errorsx.Wrap(errors.New("to/from required"), errorsx.ReasonTelephony)
	}
	client := d.client
	if client == nil {
		if d.cfg.AccountSID == "" || d.cfg.AuthToken == "" {
			return "", errorsx.Wrap(errors.New("missing twilio credentials"), errorsx.ReasonTelephony)
		}
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: d.cfg.AccountSID,
			Password: d.cfg.AuthToken,
		})
		client = rest.Api
	}
	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(d.cfg.From)
	params.SetTwiml(sayTwiML(message, d.cfg.Voice))
	resp, err := client.CreateCall(params)
	if err != nil {
		return "", errorsx.Wrap(fmt.Errorf("twilio create call: %w", err), errorsx.ReasonTelephony)
	}
	if resp == nil || resp.Sid == nil {
		return "", errorsx.Wrap(errors.New("missing call sid"), errorsx.ReasonTelephony)
	}
	return *resp.Sid, nil
}

func sayTwiML(message, voice string) string {
	var b bytes.Buffer
	_ = xml.EscapeText(&b, []byte(strings.TrimSpace(message)))
	if voice != "" {
		var v bytes.Buffer
		_ = xml.EscapeText(&v, []byte(voice))
		return fmt.Sprintf(`<Response><Say voice="%s">%s</Say></Response>`, v.String(), b.String())
	}
	return "<Response><Say>" + b.String() + "</Say></Response>"
}
