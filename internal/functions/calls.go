package functions

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

var ErrProvider = errors.New("functions: provider request failed")

// CallDetails is the subset of a provider call resource used by transfers.
type CallDetails struct {
	SID    string `json:"sid"`
	From   string `json:"from"`
	To     string `json:"to"`
	Status string `json:"status"`
}

// CallController fetches and redirects live calls.
type CallController interface {
	FetchCall(ctx context.Context, sid string) (CallDetails, error)
	RedirectCall(ctx context.Context, sid, twiml string) error
}

// ProviderError carries the provider's error message and details.
type ProviderError struct {
	Status  int
	Message string
	Details string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider status %d: %s", e.Status, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return ErrProvider
}

// RESTCalls talks to the provider's Calls REST resource with basic auth.
type RESTCalls struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	HTTP       *http.Client
}

func (r RESTCalls) FetchCall(ctx context.Context, sid string) (CallDetails, error) {
	req, err := r.request(ctx, http.MethodGet, sid, nil)
	if err != nil {
		return CallDetails{}, err
	}
	var out CallDetails
	if err := r.do(req, &out); err != nil {
		return CallDetails{}, err
	}
	return out, nil
}

func (r RESTCalls) RedirectCall(ctx context.Context, sid, twiml string) error {
	form := url.Values{"Twiml": {twiml}}
	req, err := r.request(ctx, http.MethodPost, sid, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r.do(req, nil)
}

func (r RESTCalls) request(ctx context.Context, method, sid string, body io.Reader) (*http.Request, error) {
	sid = strings.TrimSpace(sid)
	if sid == "" {
		return nil, fmt.Errorf("%w: call sid is required", ErrProvider)
	}
	endpoint := strings.TrimRight(r.BaseURL, "/") + "/2010-04-01/Accounts/" +
		url.PathEscape(r.AccountSID) + "/Calls/" + url.PathEscape(sid) + ".json"
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	req.SetBasicAuth(r.AccountSID, r.AuthToken)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (r RESTCalls) do(req *http.Request, out any) error {
	client := r.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrProvider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var body struct {
			Message  string `json:"message"`
			MoreInfo string `json:"more_info"`
		}
		_ = json.Unmarshal(raw, &body)
		if body.Message == "" {
			body.Message = http.StatusText(resp.StatusCode)
		}
		return &ProviderError{Status: resp.StatusCode, Message: body.Message, Details: body.MoreInfo}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrProvider, err)
	}
	return nil
}

type voiceResponse struct {
	XMLName xml.Name `xml:"Response"`
	Pause   pause    `xml:"Pause"`
	Dial    dial     `xml:"Dial"`
}

type pause struct {
	Length int `xml:"length,attr"`
}

type dial struct {
	CallerID string     `xml:"callerId,attr,omitempty"`
	Region   string     `xml:"region,attr,omitempty"`
	Client   dialClient `xml:"Client"`
}

type dialClient struct {
	StatusCallbackEvent string `xml:"statusCallbackEvent,attr,omitempty"`
	StatusCallback      string `xml:"statusCallback,attr,omitempty"`
	Identity            string `xml:",chardata"`
}

// TransferTwiML pauses one second, then dials the client identity using the
// called number as caller id.
func TransferTwiML(identity, callerID, region, statusCallback string) (string, error) {
	doc := voiceResponse{
		Pause: pause{Length: 1},
		Dial: dial{
			CallerID: callerID,
			Region:   region,
			Client: dialClient{
				Identity: identity,
			},
		},
	}
	if statusCallback != "" {
		doc.Dial.Client.StatusCallback = statusCallback
		doc.Dial.Client.StatusCallbackEvent = "initiated ringing answered completed"
	}
	raw, err := xml.Marshal(doc)
	if err != nil {
		return "", err
	}
	return xml.Header[:len(xml.Header)-1] + string(raw), nil
}
