// Package deepgram streams audio to the Deepgram live transcription API over
// a websocket and implements [stt.Provider].
package deepgram

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/MrWong99/livescribe/pkg/provider/stt"
	"github.com/coder/websocket"
)

const (
	defaultEndpoint   = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en-US"
	defaultSampleRate = 16000
)

// Provider opens Deepgram live sessions.
type Provider struct {
	apiKey      string
	endpoint    string
	model       string
	language    string
	sampleRate  int
	endpointing time.Duration
	smartFormat bool
}

var _ stt.Provider = (*Provider)(nil)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel selects the Deepgram model, e.g. "nova-3".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the fallback BCP-47 language used when a stream config
// leaves it empty.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithSampleRate sets the fallback sample rate in Hz.
func WithSampleRate(hz int) Option {
	return func(p *Provider) { p.sampleRate = hz }
}

// WithEndpoint points the provider at another listen URL, such as a
// self-hosted Deepgram or a test server.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// WithEndpointing sets how much trailing silence finalises a phrase. Zero
// keeps the server default.
func WithEndpointing(d time.Duration) Option {
	return func(p *Provider) { p.endpointing = d }
}

// WithSmartFormat enables Deepgram's number and date formatting.
func WithSmartFormat(on bool) Option {
	return func(p *Provider) { p.smartFormat = on }
}

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: api key is required")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   defaultEndpoint,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// StartStream dials the listen endpoint. ctx bounds the whole session, not
// only the handshake. A rejected key is reported as [stt.CodeNotAllowed].
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return nil, &stt.Error{Code: stt.CodeStartFailed, Err: fmt.Errorf("deepgram: endpoint: %w", err)}
	}
	u.RawQuery = p.query(cfg).Encode()

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Token " + p.apiKey}},
	})
	if err != nil {
		err = fmt.Errorf("deepgram: dial: %w", err)
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, &stt.Error{Code: stt.CodeNotAllowed, Err: err}
			}
		}
		return nil, err
	}
	return newSession(ctx, conn), nil
}

// query renders the listen parameters. Stream config values win over the
// provider defaults.
func (p *Provider) query(cfg stt.StreamConfig) url.Values {
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = p.sampleRate
	}

	q := url.Values{
		"model":           {p.model},
		"language":        {cmp.Or(cfg.Language, p.language)},
		"encoding":        {"linear16"},
		"sample_rate":     {strconv.Itoa(rate)},
		"punctuate":       {"true"},
		"interim_results": {"true"},
	}
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	if p.endpointing > 0 {
		q.Set("endpointing", strconv.FormatInt(p.endpointing.Milliseconds(), 10))
	}
	if p.smartFormat {
		q.Set("smart_format", "true")
	}
	for _, kw := range cfg.Keywords {
		q.Add("keywords", kw.Keyword+":"+strconv.FormatFloat(kw.Boost, 'g', -1, 64))
	}
	return q
}
