// Package tts provides a streaming text-to-speech client.
//
// Synthesis requests go over a long-lived HTTP/2 client that multiplexes
// many segments onto few connections. The service answers with
// newline-delimited JSON; each line carries a base64 WAV chunk whose 44-byte
// header is stripped before the raw PCM is handed to the caller.
package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"
)

// Defaults applied by [New] unless overridden.
const (
	DefaultModelID     = "inworld-tts-1"
	DefaultVoiceID     = "Ashley"
	DefaultSampleRate  = 48000
	DefaultTemperature = 1.2

	DefaultConnectTimeout = 20 * time.Second
	DefaultReadTimeout    = 120 * time.Second
)

// wavHeaderSize is the RIFF header length prefixed to every audio chunk.
const wavHeaderSize = 44

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithModelID sets the synthesis model.
func WithModelID(id string) Option {
	return func(c *Client) { c.modelID = id }
}

// WithVoiceID sets the voice.
func WithVoiceID(id string) Option {
	return func(c *Client) { c.voiceID = id }
}

// WithSampleRate sets the output PCM sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(c *Client) { c.sampleRate = rate }
}

// WithTemperature sets the synthesis temperature.
func WithTemperature(t float64) Option {
	return func(c *Client) { c.temperature = t }
}

// WithHTTPClient replaces the default HTTP/2 client. Used by tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// Client is a segment synthesizer. It is safe for concurrent use; all
// segments of a session share the same underlying connections.
type Client struct {
	url  string
	auth string

	modelID     string
	voiceID     string
	sampleRate  int
	temperature float64

	httpClient *http.Client
	log        *slog.Logger
}

// New creates a Client for the given synthesis endpoint. auth is the value
// of the Authorization header (e.g. "Basic <base64 key>").
func New(url, auth string, opts ...Option) (*Client, error) {
	if url == "" {
		return nil, errors.New("tts: url must not be empty")
	}
	if auth == "" {
		return nil, errors.New("tts: auth must not be empty")
	}
	c := &Client{
		url:         url,
		auth:        auth,
		modelID:     DefaultModelID,
		voiceID:     DefaultVoiceID,
		sampleRate:  DefaultSampleRate,
		temperature: DefaultTemperature,
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.httpClient == nil {
		hc, err := newHTTP2Client()
		if err != nil {
			return nil, fmt.Errorf("tts: configure transport: %w", err)
		}
		c.httpClient = hc
	}
	return c, nil
}

// newHTTP2Client builds the shared transport: HTTP/2 where the server offers
// it, bounded connect and response timeouts, idle connections kept warm for
// segment reuse.
func newHTTP2Client() (*http.Client, error) {
	tr := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: DefaultConnectTimeout,
		}).DialContext,
		ResponseHeaderTimeout: DefaultReadTimeout,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}
	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, err
	}
	return &http.Client{Transport: tr}, nil
}

// synthesizeRequest is the JSON body of one synthesis call.
type synthesizeRequest struct {
	Text        string      `json:"text"`
	VoiceID     string      `json:"voiceId"`
	ModelID     string      `json:"modelId"`
	Temperature float64     `json:"temperature"`
	AudioConfig audioConfig `json:"audio_config"`
}

type audioConfig struct {
	AudioEncoding   string `json:"audio_encoding"`
	SampleRateHertz int    `json:"sample_rate_hertz"`
}

// streamLine is one NDJSON response line.
type streamLine struct {
	Result struct {
		AudioContent string `json:"audioContent"`
	} `json:"result"`
}

// Synthesize converts one text segment into a stream of raw PCM16 frames.
// Empty or whitespace-only input yields a closed channel. A non-success
// HTTP status or transport failure at request time is returned as an error
// with no audio. Malformed response lines are skipped. Cancelling ctx
// aborts the stream and releases the connection.
func (c *Client) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	if strings.TrimSpace(text) == "" {
		ch := make(chan []byte)
		close(ch)
		return ch, nil
	}

	body, err := json.Marshal(synthesizeRequest{
		Text:        text,
		VoiceID:     c.voiceID,
		ModelID:     c.modelID,
		Temperature: c.temperature,
		AudioConfig: audioConfig{
			AudioEncoding:   "LINEAR16",
			SampleRateHertz: c.sampleRate,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("tts: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tts: build request: %w", err)
	}
	req.Header.Set("Authorization", c.auth)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts: request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		resp.Body.Close()
		return nil, fmt.Errorf("tts: unexpected status %d: %s", resp.StatusCode, snippet)
	}

	audio := make(chan []byte, 256)
	go func() {
		defer close(audio)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}

			var sl streamLine
			if err := json.Unmarshal(line, &sl); err != nil {
				c.log.Debug("tts: skip malformed line", "err", err)
				continue
			}
			if sl.Result.AudioContent == "" {
				continue
			}
			wav, err := base64.StdEncoding.DecodeString(sl.Result.AudioContent)
			if err != nil {
				c.log.Debug("tts: skip undecodable chunk", "err", err)
				continue
			}
			if len(wav) <= wavHeaderSize {
				continue
			}

			select {
			case audio <- wav[wavHeaderSize:]:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Warn("tts: stream read error", "err", err)
		}
	}()

	return audio, nil
}

// Close releases idle connections held by the shared transport.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}
