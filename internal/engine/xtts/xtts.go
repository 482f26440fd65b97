// Package xtts provides the [engine.Backend] implementation that talks to a
// Coqui XTTS v2 API server over its REST API. Synthesis is performed via
// POST /tts_to_audio/ with a JSON body carrying the text, the base64-encoded
// reference speaker audio, and the quality knobs; the server answers with a
// WAV file whose PCM payload is resampled to the canonical 24 kHz if needed.
//
// Typical usage:
//
//	b, err := xtts.New("http://localhost:8002",
//	    xtts.WithTimeout(120*time.Second),
//	)
//	pcm, err := b.Synthesize(ctx, req)
package xtts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/voxmill/voxmill/internal/engine"
	"github.com/voxmill/voxmill/pkg/audio"
	"github.com/voxmill/voxmill/pkg/types"
)

// Compile-time interface assertion.
var _ engine.Backend = (*Backend)(nil)

const (
	defaultTimeout  = 5 * time.Minute
	ttsEndpoint     = "/tts_to_audio/"
	healthEndpoint  = "/health"
	defaultLanguage = "en"
)

// Option is a functional option for configuring a [Backend].
type Option func(*Backend)

// WithTimeout sets the per-request HTTP timeout. Defaults to 5 min. The
// per-call context deadline applied by the facade is usually tighter.
func WithTimeout(d time.Duration) Option {
	return func(b *Backend) {
		b.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) {
		b.httpClient = c
	}
}

// Backend talks to one XTTS v2 API server.
type Backend struct {
	serverURL  string
	httpClient *http.Client
}

// New creates a Backend targeting the XTTS server at serverURL
// (e.g. "http://localhost:8002").
func New(serverURL string, opts ...Option) (*Backend, error) {
	if serverURL == "" {
		return nil, errors.New("xtts: serverURL must not be empty")
	}
	b := &Backend{
		serverURL: strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// Name implements [engine.Backend].
func (b *Backend) Name() string { return types.EngineXTTS }

// ttsRequest is the JSON body sent to POST /tts_to_audio/.
type ttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
	Device     string `json:"device,omitempty"`

	Temperature         float64 `json:"temperature"`
	TopP                float64 `json:"top_p"`
	TopK                int     `json:"top_k"`
	RepetitionPenalty   float64 `json:"repetition_penalty"`
	LengthPenalty       float64 `json:"length_penalty"`
	Speed               float64 `json:"speed"`
	EnableTextSplitting bool    `json:"enable_text_splitting"`
}

// Synthesize implements [engine.Backend]. The reference PCM is wrapped in a
// WAV container and base64-encoded into the request body; the WAV response is
// stripped of its header and resampled to 24 kHz mono if the server answered
// at a different rate.
func (b *Backend) Synthesize(ctx context.Context, req engine.Request) ([]byte, error) {
	if len(req.ReferencePCM) == 0 {
		return nil, types.E(types.KindValidation, "xtts: reference audio must not be empty")
	}
	lang := req.Language
	if lang == "" {
		lang = defaultLanguage
	}

	refWav := audio.EncodeWAV(req.ReferencePCM, types.SampleRate, 1)
	body := ttsRequest{
		Text:                req.Text,
		SpeakerWav:          base64.StdEncoding.EncodeToString(refWav),
		Language:            lang,
		Device:              req.Device,
		Temperature:         req.Params.Temperature,
		TopP:                req.Params.TopP,
		TopK:                req.Params.TopK,
		RepetitionPenalty:   req.Params.RepetitionPenalty,
		LengthPenalty:       req.Params.LengthPenalty,
		Speed:               req.Params.Speed,
		EnableTextSplitting: req.Params.EnableTextSplitting,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "xtts: marshal tts request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.serverURL+ttsEndpoint, bytes.NewReader(data))
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "xtts: create tts request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/wav")

	if req.Progress != nil {
		req.Progress(0.1)
	}

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	if req.Progress != nil {
		req.Progress(0.9)
	}

	info, err := audio.ParseWAV(wav)
	if err != nil {
		return nil, types.Wrap(types.KindTransientBackend, err, "xtts: malformed WAV response")
	}

	pcm := wav[info.DataOffset : info.DataOffset+info.DataLen]
	if info.Channels > 1 {
		pcm = audio.DownmixToMono16(pcm, info.Channels)
	}
	if info.SampleRate != types.SampleRate {
		pcm = audio.ResampleMono16(pcm, info.SampleRate, types.SampleRate)
	}
	return pcm, nil
}

// Ready implements [engine.Backend]. A reachable server that answers anything
// under 500 counts as ready; XTTS images differ in whether they expose a
// dedicated health route.
func (b *Backend) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.serverURL+healthEndpoint, nil)
	if err != nil {
		return types.Wrap(types.KindInternal, err, "xtts: create health request")
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return types.E(types.KindTransientBackend, "xtts: server not ready, status %d", resp.StatusCode)
	}
	return nil
}

// classifyStatus maps a non-200 response to the error taxonomy. The body is
// read (truncated) so OOM reports inside error payloads are recognised.
func classifyStatus(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	text := strings.ToLower(string(snippet))

	switch {
	case resp.StatusCode == http.StatusInsufficientStorage,
		strings.Contains(text, "out of memory"),
		strings.Contains(text, "cuda oom"):
		return types.E(types.KindOutOfMemory, "xtts: device out of memory (status %d)", resp.StatusCode)
	case resp.StatusCode >= http.StatusInternalServerError:
		return types.E(types.KindTransientBackend, "xtts: server error, status %d", resp.StatusCode)
	default:
		return types.E(types.KindInternal, "xtts: unexpected status %d", resp.StatusCode)
	}
}

// classifyTransportError maps connection and deadline failures to the error
// taxonomy.
func classifyTransportError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return types.Wrap(types.KindTimeout, err, "xtts: synthesis deadline exceeded")
	case errors.Is(err, context.Canceled):
		return types.Wrap(types.KindCancelled, err, "xtts: request cancelled")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.Wrap(types.KindTimeout, err, "xtts: synthesis deadline exceeded")
	}
	// Connection refused, reset, DNS failure: the server may come back.
	return types.Wrap(types.KindTransientBackend, err, "xtts: request failed")
}
