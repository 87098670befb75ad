// Package speech talks to the Azure Speech service: REST text-to-speech,
// the avatar ICE relay token and the talking-avatar websocket.
package speech

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/real-rm/voicebox/internal/channel"
	"github.com/real-rm/voicebox/internal/constants"
	"github.com/real-rm/voicebox/internal/util"
)

// ErrStatus is returned when the speech service answers with a non-2xx status.
var ErrStatus = errors.New("speech: unexpected status")

const (
	outputFormat   = "raw-24khz-16bit-mono-pcm"
	headerKey      = "Ocp-Apim-Subscription-Key"
	headerFormat   = "X-Microsoft-OutputFormat"
	userAgent      = "voicebox"
	ssmlMediaType  = "application/ssml+xml"
	synthesisPath  = "/cognitiveservices/v1"
	relayTokenPath = "/cognitiveservices/avatar/relay/token/v1"
)

// Config identifies the speech resource.
type Config struct {
	Region string
	Key    string
	Voice  string
	// BaseURL overrides https://{region}.tts.speech.microsoft.com.
	BaseURL string
}

func (c Config) baseURL() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return fmt.Sprintf("https://%s.tts.speech.microsoft.com", c.Region)
}

// newHTTPClient has no overall timeout so long syntheses can stream; a
// response header timeout catches hung requests.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: constants.SpeechRequestTimeout,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

// SSML wraps text in a speak document for voice. The text is escaped.
func SSML(voice, text string) string {
	var escaped strings.Builder
	_ = xml.EscapeText(&escaped, []byte(text))
	return "<speak version='1.0' xmlns='http://www.w3.org/2001/10/synthesis' xml:lang='en-US'>" +
		"<voice name='" + voice + "'>" + escaped.String() + "</voice></speak>"
}

// Synthesizer renders text to 24kHz 16-bit mono PCM over the REST API and
// streams it in 100ms chunks. It implements channel.Synthesizer.
type Synthesizer struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// NewSynthesizer creates a synthesizer for the configured voice.
func NewSynthesizer(cfg Config, logger *slog.Logger) *Synthesizer {
	if cfg.Voice == "" {
		cfg.Voice = constants.DefaultVoice
	}
	return &Synthesizer{
		cfg:    cfg,
		client: newHTTPClient(),
		logger: logger.WithGroup("speech"),
	}
}

// Synthesize starts the request and returns once the service has accepted
// it. Chunks are sent until the body ends or ctx is cancelled; a read
// failure arrives as a chunk with Err set.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) (<-chan channel.AudioChunk, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.cfg.baseURL()+synthesisPath, strings.NewReader(SSML(s.cfg.Voice, text)))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(headerKey, s.cfg.Key)
	req.Header.Set("Content-Type", ssmlMediaType)
	req.Header.Set(headerFormat, outputFormat)
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, constants.MaxErrorBodySize))
		return nil, fmt.Errorf("%w %d: %s", ErrStatus, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	chunks := make(chan channel.AudioChunk, constants.AudioChunkBuffer)
	util.SafeGo(s.logger, "speech.synthesize", func() {
		defer close(chunks)
		defer resp.Body.Close()
		s.stream(ctx, resp.Body, chunks)
	})
	return chunks, nil
}

func (s *Synthesizer) stream(ctx context.Context, body io.Reader, chunks chan<- channel.AudioChunk) {
	buf := make([]byte, constants.AudioChunkSize)
	sent := 0
	for {
		n, err := io.ReadFull(body, buf)
		if n > 0 {
			chunk := channel.AudioChunk{Data: base64.StdEncoding.EncodeToString(buf[:n])}
			select {
			case chunks <- chunk:
				sent++
			case <-ctx.Done():
				return
			}
		}

		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			s.logger.Debug("Synthesis complete", "chunks", sent)
			return
		case ctx.Err() != nil:
			return
		default:
			select {
			case chunks <- channel.AudioChunk{Err: fmt.Errorf("read audio: %w", err)}:
			case <-ctx.Done():
			}
			return
		}
	}
}
