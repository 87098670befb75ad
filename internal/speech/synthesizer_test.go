package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/real-rm/voicebox/internal/channel"
	"github.com/real-rm/voicebox/internal/testutil"
)

func drain(t *testing.T, chunks <-chan channel.AudioChunk) []channel.AudioChunk {
	t.Helper()
	var out []channel.AudioChunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-chunks:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-timeout:
			t.Fatal("chunk stream did not close")
			return out
		}
	}
}

func TestSSML_EscapesText(t *testing.T) {
	got := SSML("en-US-AvaMultilingualNeural", `Tom & Jerry <say> "hi"`)
	assert.Contains(t, got, "<voice name='en-US-AvaMultilingualNeural'>")
	assert.Contains(t, got, "Tom &amp; Jerry &lt;say&gt;")
	assert.NotContains(t, got, "<say>")
}

func TestSynthesize_ChunksAudio(t *testing.T) {
	pcm := bytes.Repeat([]byte{1, 2, 3, 4, 5}, 2000) // 10000 bytes

	var gotBody string
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, synthesisPath, r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotHeader = r.Header.Clone()
		w.Write(pcm)
	}))
	defer srv.Close()

	s := NewSynthesizer(Config{Key: "speech-key", Voice: "en-US-Test", BaseURL: srv.URL}, testutil.CreateTestLogger(t))
	chunks, err := s.Synthesize(context.Background(), "Hello world")
	require.NoError(t, err)
	got := drain(t, chunks)

	require.Len(t, got, 3)
	var joined []byte
	sizes := make([]int, 0, len(got))
	for _, c := range got {
		require.NoError(t, c.Err)
		raw, err := base64.StdEncoding.DecodeString(c.Data)
		require.NoError(t, err)
		sizes = append(sizes, len(raw))
		joined = append(joined, raw...)
	}
	assert.Equal(t, []int{4800, 4800, 400}, sizes)
	assert.Equal(t, pcm, joined)

	assert.Equal(t, "speech-key", gotHeader.Get(headerKey))
	assert.Equal(t, outputFormat, gotHeader.Get(headerFormat))
	assert.Equal(t, ssmlMediaType, gotHeader.Get("Content-Type"))
	assert.Contains(t, gotBody, "<voice name='en-US-Test'>Hello world</voice>")
}

func TestSynthesize_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := NewSynthesizer(Config{Key: "wrong", BaseURL: srv.URL}, testutil.CreateTestLogger(t))
	_, err := s.Synthesize(context.Background(), "hi")
	require.ErrorIs(t, err, ErrStatus)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "bad key")
}

func TestSynthesize_StopsOnCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 4800))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	s := NewSynthesizer(Config{Key: "k", BaseURL: srv.URL}, testutil.CreateTestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	chunks, err := s.Synthesize(ctx, "a long answer")
	require.NoError(t, err)

	select {
	case c := <-chunks:
		require.NoError(t, c.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("first chunk not delivered")
	}

	// Buffered chunks may still arrive; the stream must close.
	cancel()
	drain(t, chunks)
}
