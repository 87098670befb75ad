package speech

import (
	"bytes"
	"errors"
	"strings"
	"time"
)

// ErrMalformedFrame is returned for a text frame without a header block.
var ErrMalformedFrame = errors.New("speech: malformed frame")

// Frame paths used on the synthesis websocket.
const (
	PathSpeechConfig     = "speech.config"
	PathSynthesisContext = "synthesis.context"
	PathSynthesisControl = "synthesis.control"
	PathSSML             = "ssml"
	PathTurnStart        = "turn.start"
	PathTurnEnd          = "turn.end"
)

const headerSep = "\r\n\r\n"

// frame is one header-framed text message: CRLF separated headers, a blank
// line, then the body.
type frame struct {
	Path        string
	RequestID   string
	ContentType string
	Body        []byte
}

func (f frame) encode() []byte {
	var b bytes.Buffer
	b.WriteString("Path: " + f.Path + "\r\n")
	b.WriteString("X-RequestId: " + f.RequestID + "\r\n")
	b.WriteString("X-Timestamp: " + time.Now().UTC().Format("2006-01-02T15:04:05.000Z") + "\r\n")
	b.WriteString("Content-Type: " + f.ContentType + headerSep)
	b.Write(f.Body)
	return b.Bytes()
}

func parseFrame(data []byte) (frame, error) {
	head, body, ok := bytes.Cut(data, []byte(headerSep))
	if !ok {
		return frame{}, ErrMalformedFrame
	}

	var f frame
	for _, line := range strings.Split(string(head), "\r\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "path":
			f.Path = value
		case "x-requestid":
			f.RequestID = value
		case "content-type":
			f.ContentType = value
		}
	}
	if f.Path == "" {
		return frame{}, ErrMalformedFrame
	}
	f.Body = body
	return f, nil
}
