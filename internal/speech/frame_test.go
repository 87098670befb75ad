package speech

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame_EncodeParse(t *testing.T) {
	in := frame{Path: PathSSML, RequestID: "abc123", ContentType: ssmlMediaType, Body: []byte("<speak/>")}
	out, err := parseFrame(in.encode())
	require.NoError(t, err)

	assert.Equal(t, in.Path, out.Path)
	assert.Equal(t, in.RequestID, out.RequestID)
	assert.Equal(t, in.ContentType, out.ContentType)
	assert.Equal(t, "<speak/>", string(out.Body))
}

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		path    string
		body    string
		wantErr bool
	}{
		{"turn start", "X-RequestId:1\r\nPath:turn.start\r\nContent-Type:application/json\r\n\r\n{}", PathTurnStart, "{}", false},
		{"case insensitive", "path: turn.end\r\n\r\n", PathTurnEnd, "", false},
		{"no separator", "Path: turn.end", "", "", true},
		{"no path", "X-RequestId: 1\r\n\r\n{}", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := parseFrame([]byte(tt.data))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedFrame)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.path, f.Path)
			assert.Equal(t, tt.body, string(f.Body))
		})
	}
}
