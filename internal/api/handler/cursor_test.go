package handler

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/cuongbtq/image-enhancer/internal/jobstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobCursor_RoundTrip(t *testing.T) {
	in := &jobstore.Cursor{
		SubmittedAt: time.Date(2025, 3, 4, 5, 6, 7, 890, time.UTC),
		ID:          "3f1c2f0e-8a7e-4c59-9a55-1f0a9b1c2d3e",
	}

	out, err := DecodeJobCursor(EncodeJobCursor(in))
	require.NoError(t, err)
	assert.True(t, in.SubmittedAt.Equal(out.SubmittedAt))
	assert.Equal(t, in.ID, out.ID)
}

func TestDecodeJobCursor(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantNil bool
		wantErr bool
	}{
		{name: "empty is first page", input: "", wantNil: true},
		{name: "not base64", input: "!!!", wantErr: true},
		{name: "missing separator", input: base64.StdEncoding.EncodeToString([]byte("123")), wantErr: true},
		{name: "bad timestamp", input: base64.StdEncoding.EncodeToString([]byte("abc|id")), wantErr: true},
		{name: "missing id", input: base64.StdEncoding.EncodeToString([]byte("123|")), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := DecodeJobCursor(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, c)
			}
		})
	}
}
