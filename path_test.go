package lwm2m

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePath(t *testing.T) {
	tests := []struct {
		name     string
		segments []string
		prefix   string
		want     Path
		wantErr  bool
	}{
		{
			name:     "empty",
			segments: nil,
			want:     NewPath(-1, -1, -1),
		},
		{
			name:     "object",
			segments: []string{"3"},
			want:     NewPath(3, -1, -1),
		},
		{
			name:     "instance",
			segments: []string{"3", "0"},
			want:     NewPath(3, 0, -1),
		},
		{
			name:     "resource",
			segments: []string{"3", "0", "13"},
			want:     NewPath(3, 0, 13),
		},
		{
			name:     "prefix stripped",
			segments: []string{"lwm2m", "1", "0"},
			prefix:   "lwm2m",
			want:     NewPath(1, 0, -1),
		},
		{
			name:     "prefix absent from request",
			segments: []string{"1", "0"},
			prefix:   "lwm2m",
			want:     NewPath(1, 0, -1),
		},
		{
			name:     "too many segments",
			segments: []string{"1", "2", "3", "4"},
			wantErr:  true,
		},
		{
			name:     "non numeric",
			segments: []string{"device"},
			wantErr:  true,
		},
		{
			name:     "id past 16 bits",
			segments: []string{"65536"},
			wantErr:  true,
		},
		{
			name:     "negative",
			segments: []string{"-1"},
			wantErr:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePath(tt.segments, tt.prefix)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrBadRequest)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePathString(t *testing.T) {
	got, err := ParsePathString("/3303/0/5700", "")
	require.NoError(t, err)
	assert.Equal(t, NewPath(3303, 0, 5700), got)

	got, err = ParsePathString("3303/0", "")
	require.NoError(t, err)
	assert.Equal(t, NewPath(3303, 0, -1), got)

	got, err = ParsePathString("/", "")
	require.NoError(t, err)
	assert.Equal(t, NewPath(-1, -1, -1), got)

	_, err = ParsePathString("/a/b", "")
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestPathString(t *testing.T) {
	assert.Equal(t, "/3/0/13", NewPath(3, 0, 13).String())
	assert.Equal(t, "/3/0", NewPath(3, 0, -1).String())
	assert.Equal(t, "/3", NewPath(3, -1, -1).String())
	assert.Equal(t, "/", NewPath(-1, -1, -1).String())
}

func TestPathLen(t *testing.T) {
	assert.Equal(t, 0, NewPath(-1, -1, -1).Len())
	assert.Equal(t, 1, NewPath(5, -1, -1).Len())
	assert.Equal(t, 2, NewPath(5, 1, -1).Len())
	assert.Equal(t, 3, NewPath(5, 1, 9).Len())
}
