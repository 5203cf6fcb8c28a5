package bt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddr(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "colon separated",
			input: "AA:BB:CC:DD:EE:FF",
			want:  "AA:BB:CC:DD:EE:FF",
		},
		{
			name:  "dash separated lowercase",
			input: "aa-bb-cc-dd-ee-ff",
			want:  "AA:BB:CC:DD:EE:FF",
		},
		{
			name:  "bare hex",
			input: "0011223344ff",
			want:  "00:11:22:33:44:FF",
		},
		{
			name:    "too short",
			input:   "AA:BB:CC",
			wantErr: true,
		},
		{
			name:    "bad digit",
			input:   "AA:BB:CC:DD:EE:GG",
			wantErr: true,
		},
		{
			name:    "all zero",
			input:   "00:00:00:00:00:00",
			wantErr: true,
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := ParseAddr(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, addr.String())
			assert.False(t, addr.IsZero())
		})
	}
}

func TestAddrTextRoundTrip(t *testing.T) {
	addr := MustParseAddr("10:20:30:40:50:60")

	text, err := addr.MarshalText()
	require.NoError(t, err)

	var back Addr
	require.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, addr, back)
}

func TestAddrZero(t *testing.T) {
	var a Addr
	assert.True(t, a.IsZero())
	assert.Equal(t, "00:00:00:00:00:00", a.String())
}
