package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"1024", 1024},
		{"1KB", 1024},
		{"16MB", 16 * 1024 * 1024},
		{"1.5GB", int64(1.5 * float64(GB))},
		{"2 TB", 2 * TB},
		{"100 mb", 100 * MB},
	}

	for _, tt := range tests {
		got, err := Parse(tt.input)
		require.NoError(t, err, "input %q", tt.input)
		assert.Equal(t, tt.want, got, "input %q", tt.input)
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	for _, input := range []string{"", "lots", "12XB", "-5MB"} {
		_, err := Parse(input)
		assert.Error(t, err, "input %q", input)
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0 B", Format(0))
	assert.Equal(t, "512 B", Format(512))
	assert.Equal(t, "16.00 MB", Format(16*MB))
	assert.Equal(t, "1.50 GB", Format(int64(1.5*float64(GB))))
}

func TestFormatParseRoundTrip(t *testing.T) {
	got, err := Parse(Format(16 * MB))
	require.NoError(t, err)
	assert.Equal(t, 16*MB, got)
}

func TestSizeUnmarshalYAML(t *testing.T) {
	var cfg struct {
		Cap Size `yaml:"cap"`
	}

	require.NoError(t, yaml.Unmarshal([]byte(`cap: "16MB"`), &cfg))
	assert.Equal(t, 16*MB, cfg.Cap.Bytes())

	require.NoError(t, yaml.Unmarshal([]byte(`cap: 4096`), &cfg))
	assert.Equal(t, int64(4096), cfg.Cap.Bytes())

	assert.Error(t, yaml.Unmarshal([]byte(`cap: "lots"`), &cfg))
}

func TestSizeString(t *testing.T) {
	assert.Equal(t, "16.00 MB", Size(16*MB).String())
}
