package tgui

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscAndTags(t *testing.T) {
	t.Parallel()

	assert.Equal(t, H("a &lt;b&gt; &amp; &#34;c&#34;"), Esc(`a <b> & "c"`))
	assert.Equal(t, H("<b>x&lt;y</b>"), B("x<y"))
	assert.Equal(t, H("<code>rm -rf</code>"), Code("rm -rf"))
	assert.Equal(t, H("<b>t</b>\n\n<i>z</i>"), Lines(B("t"), "", I("z")))
}

func TestData(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		ns, act string
		payload string
		want    string
		wantErr bool
	}{
		{name: "no payload", ns: "quota", act: "bonus", want: "quota:bonus"},
		{name: "payload", ns: " ops ", act: "drain", payload: "7", want: "ops:drain:7"},
		{name: "too long", ns: "ns", act: "a", payload: strings.Repeat("x", 70), wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Data(tt.ns, tt.act, tt.payload)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrCallbackDataTooLong))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseData(t *testing.T) {
	t.Parallel()

	ns, act, payload, ok := ParseData("quota:bonus")
	require.True(t, ok)
	assert.Equal(t, "quota", ns)
	assert.Equal(t, "bonus", act)
	assert.Empty(t, payload)

	_, _, payload, ok = ParseData("media:get:https://x.test/a")
	require.True(t, ok)
	assert.Equal(t, "https://x.test/a", payload)

	for _, bad := range []string{"", "quota", ":bonus", "quota:"} {
		_, _, _, ok := ParseData(bad)
		assert.False(t, ok, bad)
	}
}

func TestTruncRunes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "héllo", TruncRunes("héllo", 5))
	assert.Equal(t, "hé…", TruncRunes("héllo", 2))
	assert.Equal(t, "", TruncRunes("abc", 0))
}

func TestFitLines(t *testing.T) {
	t.Parallel()

	lines := []string{"aaaa", "bbbb", "cccc"}
	got, dropped := FitLines(lines, 9)
	assert.Equal(t, []string{"aaaa", "bbbb"}, got)
	assert.Equal(t, 1, dropped)

	got, dropped = FitLines(lines, 100)
	assert.Len(t, got, 3)
	assert.Zero(t, dropped)
}
