package schedule

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contentops/autopilot/errors"
)

func TestValidateParamsBlog(t *testing.T) {
	out, err := ValidateParams(PlatformBlog, Params{
		ParamKeywords: []any{" coffee ", "", "espresso"},
		ParamTemplate: "review",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"coffee", "espresso"}, out.Keywords())
	assert.Equal(t, "review", out.Template())
	assert.False(t, out.AutoPublish(PlatformBlog), "drafts unless opted in")
}

func TestValidateParamsSocialNormalisesHashtags(t *testing.T) {
	in := Params{ParamHashtags: []string{"coffee", "#latte", "##art"}, ParamAutoPost: "yes"}
	out, err := ValidateParams(PlatformSocial, in)
	require.NoError(t, err)

	assert.Equal(t, []string{"#coffee", "#latte", "#art"}, out.Hashtags())
	assert.Equal(t, DefaultImageStyle, out.String(ParamImageStyle))
	assert.True(t, out.AutoPublish(PlatformSocial))
	assert.Equal(t, []string{"coffee", "#latte", "##art"}, in.Hashtags(), "input is not modified")
}

func TestValidateParamsLimits(t *testing.T) {
	many := make([]string, MaxKeywords+1)
	for i := range many {
		many[i] = fmt.Sprintf("kw%d", i)
	}

	tests := []struct {
		name     string
		platform Platform
		params   Params
	}{
		{"no keywords", PlatformBlog, Params{}},
		{"too many keywords", PlatformBlog, Params{ParamKeywords: many}},
		{"blank hashtags", PlatformSocial, Params{ParamHashtags: []string{"#", " "}}},
		{"max hashtags out of range", PlatformSocial, Params{ParamHashtags: []string{"a"}, ParamMaxHashtags: 31}},
		{"negative delay", PlatformBlog, Params{ParamKeywords: "tea", ParamPublishDelay: -5}},
		{"unknown platform", Platform("newsletter"), Params{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateParams(tt.platform, tt.params)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrConfiguration))
		})
	}
}

func TestParamsFromJSON(t *testing.T) {
	var p Params
	require.NoError(t, json.Unmarshal([]byte(`{"keywords":["tea"],"publish_delay_minutes":15,"auto_publish":true}`), &p))

	assert.Equal(t, []string{"tea"}, p.Keywords())
	assert.Equal(t, 15, p.Int(ParamPublishDelay))
	assert.True(t, p.AutoPublish(PlatformBlog))
	assert.False(t, p.AutoPublish(PlatformSocial))
}
