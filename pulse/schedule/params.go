package schedule

import (
	"fmt"
	"strings"

	"github.com/contentops/autopilot/errors"
)

// Parameter keys understood by the pipeline stages. Anything else is passed
// through untouched.
const (
	ParamKeywords     = "keywords"
	ParamHashtags     = "hashtags"
	ParamTemplate     = "template"
	ParamAutoPublish  = "auto_publish" // blog
	ParamAutoPost     = "auto_post"    // social
	ParamImageStyle   = "image_style"
	ParamMaxHashtags  = "max_hashtags"
	ParamPublishDelay = "publish_delay_minutes"
	ParamBlogID       = "blog_id"
	ParamCategory     = "category"
	ParamTags         = "tags"
)

const (
	MaxKeywords       = 20
	MaxHashtags       = 30
	DefaultImageStyle = "modern"
)

// Params is the opaque parameter bag handed to the pipeline.
type Params map[string]any

// Clone returns a shallow copy, so a run snapshot cannot alias the job.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// String returns the string value for key, or "".
func (p Params) String(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// Bool returns the boolean value for key, or def when absent.
func (p Params) Bool(key string, def bool) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(v) {
		case "true", "yes", "1":
			return true
		case "false", "no", "0":
			return false
		}
	}
	return def
}

// Int returns the integer value for key. JSON decodes numbers as float64 and
// TOML as int64, so both are accepted.
func (p Params) Int(key string) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Strings returns the string list for key. A single string is treated as a
// one-element list.
func (p Params) Strings(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}

func (p Params) Keywords() []string { return p.Strings(ParamKeywords) }
func (p Params) Hashtags() []string { return p.Strings(ParamHashtags) }
func (p Params) Template() string   { return p.String(ParamTemplate) }

// AutoPublish reports whether the publish stage should run for platform.
// Defaults to false: runs end as drafts until an operator opts in.
func (p Params) AutoPublish(platform Platform) bool {
	if platform == PlatformSocial {
		return p.Bool(ParamAutoPost, false)
	}
	return p.Bool(ParamAutoPublish, false)
}

// ValidateParams checks the parameters a job needs for its platform and
// returns a normalised copy. Failures are configuration errors.
func ValidateParams(platform Platform, params Params) (Params, error) {
	out := params.Clone()

	switch platform {
	case PlatformBlog:
		keywords, err := cleanList(out.Keywords(), ParamKeywords, MaxKeywords)
		if err != nil {
			return nil, err
		}
		out[ParamKeywords] = keywords

	case PlatformSocial:
		tags, err := cleanList(out.Hashtags(), ParamHashtags, MaxHashtags)
		if err != nil {
			return nil, err
		}
		for i, tag := range tags {
			tags[i] = NormalizeHashtag(tag)
		}
		out[ParamHashtags] = tags

		if _, ok := out[ParamMaxHashtags]; ok {
			if n := out.Int(ParamMaxHashtags); n < 1 || n > MaxHashtags {
				return nil, errors.NewConfigurationError("%s must be between 1 and %d", ParamMaxHashtags, MaxHashtags)
			}
		}
		if out.String(ParamImageStyle) == "" {
			out[ParamImageStyle] = DefaultImageStyle
		}

	default:
		return nil, errors.NewConfigurationError("unknown platform %q", platform)
	}

	if _, ok := out[ParamPublishDelay]; ok && out.Int(ParamPublishDelay) < 0 {
		return nil, errors.NewConfigurationError("%s must not be negative", ParamPublishDelay)
	}

	return out, nil
}

// NormalizeHashtag ensures a single leading '#'.
func NormalizeHashtag(tag string) string {
	return "#" + strings.TrimLeft(strings.TrimSpace(tag), "#")
}

func cleanList(items []string, key string, max int) ([]string, error) {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item != "" && item != "#" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return nil, errors.NewConfigurationError("%s: at least one entry is required", key)
	}
	if len(out) > max {
		return nil, errors.NewConfigurationError("%s: at most %d entries allowed, got %d", key, max, len(out))
	}
	return out, nil
}
