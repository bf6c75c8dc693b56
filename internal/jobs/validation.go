package jobs

import (
	"encoding/json"
	"math"
	"net/url"
	"strings"
	"unicode/utf8"
)

// Validate checks intent against the constraints of its kind and returns
// the normalized parameters (defaults filled in, unknown keys dropped).
func Validate(in Intent) (map[string]any, error) {
	p := paramReader{src: in.Parameters}

	switch in.Kind {
	case KindImage:
		if err := checkText("prompt", in.Prompt, 5000); err != nil {
			return nil, err
		}
		if utf8.RuneCountInString(in.NegativePrompt) > 5000 {
			return nil, invalid("negative_prompt", "longer than 5000 characters")
		}
		out := map[string]any{
			"width":      p.intParam("width", 1024, 512, 2048),
			"height":     p.intParam("height", 1024, 512, 2048),
			"steps":      p.intParam("steps", 30, 1, 150),
			"cfg":        p.floatParam("cfg", 7.0, 1, 30),
			"sampler":    p.strParam("sampler", "euler_ancestral"),
			"scheduler":  p.strParam("scheduler", "normal"),
			"seed":       p.intParam("seed", -1, -1, math.MaxInt32),
			"batch_size": p.intParam("batch_size", 1, 1, 4),
		}
		return out, p.err

	case KindVideo:
		if err := checkText("prompt", in.Prompt, 5000); err != nil {
			return nil, err
		}
		out := map[string]any{
			"duration":   p.intParam("duration", 10, 1, 60),
			"fps":        p.intParam("fps", 24, 15, 60),
			"resolution": p.oneOf("resolution", "720p", "480p", "720p", "1080p"),
		}
		return out, p.err

	case KindVoice:
		if err := checkText("text", in.Prompt, 10000); err != nil {
			return nil, err
		}
		out := map[string]any{
			"language": p.strParam("language", "en"),
		}
		if v, ok := p.optString("voice_model"); ok {
			out["voice_model"] = v
		}
		if v, ok := p.optString("reference_audio_url"); ok {
			if u, err := url.Parse(v); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				p.fail(invalid("reference_audio_url", "must be an http(s) URL"))
			} else {
				out["reference_audio_url"] = v
			}
		}
		return out, p.err

	case KindText:
		if err := checkText("prompt", in.Prompt, 10000); err != nil {
			return nil, err
		}
		out := map[string]any{
			"max_tokens":  p.intParam("max_tokens", 2000, 1, 4000),
			"temperature": p.floatParam("temperature", 0.7, 0, 2),
		}
		return out, p.err
	}
	return nil, invalid("type", "unknown kind %q", in.Kind)
}

// Cost returns the credit cost of a job with normalized params.
func Cost(kind Kind, params map[string]any) int {
	switch kind {
	case KindImage:
		return asInt(params["batch_size"], 1)
	case KindVideo:
		return asInt(params["duration"], 1)
	case KindVoice:
		return 2
	default:
		return 1
	}
}

func checkText(field, s string, max int) error {
	n := utf8.RuneCountInString(s)
	if strings.TrimSpace(s) == "" {
		return invalid(field, "must not be empty")
	}
	if n > max {
		return invalid(field, "longer than %d characters", max)
	}
	return nil
}

// paramReader pulls typed values out of a loosely typed map, remembering
// the first error.
type paramReader struct {
	src map[string]any
	err error
}

func (r *paramReader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *paramReader) intParam(key string, def, min, max int) int {
	v, ok := r.src[key]
	if !ok || v == nil {
		return def
	}
	f, ok := toFloat(v)
	if !ok || f != math.Trunc(f) {
		r.fail(invalid(key, "must be an integer"))
		return def
	}
	n := int(f)
	if n < min || n > max {
		r.fail(invalid(key, "must be between %d and %d", min, max))
		return def
	}
	return n
}

func (r *paramReader) floatParam(key string, def, min, max float64) float64 {
	v, ok := r.src[key]
	if !ok || v == nil {
		return def
	}
	f, ok := toFloat(v)
	if !ok {
		r.fail(invalid(key, "must be a number"))
		return def
	}
	if f < min || f > max {
		r.fail(invalid(key, "must be between %g and %g", min, max))
		return def
	}
	return f
}

func (r *paramReader) strParam(key, def string) string {
	v, ok := r.src[key]
	if !ok || v == nil {
		return def
	}
	s, ok := v.(string)
	if !ok {
		r.fail(invalid(key, "must be a string"))
		return def
	}
	if strings.TrimSpace(s) == "" {
		r.fail(invalid(key, "must not be empty"))
		return def
	}
	return s
}

// optString reads a string that has no default. ok is false when the key
// is absent or invalid.
func (r *paramReader) optString(key string) (string, bool) {
	if v, ok := r.src[key]; !ok || v == nil {
		return "", false
	}
	s := r.strParam(key, "")
	return s, s != ""
}

func (r *paramReader) oneOf(key, def string, allowed ...string) string {
	s := r.strParam(key, def)
	for _, a := range allowed {
		if s == a {
			return s
		}
	}
	r.fail(invalid(key, "must be one of %s", strings.Join(allowed, ", ")))
	return def
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func asInt(v any, def int) int {
	if f, ok := toFloat(v); ok {
		return int(f)
	}
	return def
}
