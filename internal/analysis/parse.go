package analysis

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/bytedance/sonic"
)

var (
	ErrInvalidAnalysis   = errors.New("analysis has an invalid shape")
	ErrNoStructuredBlock = errors.New("analysis contains no JSON object")
)

// Result is the validated performance analysis of one session.
type Result struct {
	Score        float64  `json:"score"`
	Advice       []string `json:"advice"`
	Improvements []string `json:"improvements"`
}

var fencePattern = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")

// Parse extracts an analysis from model or service output. It accepts a bare
// JSON document, a fenced ```json block, or the first balanced {...} object
// embedded in prose, in that order.
func Parse(raw string) (Result, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Result{}, ErrNoStructuredBlock
	}

	for _, candidate := range candidates(raw) {
		var doc map[string]any
		if err := sonic.UnmarshalString(candidate, &doc); err != nil {
			continue
		}
		return validate(doc)
	}
	return Result{}, ErrNoStructuredBlock
}

func candidates(raw string) []string {
	out := []string{raw}
	if m := fencePattern.FindStringSubmatch(raw); m != nil {
		out = append(out, strings.TrimSpace(m[1]))
	}
	if obj, ok := firstObject(raw); ok {
		out = append(out, obj)
	}
	return out
}

// firstObject returns the first brace-balanced object, ignoring braces that
// appear inside JSON strings.
func firstObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func validate(doc map[string]any) (Result, error) {
	score, ok := doc["score"].(float64)
	if !ok {
		return Result{}, fmt.Errorf("%w: score must be a number", ErrInvalidAnalysis)
	}
	advice, err := stringList(doc, "advice")
	if err != nil {
		return Result{}, err
	}
	improvements, err := stringList(doc, "improvements", "areasForImprovement", "areas_for_improvement")
	if err != nil {
		return Result{}, err
	}
	return Result{Score: clampScore(score), Advice: advice, Improvements: improvements}, nil
}

func stringList(doc map[string]any, keys ...string) ([]string, error) {
	for _, key := range keys {
		v, present := doc[key]
		if !present {
			continue
		}
		items, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s must be an array", ErrInvalidAnalysis, key)
		}
		out := make([]string, 0, len(items))
		for _, item := range items {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s must contain only strings", ErrInvalidAnalysis, key)
			}
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s is missing", ErrInvalidAnalysis, keys[0])
}

func clampScore(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
