package results

import (
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/ent0n29/pitchcoach/internal/transcript"
)

// The list columns are stored as JSON text in both SQL backends.

func encodeLists(r Record) (advice, improvements, entries string, err error) {
	if advice, err = sonic.MarshalString(r.Advice); err != nil {
		return "", "", "", fmt.Errorf("encode advice: %w", err)
	}
	if improvements, err = sonic.MarshalString(r.Improvements); err != nil {
		return "", "", "", fmt.Errorf("encode improvements: %w", err)
	}
	if entries, err = sonic.MarshalString(r.Transcript); err != nil {
		return "", "", "", fmt.Errorf("encode transcript: %w", err)
	}
	return advice, improvements, entries, nil
}

func decodeLists(r *Record, advice, improvements, entries string) error {
	r.Advice = []string{}
	r.Improvements = []string{}
	r.Transcript = []transcript.Entry{}
	if err := sonic.UnmarshalString(advice, &r.Advice); err != nil {
		return fmt.Errorf("decode advice: %w", err)
	}
	if err := sonic.UnmarshalString(improvements, &r.Improvements); err != nil {
		return fmt.Errorf("decode improvements: %w", err)
	}
	if err := sonic.UnmarshalString(entries, &r.Transcript); err != nil {
		return fmt.Errorf("decode transcript: %w", err)
	}
	return nil
}
