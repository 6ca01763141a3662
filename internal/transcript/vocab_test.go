package transcript_test

import (
	"testing"

	"github.com/MrWong99/voxgate/internal/transcript"
)

func TestCorrector_Correct(t *testing.T) {
	t.Parallel()

	vocabulary := []string{"Voxgate", "Main Street Dental"}
	tests := []struct {
		name     string
		in       string
		want     string
		original []string
	}{
		{
			name:     "split term joined",
			in:       "please call vox gate support",
			want:     "please call Voxgate support",
			original: []string{"vox gate"},
		},
		{
			name:     "case restored",
			in:       "Is VOXGATE open?",
			want:     "Is Voxgate open?",
			original: []string{"VOXGATE"},
		},
		{
			name:     "trailing punctuation kept",
			in:       "call vox gate.",
			want:     "call Voxgate.",
			original: []string{"vox gate"},
		},
		{
			name:     "surrounding words not absorbed",
			in:       "book me at main street dental please",
			want:     "book me at Main Street Dental please",
			original: []string{"main street dental"},
		},
		{
			name:     "two terms",
			in:       "vox gate is on main street dental",
			want:     "Voxgate is on Main Street Dental",
			original: []string{"vox gate", "main street dental"},
		},
		{
			name: "already canonical",
			in:   "Voxgate  works",
			want: "Voxgate  works",
		},
		{
			name: "punctuation splits window",
			in:   "vox, gate",
			want: "vox, gate",
		},
		{
			name: "unrelated text",
			in:   "hello world",
			want: "hello world",
		},
	}

	c := transcript.NewCorrector(vocabulary)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, corrections := c.Correct(tt.in)
			if got != tt.want {
				t.Errorf("Correct(%q) = %q, want %q", tt.in, got, tt.want)
			}
			if len(corrections) != len(tt.original) {
				t.Fatalf("corrections = %+v, want %d", corrections, len(tt.original))
			}
			for i, corr := range corrections {
				if corr.Original != tt.original[i] {
					t.Errorf("correction %d original = %q, want %q", i, corr.Original, tt.original[i])
				}
				if corr.Confidence <= 0 || corr.Confidence > 1 {
					t.Errorf("correction %d confidence = %f", i, corr.Confidence)
				}
			}
		})
	}
}

func TestCorrector_EmptyVocabulary(t *testing.T) {
	t.Parallel()
	c := transcript.NewCorrector([]string{"", "   "})
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}
	if got, corr := c.Correct("vox gate"); got != "vox gate" || corr != nil {
		t.Errorf("Correct = %q, %v", got, corr)
	}
}

func TestCorrector_Thresholds(t *testing.T) {
	t.Parallel()
	// A threshold above any similarity disables every inexact match.
	c := transcript.NewCorrector([]string{"Voxgate"},
		transcript.WithPhoneticThreshold(1.01),
		transcript.WithFuzzyThreshold(1.01),
	)
	if got, _ := c.Correct("vox gates"); got != "vox gates" {
		t.Errorf("Correct = %q, want unchanged", got)
	}
}
