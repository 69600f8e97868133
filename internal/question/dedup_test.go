package question

import (
	"testing"
	"time"

	"github.com/qsift/qsift/pkg/audio"
)

func TestDedupSuppressesSecondSimilar(t *testing.T) {
	t.Parallel()

	w := NewDedupWindow()
	if !w.Admit("このAPIの認証はどうやって設定するんですか？") {
		t.Fatal("first question should be admitted")
	}
	// Same question minus the particle: bigram overlap well above 0.7.
	if w.Admit("このAPIの認証はどうやって設定するんですか") {
		t.Error("near-duplicate should be suppressed")
	}
	if w.Len() != 1 {
		t.Errorf("window has %d entries, want 1 (suppression must not record)", w.Len())
	}
}

func TestDedupAdmitsDistinctQuestions(t *testing.T) {
	t.Parallel()

	w := NewDedupWindow()
	if !w.Admit("お名前は何ですか") {
		t.Fatal("first question should be admitted")
	}
	if !w.Admit("納期はいつになりますか") {
		t.Error("unrelated question should be admitted")
	}
}

func TestDedupWindowExpiry(t *testing.T) {
	t.Parallel()

	now := time.Now()
	w := NewDedupWindow(
		WithWindow(10*time.Second),
		WithNowFunc(func() time.Time { return now }),
	)

	if !w.Admit("このAPIの認証はどうやって設定するんですか？") {
		t.Fatal("first question should be admitted")
	}

	now = now.Add(11 * time.Second)
	if !w.Admit("このAPIの認証はどうやって設定するんですか？") {
		t.Error("repeat after the window expired should be admitted")
	}
}

func TestDedupShortTextFallback(t *testing.T) {
	t.Parallel()

	w := NewDedupWindow()
	if !w.Admit("なぜ？") {
		t.Fatal("first question should be admitted")
	}
	// Identical short text: Jaro-Winkler scores 1.0.
	if w.Admit("なぜ？") {
		t.Error("identical short question should be suppressed")
	}
}

func TestDedupNormalization(t *testing.T) {
	t.Parallel()

	w := NewDedupWindow()
	if !w.Admit("What is the current deadline?") {
		t.Fatal("first question should be admitted")
	}
	if w.Admit("  what is THE current   deadline?") {
		t.Error("case and whitespace variants should be suppressed")
	}
}

func TestDedupThresholdOption(t *testing.T) {
	t.Parallel()

	// With the threshold at 1.0 only exact matches are suppressed.
	w := NewDedupWindow(WithThreshold(1.0))
	if !w.Admit("このAPIの認証はどうやって設定するんですか？") {
		t.Fatal("first question should be admitted")
	}
	if !w.Admit("このAPIの認証はどうやって設定するんですか") {
		t.Error("near-but-not-exact duplicate should pass at threshold 1.0")
	}
}

func TestDedupReset(t *testing.T) {
	t.Parallel()

	w := NewDedupWindow()
	w.Admit("お名前は何ですか")
	w.Reset()
	if w.Len() != 0 {
		t.Errorf("window has %d entries after Reset, want 0", w.Len())
	}
	if !w.Admit("お名前は何ですか") {
		t.Error("repeat after Reset should be admitted")
	}
}

func TestNewDetected(t *testing.T) {
	t.Parallel()

	q := NewDetected("お名前は何ですか", audio.SourceOpponent, 0.9, ProvenanceDetector)
	if q.ID == "" {
		t.Error("ID should be populated")
	}
	q2 := NewDetected("お名前は何ですか", audio.SourceOpponent, 0.9, ProvenanceDetector)
	if q.ID == q2.ID {
		t.Error("IDs should be unique")
	}
	if q.Timestamp.IsZero() {
		t.Error("Timestamp should be populated")
	}
	if q.Source != audio.SourceOpponent || q.Provenance != ProvenanceDetector {
		t.Errorf("unexpected fields: %+v", q)
	}
}
