package compress

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nvecd/nvecd/internal/similarity"
)

func TestCompressDecompressRoundTrip(t *testing.T) {
	results := []similarity.Result{
		{ID: "apple", Score: 0.92},
		{ID: "a-much-longer-identifier-with-punctuation_and.dots", Score: -3.5},
		{ID: "う", Score: 0},
	}
	compressed, originalSize, err := Compress(results)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	got, err := Decompress(compressed, originalSize)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if diff := cmp.Diff(results, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestCompressEmpty(t *testing.T) {
	compressed, originalSize, err := Compress(nil)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if originalSize != 0 {
		t.Errorf("originalSize = %d, want 0", originalSize)
	}
	got, err := Decompress(compressed, 0)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %v, want empty", got)
	}
}

func TestDecompressSizeMismatch(t *testing.T) {
	compressed, originalSize, err := Compress([]similarity.Result{{ID: "x", Score: 1}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decompress(compressed, originalSize+1); err == nil {
		t.Fatal("size mismatch accepted")
	}
}

func TestDecodeTruncatedRecord(t *testing.T) {
	raw := Encode([]similarity.Result{{ID: "apple", Score: 1}})
	if _, err := Decode(raw[:len(raw)-2]); err == nil {
		t.Fatal("truncated record accepted")
	}
}
