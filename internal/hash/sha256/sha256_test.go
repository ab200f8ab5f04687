package sha256

import "testing"

func TestHashKnownVectors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{"hello world", "hello world", "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"},
	}

	h := New()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := h.Hash([]byte(tc.input))
			if err != nil {
				t.Fatalf("Hash(%q) error = %v", tc.input, err)
			}
			if got != tc.want {
				t.Fatalf("Hash(%q) = %s, want %s", tc.input, got, tc.want)
			}
		})
	}
}

func TestHashIsDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	first, _ := h.Hash([]byte("https://example.com/page"))
	second, _ := h.Hash([]byte("https://example.com/page"))
	if first != second {
		t.Fatalf("digests differ for identical input: %s vs %s", first, second)
	}
}
