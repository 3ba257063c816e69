package room

import "testing"

func TestNormalizeVideoIDAccepted(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"  dQw4w9WgXcQ  ", "dQw4w9WgXcQ"},
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ&t=42s", "dQw4w9WgXcQ"},
		{"https://www.youtube.com/watch?list=PL123&v=dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://youtu.be/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://youtu.be/dQw4w9WgXcQ?t=10", "dQw4w9WgXcQ"},
		{"https://www.youtube.com/embed/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://www.youtube.com/embed/dQw4w9WgXcQ?autoplay=1", "dQw4w9WgXcQ"},
		{"watch?v=a-b_c123XYZ", "a-b_c123XYZ"},
	}
	for _, tc := range cases {
		got, err := NormalizeVideoID(tc.in)
		if err != nil {
			t.Errorf("NormalizeVideoID(%q) unexpected error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("NormalizeVideoID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeVideoIDRejected(t *testing.T) {
	cases := []string{
		"",
		"tooshort",
		"exactly12chars",
		"dQw4w9WgXc!",         // bad alphabet
		"dQw4w9WgXcQQ",        // 12 chars
		"https://example.com/video/dQw4w9WgXcQ",
		"https://www.youtube.com/watch?v=short",
		"https://youtu.be/",
		"javascript:alert(1)",
	}
	for _, in := range cases {
		if got, err := NormalizeVideoID(in); err == nil {
			t.Errorf("NormalizeVideoID(%q) = %q, want rejection", in, got)
		}
	}
}
