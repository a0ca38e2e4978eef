package phonetic

import "testing"

func TestTranscribe(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"Hello", "hello"},
		{"  LA ", "la"},
		{"你好", "ni hao"},
		{"中", "zhong"},
		{"爱 you", "ai you"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := Transcribe(tc.in); got != tc.want {
			t.Errorf("Transcribe(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestContainsHan(t *testing.T) {
	if ContainsHan("abc") {
		t.Fatal("ascii reported as han")
	}
	if !ContainsHan("a中") {
		t.Fatal("han character not detected")
	}
}
