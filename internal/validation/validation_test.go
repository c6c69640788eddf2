package validation

import "testing"

func TestValidateWorkspaceID(t *testing.T) {
	cases := []struct {
		id      string
		wantErr bool
	}{
		{"550e8400-e29b-41d4-a716-446655440000", false},
		{"", true},
		{"not-a-uuid", true},
		{"550e8400e29b41d4a716446655440000", true},
	}
	for _, c := range cases {
		err := ValidateWorkspaceID(c.id)
		if (err != nil) != c.wantErr {
			t.Errorf("ValidateWorkspaceID(%q) error = %v, wantErr %v", c.id, err, c.wantErr)
		}
	}
}

func TestContainsDotDot(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"../escape.txt", true},
		{"a/../b", true},
		{"a..b", false},
		{"out.pptx", false},
		{"nested/out.pptx", false},
		{"..", true},
	}
	for _, c := range cases {
		if got := ContainsDotDot(c.path); got != c.want {
			t.Errorf("ContainsDotDot(%q) = %v, want %v", c.path, got, c.want)
		}
	}
}

func TestIsBasename(t *testing.T) {
	cases := []struct {
		value string
		want  bool
	}{
		{"out.pptx", true},
		{"dir/out.pptx", false},
		{"", false},
		{`win\path.txt`, false},
	}
	for _, c := range cases {
		if got := IsBasename(c.value); got != c.want {
			t.Errorf("IsBasename(%q) = %v, want %v", c.value, got, c.want)
		}
	}
}
