package nearme

import "testing"

func TestIsNearMeQuery(t *testing.T) {
	cases := []struct {
		query string
		want  bool
	}{
		{"restaurants near me", true},
		{"NEARBY sushi", true},
		{"מסעדות לידי", true},
		{"משהו קרוב אליי בבקשה", true},
		{"best pizza in tel aviv", false},
		{"800 meters from the Eiffel Tower", false},
		{"מסעדות ממני", true},
	}
	for _, c := range cases {
		if got := IsNearMeQuery(c.query); got != c.want {
			t.Errorf("IsNearMeQuery(%q) = %v, want %v", c.query, got, c.want)
		}
	}
}

func TestDetectQueryLanguage(t *testing.T) {
	cases := []struct {
		query string
		want  string
	}{
		{"מסעדות טובות בתל אביב", "he"},
		{"best pizza near me", "en"},
		{"pizza ליד הבית", "he"},
		{"", "en"},
	}
	for _, c := range cases {
		if got := DetectQueryLanguage(c.query); got != c.want {
			t.Errorf("DetectQueryLanguage(%q) = %q, want %q", c.query, got, c.want)
		}
	}
}
