package service

import (
	"reflect"
	"testing"

	"github.com/maheshrc27/postflow/internal/models"
)

func TestContentParts(t *testing.T) {
	cases := []struct {
		name    string
		post    models.Post
		threads bool
		want    []string
	}{
		{
			name: "override",
			post: models.Post{Caption: "default", Overrides: map[string]string{models.PlatformMastodon: "<b>toot</b> &lt;3"}},
			want: []string{"toot <3"},
		},
		{
			name:    "one part thread is the body",
			post:    models.Post{Thread: []string{"<p>only</p>"}, Numbered: true},
			threads: true,
			want:    []string{"only"},
		},
		{
			name:    "blank parts leave one body",
			post:    models.Post{Thread: []string{" ", "left"}, Numbered: true},
			threads: true,
			want:    []string{"left"},
		},
		{
			name:    "all parts empty",
			post:    models.Post{Thread: []string{"<p></p>", " "}},
			threads: true,
			want:    nil,
		},
		{
			name:    "numbered thread",
			post:    models.Post{Thread: []string{"a", " ", "b"}, Numbered: true},
			threads: true,
			want:    []string{"a (1/2)", "b (2/2)"},
		},
		{
			name: "joined without replies",
			post: models.Post{Thread: []string{"a", "b"}, Numbered: true},
			want: []string{"a\n\nb"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := contentParts(&tc.post, models.PlatformMastodon, tc.threads)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}
