package markdown

import (
	"strings"
	"testing"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name    string
		r       *Renderer
		src     string
		want    []string
		notWant []string
	}{
		{
			name: "heading and emphasis",
			r:    New(),
			src:  "# Title\n\nsome *text*",
			want: []string{`<h1 id="title">Title</h1>`, "<em>text</em>"},
		},
		{
			name: "gfm table and strikethrough",
			r:    New(),
			src:  "| a | b |\n|---|---|\n| 1 | 2 |\n\n~~old~~",
			want: []string{"<table>", "<td>1</td>", "<del>old</del>"},
		},
		{
			name: "task list",
			r:    New(),
			src:  "- [x] done\n- [ ] todo",
			want: []string{`type="checkbox"`, "checked"},
		},
		{
			name:    "raw html omitted",
			r:       New(),
			src:     "<script>alert(1)</script>\n\nok",
			want:    []string{"<p>ok</p>"},
			notWant: []string{"<script>"},
		},
		{
			name: "raw html allowed",
			r:    New(AllowHTML()),
			src:  "<div class=\"x\">hi</div>",
			want: []string{`<div class="x">hi</div>`},
		},
		{
			name:    "frontmatter stripped",
			r:       New(),
			src:     "---\ntitle: Note\n---\n# Body",
			want:    []string{"Body</h1>"},
			notWant: []string{"title: Note"},
		},
		{
			name: "frontmatter kept",
			r:    New(KeepFrontmatter()),
			src:  "---\ntitle: Note\n---\n# Body",
			want: []string{"title: Note"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.r.Render(tt.src)
			if err != nil {
				t.Fatalf("Render() error = %v", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("Render() missing %q:\n%s", w, got)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(got, w) {
					t.Errorf("Render() contains %q:\n%s", w, got)
				}
			}
		})
	}
}
