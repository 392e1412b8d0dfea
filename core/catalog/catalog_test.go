package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/nexlearn/core"
)

func TestLoad(t *testing.T) {
	cat, err := Load()
	require.NoError(t, err)

	courses := cat.All()
	require.Len(t, courses, 10)
	assert.Equal(t, "eh-fund", courses[0].ID)

	course, err := cat.Get("eh-fund")
	require.NoError(t, err)
	assert.Equal(t, "Ethical Hacking Fundamentals", course.Title)
	assert.Len(t, course.Modules, 10)
	assert.Equal(t, Module{Title: "Introduction & Lab Setup", Type: ModuleLesson, Duration: "20m"}, course.Modules[0])
	assert.True(t, course.HasModule("Scanning & Enumeration"))
	assert.False(t, course.HasModule("Scanning"))

	_, err = cat.Get("nope")
	assert.True(t, core.IsNotFound(err))

	path, err := cat.Path("mobile-forensics-path")
	require.NoError(t, err)
	assert.Equal(t, []string{"mobile-forensics-fund", "mobile-forensics-core"}, []string{path.Courses[0].ID, path.Courses[1].ID})
	assert.Len(t, cat.Paths(), 1)

	_, err = cat.Path("nope")
	assert.True(t, core.IsNotFound(err))

	// callers cannot alter the catalog
	courses[0].ID = "changed"
	again, _ := cat.Get("eh-fund")
	assert.Equal(t, "eh-fund", again.ID)
}

func TestParse_invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{name: "malformed", doc: `{`, want: "decoding catalog"},
		{name: "missing id", doc: `{"courses":[{"title":"x"}]}`, want: "course #0 has no id"},
		{name: "duplicate", doc: `{"courses":[{"id":"a"},{"id":"a"}]}`, want: `duplicate course "a"`},
		{
			name: "dangling path",
			doc:  `{"courses":[{"id":"a"}],"learning_paths":[{"id":"p","courses":[{"id":"b"}]}]}`,
			want: `learning path "p" references unknown course "b"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
