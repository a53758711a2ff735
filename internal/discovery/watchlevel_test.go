package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChildTrackerInstallsOncePerChild(t *testing.T) {
	var installed []string
	tracker := newChildTracker("/base", func(childPath string) {
		installed = append(installed, childPath)
	})

	tracker.observe(nil)
	assert.Empty(t, installed)

	tracker.observe([]string{"a", "b"})
	assert.Equal(t, []string{"/base/a", "/base/b"}, installed)

	// Children watches re-fire with the full list; known children must
	// not be descended into again.
	tracker.observe([]string{"a", "b", "c"})
	assert.Equal(t, []string{"/base/a", "/base/b", "/base/c"}, installed)

	// A child that vanished and came back keeps its watch from the
	// first installation.
	tracker.observe([]string{"b"})
	tracker.observe([]string{"a", "b"})
	assert.Len(t, installed, 3)
}
