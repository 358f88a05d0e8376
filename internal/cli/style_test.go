package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStyles_PlainWhenNotTerminal(t *testing.T) {
	sty := newStyles(&bytes.Buffer{})

	assert.Equal(t, "✓", sty.mark(true))
	assert.Equal(t, "✗", sty.mark(false))
	assert.Equal(t, "Outcomes", sty.title.Render("Outcomes"))
}
