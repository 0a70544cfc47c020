package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLineWriterEmitsCompleteLines(t *testing.T) {
	var lines []string
	w := NewLineWriter(func(line string) { lines = append(lines, line) })

	w.Write([]byte("first line\nsecond "))
	w.Write([]byte("line\n"))
	assert.Equal(t, []string{"first line", "second line"}, lines)
}

func TestLineWriterFlushesPartial(t *testing.T) {
	var lines []string
	w := NewLineWriter(func(line string) { lines = append(lines, line) })

	w.Write([]byte("no newline"))
	assert.Empty(t, lines)

	w.Flush()
	assert.Equal(t, []string{"no newline"}, lines)
}

func TestLineWriterMultipleLinesPerWrite(t *testing.T) {
	var lines []string
	w := NewLineWriter(func(line string) { lines = append(lines, line) })

	w.Write([]byte("a\nb\nc\n"))
	assert.Equal(t, []string{"a", "b", "c"}, lines)
}
