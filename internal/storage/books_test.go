package storage

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "scratch.bin")
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func TestDiskPutOpenRemove(t *testing.T) {
	d, err := NewDisk(filepath.Join(t.TempDir(), "books"), "http://localhost:8080/", 0)
	require.NoError(t, err)

	obj, err := d.Put(writeTemp(t, "hello book"), "abc_Eloquent_JavaScript.epub")
	require.NoError(t, err)
	assert.Equal(t, "abc_Eloquent_JavaScript.epub", obj.Path)
	assert.Equal(t, "http://localhost:8080/files/abc_Eloquent_JavaScript.epub", obj.PublicURL)
	assert.Equal(t, int64(10), obj.SizeBytes)

	rc, err := d.Open(obj.Path)
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "hello book", string(data))

	// Same name twice never overwrites.
	_, err = d.Put(writeTemp(t, "other"), obj.Path)
	assert.Error(t, err)

	require.NoError(t, d.Remove(obj.Path))
	require.NoError(t, d.Remove(obj.Path))
	_, err = d.Open(obj.Path)
	assert.Error(t, err)
}

func TestDiskRejectsOversizedAndEscapingNames(t *testing.T) {
	d, err := NewDisk(t.TempDir(), "http://x", 4)
	require.NoError(t, err)

	_, err = d.Put(writeTemp(t, "too large"), "big.pdf")
	assert.Error(t, err)
	_, statErr := os.Stat(filepath.Join(d.Dir, "big.pdf"))
	assert.True(t, os.IsNotExist(statErr))

	_, err = d.Put(writeTemp(t, "ok"), "../escape.pdf")
	assert.Error(t, err)
	assert.Error(t, d.Remove(".."))
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "You_Dont_Know_JS_Up_Going", SanitizeFilename("You Don't Know JS: Up & Going"))
	assert.Equal(t, "book", SanitizeFilename("!!!"))
	assert.Equal(t, "JavaScript_Allong", SanitizeFilename("JavaScript Allongé"))

	long := SanitizeFilename(strings.Repeat("word ", 40))
	assert.LessOrEqual(t, len(long), maxNameLength)
	assert.False(t, strings.HasSuffix(long, "_"))
}

func TestObjectNameIsUnique(t *testing.T) {
	a := ObjectName("Eloquent JavaScript", "EPUB")
	b := ObjectName("Eloquent JavaScript", "EPUB")
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasSuffix(a, "_Eloquent_JavaScript.epub"), a)
	assert.Len(t, strings.SplitN(a, "_", 2)[0], 36)
}
