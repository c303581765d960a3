package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrapped(t *testing.T) {
	base := Wrap(KindUpload, "upload failed", errors.New("503"))
	err := fmt.Errorf("ingest: %w", base)

	assert.Equal(t, KindUpload, KindOf(err))
	assert.True(t, Is(err, KindUpload))
	assert.False(t, Is(err, KindInsert))
	assert.Equal(t, "503", base.Detail())
}

func TestTransient(t *testing.T) {
	assert.True(t, Transient(New(KindControlTimeout, "x")))
	assert.True(t, Transient(New(KindEventTimeout, "x")))
	assert.True(t, Transient(New(KindPopupInterference, "x")))
	assert.True(t, Transient(New(KindEmptyDownload, "x")))

	assert.False(t, Transient(New(KindNavigationRefused, "x")))
	assert.False(t, Transient(New(KindBrowserLaunch, "x")))
	assert.False(t, Transient(errors.New("plain")))
	assert.False(t, Transient(nil))
}
