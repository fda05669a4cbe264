package failure

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelsMatchWrappedFailures(t *testing.T) {
	err := fmt.Errorf("load preview: %w", New(KindEmptyFile, "0 bytes"))
	assert.True(t, errors.Is(err, ErrEmptyFile))
	assert.False(t, errors.Is(err, ErrFileTooLarge))
	assert.Equal(t, KindEmptyFile, KindOf(err))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("zip: not a valid zip file")
	err := Wrap(KindCorruptArchive, cause, "open archive")
	require.ErrorIs(t, err, cause)
	assert.Equal(t, "corrupt_archive: open archive: zip: not a valid zip file", err.Error())
}

func TestUserMessage(t *testing.T) {
	assert.Equal(t, "", UserMessage(nil))
	assert.Equal(t, genericMessage, UserMessage(errors.New("boom")))
	assert.Equal(t, userMessages[KindNoSheets], UserMessage(New(KindNoSheets, "workbook")))
	parseMsg := UserMessage(Wrap(KindParse, errors.New("open /srv/data/x.xlsx: bad cell"), "read sheet"))
	assert.Equal(t, userMessages[KindParse], parseMsg)
	assert.NotContains(t, parseMsg, "/srv/data")

	for kind := range userMessages {
		assert.NotEmpty(t, UserMessage(&Error{Kind: kind}), kind)
	}
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}
