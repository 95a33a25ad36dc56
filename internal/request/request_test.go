package request

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
)

func TestParseResponse(t *testing.T) {
	t.Parallel()

	results := map[string]dbus.Variant{"session_handle": dbus.MakeVariant("/s/1")}
	status, got, err := parseResponse([]any{uint32(1), results})
	assert.NoError(t, err)
	assert.Equal(t, Cancelled, status)
	assert.Equal(t, results, got)

	_, _, err = parseResponse([]any{uint32(0)})
	assert.ErrorIs(t, err, ErrUnexpectedResponse)

	_, _, err = parseResponse([]any{"0", results})
	assert.ErrorIs(t, err, ErrUnexpectedResponse)

	_, _, err = parseResponse([]any{uint32(0), "nope"})
	assert.ErrorIs(t, err, ErrUnexpectedResponse)
}
