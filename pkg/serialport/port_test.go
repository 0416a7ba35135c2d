package serialport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpenUnavailable(t *testing.T) {
	_, err := Open(Config{
		Name:       "/dev/nonexistent-giga-port",
		BaudRate:   460800,
		MaxRetries: 0,
	})
	assert.ErrorIs(t, err, ErrUnavailable)
}
