package testutil

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
)

// TestLogger writes to stdout rather than t.Log; client pumps may outlive the
// test that started them.
func TestLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, NoColor: true}).
		With().Timestamp().Str("test", t.Name()).Logger()
}
