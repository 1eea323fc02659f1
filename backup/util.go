package backup

import (
	"os"

	"al.essio.dev/pkg/shellescape"
	"github.com/docker/go-units"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

var log = zerolog.New(os.Stderr).With().Timestamp().Logger()

// SetLogger sets the global logger used throughout the backup package.
func SetLogger(logger zerolog.Logger) {
	log = logger
}

// syncFilesystems flushes all filesystem buffers to disk.
func syncFilesystems() {
	unix.Sync()
}

// quoteCommand renders argv the way a shell user would type it.
func quoteCommand(argv []string) string {
	return shellescape.QuoteCommand(argv)
}

// humanSize formats a byte count for status text.
func humanSize(n int64) string {
	return units.HumanSize(float64(n))
}
