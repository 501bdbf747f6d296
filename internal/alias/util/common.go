package util

import (
	"io"
	"log/slog"
	"os"
)

// CloseFileFunc closes f on an error path where the close error has nowhere to go.
func CloseFileFunc(f *os.File) {
	if err := f.Close(); err != nil {
		slog.Warn("close file", "name", f.Name(), "err", err)
	}
}

// CloseLogged is CloseFileFunc for any closer.
func CloseLogged(what string, c io.Closer) {
	if err := c.Close(); err != nil {
		slog.Warn("close", "what", what, "err", err)
	}
}
