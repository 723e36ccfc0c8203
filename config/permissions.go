package config

import (
	"io/fs"
	"strconv"

	"github.com/pkg/errors"
)

// ParseMode parses an octal permission string like "0644" into an
// fs.FileMode. An empty string means "unset" and returns 0, which every
// driver in server/ treats as "leave the default alone".
func ParseMode(octal string) (fs.FileMode, error) {
	if octal == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(octal, 8, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid permission %q", octal)
	}
	return fs.FileMode(v), nil
}
