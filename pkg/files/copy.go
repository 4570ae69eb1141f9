package files

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// CopyFile copies src to dst, replacing dst if it exists. The copy
// keeps the source permission bits so compiled artifacts stay
// executable.
func CopyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return errors.Wrap(err, "stat source")
	}
	if !info.Mode().IsRegular() {
		return errors.Errorf("%s is not a regular file", src)
	}

	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "open source")
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return errors.Wrap(err, "open destination")
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrap(err, "copy contents")
	}
	return errors.Wrap(out.Close(), "close destination")
}
