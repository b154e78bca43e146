package archive

import (
	"io"

	"github.com/klauspost/compress/flate"
)

func flateReader(r io.Reader) io.Reader {
	return flate.NewReader(r)
}
