package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/opensyde-tools/sysupdate/internal/sysdef"
)

// fileHexParser is a minimal HexParser: it loads an entire .syde_hex file
// as one contiguous area starting at offset zero, with no signature check
// and a declared device name taken from the file's basename without its
// extension. A deployment
// with a real address-based image format (Intel HEX records, a signature
// block at a fixed offset, and so on) supplies its own HexParser instead.
type fileHexParser struct{}

func (fileHexParser) Parse(path string) (sysdef.HexImage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return sysdef.HexImage{}, err
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return sysdef.HexImage{
		Areas:              []sysdef.HexArea{{Offset: 0, Bytes: data}},
		DeclaredDeviceName: name,
	}, nil
}
