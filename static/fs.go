package static

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// newFS returns the root subtree of the embedded fs. With readFromDisk, files are read from
// the "static" directory relative to the working directory, so changes are visible without
// a rebuild.
func newFS(embedded embed.FS, root string, readFromDisk bool) fs.FS {
	if readFromDisk {
		return os.DirFS(filepath.Join("static", root))
	}

	sub, err := fs.Sub(embedded, root)
	if err != nil {
		// Roots are constants, so this can happen only after a broken change.
		panic(fmt.Sprintf("invalid embedded root %q: %s", root, err))
	}
	return sub
}
