package viewer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/ShoshinNikita/sceneview/sceneview"
)

var glbMagic = []byte("glTF")

// ContentValidator checks that .glb and .gltf files of a rendered asset are well-formed.
// It doesn't check the scene itself.
type ContentValidator struct{}

var _ sceneview.Validator = ContentValidator{}

func (ContentValidator) Validate(_ context.Context, _, _ string, fileMap sceneview.FileMap, _ sceneview.SceneHandle) error {
	for name, data := range fileMap {
		switch strings.ToLower(path.Ext(name)) {
		case ".glb":
			if !bytes.HasPrefix(data, glbMagic) {
				return fmt.Errorf("%q: invalid binary glTF header", name)
			}
		case ".gltf":
			var doc struct {
				Asset *struct {
					Version string `json:"version"`
				} `json:"asset"`
			}
			if err := json.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("%q: invalid JSON: %w", name, err)
			}
			if doc.Asset == nil || doc.Asset.Version == "" {
				return fmt.Errorf("%q: asset version is missing", name)
			}
		}
	}
	return nil
}
