package sceneview

import (
	"errors"
	"net/url"
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/ShoshinNikita/sceneview/pkg/misc"
)

var ErrInvalidAssetPath = errors.New("invalid asset path")

// CleanAssetPath returns the canonical form of an asset path. Canonical paths are used as
// cache keys, so equivalent paths ("scene.glb", "/./scene.glb") share one record.
func CleanAssetPath(assetPath string) (string, error) {
	assetPath = strings.TrimSpace(assetPath)
	if assetPath == "" {
		return "", ErrInvalidAssetPath
	}

	assetPath = norm.NFC.String(assetPath)
	assetPath = path.Clean(misc.EnsurePrefix(assetPath, "/"))
	if assetPath == "/" {
		return "", ErrInvalidAssetPath
	}
	return assetPath, nil
}

// EscapeAssetPath escapes every path element. It should be used when building urls with
// [net/url.URL.JoinPath].
func EscapeAssetPath(assetPath string) string {
	var escapedPath strings.Builder
	for part := range strings.SplitSeq(assetPath, "/") {
		if part == "" {
			continue
		}
		escapedPath.WriteByte('/')
		escapedPath.WriteString(url.PathEscape(part))
	}
	return escapedPath.String()
}

// AssetName returns the last element of an asset path.
func AssetName(assetPath string) string {
	return path.Base(assetPath)
}

type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
)

// Resolved is an asset payload with the place it was loaded from.
type Resolved struct {
	Path    string
	Payload []byte
	Source  Source
}

// FileMap maps resource names to their in-memory content. It is used for sibling resources
// of an asset (textures, buffers and etc.).
type FileMap map[string][]byte

// Content is either an in-memory blob or a url that can be passed to a renderer as-is.
type Content struct {
	blob []byte
	url  string
}

func BlobContent(blob []byte) Content {
	return Content{blob: blob}
}

func URLContent(url string) Content {
	return Content{url: url}
}

func (c Content) IsURL() bool {
	return c.blob == nil && c.url != ""
}

func (c Content) Blob() []byte {
	return c.blob
}

func (c Content) URL() string {
	return c.url
}
