package sceneview

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// StartupOptions are read once from the location fragment of a viewer page.
type StartupOptions struct {
	Kiosk          bool
	Model          string
	Preset         string
	CameraPosition []float64
}

// ParseStartupOptions parses a location fragment like "#kiosk=1&model=/a.glb". Options with
// invalid values are ignored, the returned error describes them.
func ParseStartupOptions(fragment string) (StartupOptions, error) {
	fragment = strings.TrimPrefix(fragment, "#")

	values, err := url.ParseQuery(fragment)
	if err != nil {
		return StartupOptions{}, fmt.Errorf("couldn't parse fragment: %w", err)
	}

	opts := StartupOptions{
		Kiosk:  parseFlag(values.Get("kiosk")),
		Model:  values.Get("model"),
		Preset: values.Get("preset"),
	}

	if raw := values.Get("cameraPosition"); raw != "" {
		pos, err := parseCameraPosition(raw)
		if err != nil {
			return opts, fmt.Errorf("invalid cameraPosition %q: %w", raw, err)
		}
		opts.CameraPosition = pos
	}
	return opts, nil
}

func parseFlag(v string) bool {
	switch strings.ToLower(v) {
	case "", "0", "false":
		return false
	default:
		return true
	}
}

func parseCameraPosition(raw string) ([]float64, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 3 {
		return nil, fmt.Errorf("expected 3 components, got %d", len(parts))
	}

	res := make([]float64, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, nil
}
