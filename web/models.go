package web

import (
	"github.com/ShoshinNikita/sceneview/sceneview"
)

// Message types sent by a page.
const (
	msgHello  = "hello"
	msgLoaded = "loaded"
	msgFailed = "failed"
	msgLoad   = "load"
)

// Message types sent to a page.
const (
	msgPage    = "page"
	msgChrome  = "chrome"
	msgSpinner = "spinner"
	msgRender  = "render"
	msgClear   = "clear"
	msgAlert   = "alert"
)

// Kinds of render failures reported by a page.
const (
	failureNetwork  = "network"
	failureParse    = "parse"
	failureResource = "resource"
)

// Websocket messages.
type (
	pageMessage struct {
		Type string `json:"type"`

		// Fragment is the location fragment of the page, for "hello".
		Fragment string `json:"fragment,omitempty"`

		// ID is the render id, for "loaded" and "failed".
		ID    string                `json:"id,omitempty"`
		Scene sceneview.SceneHandle `json:"scene"`

		// Failure details, for "failed".
		Kind   string `json:"kind,omitempty"`
		Detail string `json:"detail,omitempty"`
		Name   string `json:"name,omitempty"`
		Status int    `json:"status,omitempty"`

		// Path is the asset path, for "load".
		Path string `json:"path,omitempty"`
	}

	serverMessage struct {
		Type string `json:"type"`

		ID string `json:"id,omitempty"`

		Header  *bool `json:"header,omitempty"`
		Visible *bool `json:"visible,omitempty"`

		URL      string   `json:"url,omitempty"`
		RootPath string   `json:"root_path,omitempty"`
		Files    []string `json:"files,omitempty"`

		Kind    string `json:"kind,omitempty"`
		Message string `json:"message,omitempty"`
	}
)

// Service responses.
type (
	IndexPage struct {
		sceneview.BuildInfo

		DefaultModel string
	}

	UploadResponse struct {
		Files []string `json:"files"`
	}

	HealthResponse struct {
		Status string `json:"status"`
	}
)
