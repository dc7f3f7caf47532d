// Package viewer drives the load and view cycle of a single viewer page.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/ShoshinNikita/sceneview/pkg/metrics"
	"github.com/ShoshinNikita/sceneview/pkg/rlog"
	"github.com/ShoshinNikita/sceneview/sceneview"
)

const rootFilePattern = "**/*.{glb,gltf}"

var (
	// ErrSuperseded is returned by [Controller.Load] when a newer load was started before
	// the asset was resolved.
	ErrSuperseded = errors.New("load was superseded by a newer one")
	ErrNoRootFile = errors.New("no .glb or .gltf file found")
)

// Page is the user-facing part of a viewer page.
type Page interface {
	Notifier

	SetSpinnerVisible(visible bool)
	SetHeaderVisible(visible bool)
}

// Session is the currently displayed scene.
type Session struct {
	ID        string
	Scene     sceneview.SceneHandle
	StartedAt time.Time
}

type ControllerOptions struct {
	// DefaultModel is loaded on start if the startup options don't have a model.
	DefaultModel string
	// Validator is optional. It is not used in kiosk mode.
	Validator sceneview.Validator
}

// Controller owns the view session of a page. View transitions are serialized: a new view
// waits for the previous one. A load that is resolved after a newer load has started is
// dropped with [ErrSuperseded].
type Controller struct {
	loader     sceneview.AssetLoader
	renderer   sceneview.Renderer
	page       Page
	urls       *URLRegistry
	classifier *Classifier
	opts       ControllerOptions

	kiosk      atomic.Bool
	generation atomic.Uint64

	spinnerMu   sync.Mutex
	spinnerRefs int

	mu      sync.Mutex
	session *Session
}

func NewController(
	loader sceneview.AssetLoader, renderer sceneview.Renderer, page Page,
	urls *URLRegistry, opts ControllerOptions,
) *Controller {

	return &Controller{
		loader:     loader,
		renderer:   renderer,
		page:       page,
		urls:       urls,
		classifier: NewClassifier(page),
		opts:       opts,
	}
}

// Start applies the startup options of a page and loads the initial model.
func (c *Controller) Start(ctx context.Context, opts sceneview.StartupOptions) error {
	c.kiosk.Store(opts.Kiosk)
	if opts.Kiosk {
		c.page.SetHeaderVisible(false)
	}

	model := opts.Model
	if model == "" {
		model = c.opts.DefaultModel
	}
	if model == "" {
		return nil
	}
	return c.Load(ctx, model)
}

// Load resolves an asset and views it. All errors except [ErrSuperseded] and context errors
// are reported to the user.
func (c *Controller) Load(ctx context.Context, assetPath string) error {
	gen := c.generation.Add(1)

	c.showSpinner()

	res, err := c.loader.Resolve(ctx, assetPath)
	if err != nil {
		c.hideSpinner()

		if c.isSuperseded(gen) {
			return ErrSuperseded
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.classifier.OnError(err)
		return err
	}

	rlog.Debugf("%q was resolved, source: %s", res.Path, res.Source)

	c.mu.Lock()
	defer c.mu.Unlock()

	// Check again: a newer load could have started while we were waiting for the lock.
	if c.isSuperseded(gen) {
		c.hideSpinner()
		return ErrSuperseded
	}

	content := sceneview.BlobContent(res.Payload)
	fileMap := sceneview.FileMap{res.Path: res.Payload}
	return c.view(ctx, content, "", fileMap)
}

// View passes content to the renderer. Content can be either a blob or a url.
func (c *Controller) View(ctx context.Context, content sceneview.Content, rootPath string, fileMap sceneview.FileMap) error {
	c.generation.Add(1)
	c.showSpinner()

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.view(ctx, content, rootPath, fileMap)
}

// ViewLocal views files provided by the user. The first .glb or .gltf file is used as
// the root file.
func (c *Controller) ViewLocal(ctx context.Context, files sceneview.FileMap) error {
	rootFile, err := findRootFile(files)
	if err != nil {
		c.classifier.OnError(err)
		return err
	}

	rootPath := path.Dir(rootFile)
	if rootPath == "." {
		rootPath = ""
	} else {
		rootPath += "/"
	}

	rlog.Debugf("view %d local files, root file: %q", len(files), rootFile)

	return c.View(ctx, sceneview.BlobContent(files[rootFile]), rootPath, files)
}

// view must be called with c.mu held and a spinner reference acquired. The spinner
// reference is released.
func (c *Controller) view(ctx context.Context, content sceneview.Content, rootPath string, fileMap sceneview.FileMap) error {
	if c.session != nil {
		rlog.Debugf("release session %s", c.session.ID)

		c.renderer.Clear()
		c.session = nil
	}

	url := content.URL()
	revoke := func() {}
	if !content.IsURL() {
		url, revoke = c.urls.Register(content.Blob())
	}

	now := time.Now()

	scene, err := c.renderer.Load(ctx, url, rootPath, fileMap)
	if err == nil && c.opts.Validator != nil && !c.kiosk.Load() {
		if err := c.opts.Validator.Validate(ctx, url, rootPath, fileMap, scene); err != nil {
			rlog.Warnf("validation of %q failed: %s", url, err)
		}
	}

	// Cleanup
	c.hideSpinner()
	revoke()

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.classifier.OnError(err)
		return err
	}

	dur := time.Since(now)
	metrics.ViewDuration.Observe(dur.Seconds())

	c.session = &Session{
		ID:        uuid.NewString(),
		Scene:     scene,
		StartedAt: now,
	}
	rlog.Debugf("scene %q was rendered in %s, session: %s", scene.ID, dur, c.session.ID)

	return nil
}

// Session returns the current view session.
func (c *Controller) Session() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return Session{}, false
	}
	return *c.session, true
}

func (c *Controller) isSuperseded(gen uint64) bool {
	return c.generation.Load() != gen
}

// showSpinner and hideSpinner count references: the spinner is visible while at least
// one load is in progress.
func (c *Controller) showSpinner() {
	c.spinnerMu.Lock()
	defer c.spinnerMu.Unlock()

	c.spinnerRefs++
	if c.spinnerRefs == 1 {
		c.page.SetSpinnerVisible(true)
	}
}

func (c *Controller) hideSpinner() {
	c.spinnerMu.Lock()
	defer c.spinnerMu.Unlock()

	if c.spinnerRefs == 0 {
		return
	}
	c.spinnerRefs--
	if c.spinnerRefs == 0 {
		c.page.SetSpinnerVisible(false)
	}
}

func findRootFile(files sceneview.FileMap) (string, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	// Prefer files closer to the top level.
	slices.SortFunc(names, func(a, b string) int {
		if d := strings.Count(a, "/") - strings.Count(b, "/"); d != 0 {
			return d
		}
		return strings.Compare(a, b)
	})

	for _, name := range names {
		ok, err := doublestar.Match(rootFilePattern, strings.ToLower(name))
		if err != nil {
			return "", fmt.Errorf("invalid pattern: %w", err)
		}
		if ok {
			return name, nil
		}
	}
	return "", ErrNoRootFile
}
