package viewer

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ShoshinNikita/sceneview/sceneview"
)

type fakeLoader struct {
	mu     sync.Mutex
	assets map[string][]byte
	// blockers allow to pause Resolve for specific paths.
	blockers map[string]chan struct{}
	calls    []string
}

func (l *fakeLoader) Resolve(ctx context.Context, assetPath string) (sceneview.Resolved, error) {
	l.mu.Lock()
	l.calls = append(l.calls, assetPath)
	blocker := l.blockers[assetPath]
	data, ok := l.assets[assetPath]
	l.mu.Unlock()

	if blocker != nil {
		select {
		case <-blocker:
		case <-ctx.Done():
			return sceneview.Resolved{}, ctx.Err()
		}
	}

	if !ok {
		return sceneview.Resolved{}, &sceneview.NetworkError{Path: assetPath, StatusCode: http.StatusNotFound}
	}
	return sceneview.Resolved{Path: assetPath, Payload: data, Source: sceneview.SourceNetwork}, nil
}

type loadCall struct {
	url      string
	rootPath string
	fileMap  sceneview.FileMap
	// blob is the content behind url at the moment of the call.
	blob []byte
}

type fakeRenderer struct {
	urls *URLRegistry
	err  error

	mu     sync.Mutex
	events []string
	loads  []loadCall
}

func (r *fakeRenderer) Load(_ context.Context, url, rootPath string, fileMap sceneview.FileMap) (sceneview.SceneHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	call := loadCall{url: url, rootPath: rootPath, fileMap: fileMap}
	if id, ok := strings.CutPrefix(url, "/api/blob/"); ok {
		call.blob, _ = r.urls.Get(id)
	}
	r.loads = append(r.loads, call)
	r.events = append(r.events, "load "+url)

	if r.err != nil {
		return sceneview.SceneHandle{}, r.err
	}
	return sceneview.SceneHandle{ID: "scene-" + url}, nil
}

func (r *fakeRenderer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, "clear")
}

func (r *fakeRenderer) getLoads() []loadCall {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]loadCall(nil), r.loads...)
}

type alert struct {
	kind    ErrorKind
	message string
}

type fakePage struct {
	mu            sync.Mutex
	spinnerEvents []bool
	headerHidden  bool
	alerts        []alert
}

func (p *fakePage) SetSpinnerVisible(visible bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.spinnerEvents = append(p.spinnerEvents, visible)
}

func (p *fakePage) SetHeaderVisible(visible bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.headerHidden = !visible
}

func (p *fakePage) Alert(kind ErrorKind, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.alerts = append(p.alerts, alert{kind: kind, message: message})
}

func (p *fakePage) spinnerVisible() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.spinnerEvents) > 0 && p.spinnerEvents[len(p.spinnerEvents)-1]
}

type testEnv struct {
	loader   *fakeLoader
	renderer *fakeRenderer
	page     *fakePage
	urls     *URLRegistry
	ctrl     *Controller
}

func newTestEnv(assets map[string][]byte, opts ControllerOptions) *testEnv {
	urls := NewURLRegistry("/api/blob/")
	env := &testEnv{
		loader:   &fakeLoader{assets: assets, blockers: make(map[string]chan struct{})},
		renderer: &fakeRenderer{urls: urls},
		page:     &fakePage{},
		urls:     urls,
	}
	env.ctrl = NewController(env.loader, env.renderer, env.page, urls, opts)
	return env
}

func TestController_Load(t *testing.T) {
	t.Parallel()

	r := require.New(t)
	ctx := context.Background()

	payload := []byte("glTF scene")
	env := newTestEnv(map[string][]byte{"/scene.glb": payload}, ControllerOptions{})

	r.NoError(env.ctrl.Load(ctx, "/scene.glb"))

	loads := env.renderer.getLoads()
	r.Len(loads, 1)
	r.True(strings.HasPrefix(loads[0].url, "/api/blob/"))
	r.Empty(loads[0].rootPath)
	r.Equal(sceneview.FileMap{"/scene.glb": payload}, loads[0].fileMap)

	// The url must be valid during rendering and revoked after it.
	r.Equal(payload, loads[0].blob)
	r.Zero(env.urls.Len())

	r.Equal([]bool{true, false}, env.page.spinnerEvents)
	r.Empty(env.page.alerts)

	session, ok := env.ctrl.Session()
	r.True(ok)
	r.Equal("scene-"+loads[0].url, session.Scene.ID)

	// The previous session must be released before the new one is created.
	r.NoError(env.ctrl.Load(ctx, "/scene.glb"))
	r.Len(env.renderer.events, 3)
	r.Equal("clear", env.renderer.events[1])

	newSession, ok := env.ctrl.Session()
	r.True(ok)
	r.NotEqual(session.ID, newSession.ID)
}

func TestController_Load_NotFound(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	env := newTestEnv(nil, ControllerOptions{})

	err := env.ctrl.Load(context.Background(), "/missing.glb")
	r.True(sceneview.IsNotFoundError(err))

	r.Empty(env.renderer.getLoads())
	r.False(env.page.spinnerVisible())
	r.Len(env.page.alerts, 1)
	r.Equal(KindNetworkRetrieval, env.page.alerts[0].kind)
	r.Contains(env.page.alerts[0].message, "404")
}

func TestController_View(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name        string
		content     sceneview.Content
		renderErr   error
		wantURL     string
		wantAlert   ErrorKind
		wantSession bool
	}{
		{
			name:        "blob",
			content:     sceneview.BlobContent([]byte("data")),
			wantSession: true,
		},
		{
			name:        "url",
			content:     sceneview.URLContent("https://example.com/a.glb"),
			wantURL:     "https://example.com/a.glb",
			wantSession: true,
		},
		{
			name:      "parse error",
			content:   sceneview.BlobContent([]byte("data")),
			renderErr: &sceneview.ContentParseError{Detail: "Unexpected token"},
			wantAlert: KindContentParse,
		},
		{
			name:      "missing resource",
			content:   sceneview.BlobContent([]byte("data")),
			renderErr: &sceneview.MissingResourceError{Name: "textures/wood.png"},
			wantAlert: KindMissingResource,
		},
		{
			name:      "url with error",
			content:   sceneview.URLContent("https://example.com/a.glb"),
			renderErr: errors.New("webgl context lost"),
			wantURL:   "https://example.com/a.glb",
			wantAlert: KindUnknown,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			r := require.New(t)

			env := newTestEnv(nil, ControllerOptions{})
			env.renderer.err = tt.renderErr

			err := env.ctrl.View(context.Background(), tt.content, "", nil)
			if tt.renderErr != nil {
				r.ErrorIs(err, tt.renderErr)
			} else {
				r.NoError(err)
			}

			loads := env.renderer.getLoads()
			r.Len(loads, 1)
			if tt.wantURL != "" {
				r.Equal(tt.wantURL, loads[0].url)
			} else {
				r.Equal(tt.content.Blob(), loads[0].blob)
			}

			// Cleanup is called exactly once.
			r.Equal([]bool{true, false}, env.page.spinnerEvents)
			r.Zero(env.urls.Len())

			if tt.wantAlert != "" {
				r.Len(env.page.alerts, 1)
				r.Equal(tt.wantAlert, env.page.alerts[0].kind)
			} else {
				r.Empty(env.page.alerts)
			}

			_, ok := env.ctrl.Session()
			r.Equal(tt.wantSession, ok)
		})
	}
}

type fakeValidator struct {
	mu    sync.Mutex
	calls int
}

func (v *fakeValidator) Validate(context.Context, string, string, sceneview.FileMap, sceneview.SceneHandle) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.calls++
	return errors.New("validation error")
}

func TestController_Validator(t *testing.T) {
	t.Parallel()

	r := require.New(t)
	ctx := context.Background()

	validator := &fakeValidator{}
	env := newTestEnv(map[string][]byte{"/a.glb": []byte("a")}, ControllerOptions{Validator: validator})

	// Validation errors are only logged.
	r.NoError(env.ctrl.Start(ctx, sceneview.StartupOptions{Model: "/a.glb"}))
	r.Equal(1, validator.calls)
	r.Empty(env.page.alerts)

	// Validation is disabled in kiosk mode.
	env = newTestEnv(map[string][]byte{"/a.glb": []byte("a")}, ControllerOptions{Validator: validator})
	r.NoError(env.ctrl.Start(ctx, sceneview.StartupOptions{Model: "/a.glb", Kiosk: true}))
	r.Equal(1, validator.calls)
}

func TestController_Start(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	assets := map[string][]byte{
		"/a.glb":       []byte("a"),
		"/default.glb": []byte("default"),
	}

	t.Run("kiosk and model", func(t *testing.T) {
		r := require.New(t)

		opts, err := sceneview.ParseStartupOptions("#kiosk=1&model=/a.glb")
		r.NoError(err)

		env := newTestEnv(assets, ControllerOptions{DefaultModel: "/default.glb"})
		r.NoError(env.ctrl.Start(ctx, opts))

		r.True(env.page.headerHidden)
		r.Equal([]string{"/a.glb"}, env.loader.calls)
		r.Len(env.renderer.getLoads(), 1)
	})

	t.Run("default model", func(t *testing.T) {
		r := require.New(t)

		env := newTestEnv(assets, ControllerOptions{DefaultModel: "/default.glb"})
		r.NoError(env.ctrl.Start(ctx, sceneview.StartupOptions{}))

		r.False(env.page.headerHidden)
		r.Equal([]string{"/default.glb"}, env.loader.calls)
	})

	t.Run("no model", func(t *testing.T) {
		r := require.New(t)

		env := newTestEnv(assets, ControllerOptions{})
		r.NoError(env.ctrl.Start(ctx, sceneview.StartupOptions{}))

		r.Empty(env.loader.calls)
		r.Empty(env.page.spinnerEvents)
	})
}

func TestController_Superseded(t *testing.T) {
	t.Parallel()

	r := require.New(t)
	ctx := context.Background()

	env := newTestEnv(map[string][]byte{
		"/slow.glb": []byte("slow"),
		"/fast.glb": []byte("fast"),
	}, ControllerOptions{})

	blocker := make(chan struct{})
	env.loader.blockers["/slow.glb"] = blocker

	slowErrCh := make(chan error, 1)
	go func() {
		slowErrCh <- env.ctrl.Load(ctx, "/slow.glb")
	}()

	// Wait for the slow load to start.
	r.Eventually(func() bool {
		env.loader.mu.Lock()
		defer env.loader.mu.Unlock()

		return len(env.loader.calls) == 1
	}, time.Second, time.Millisecond)

	r.NoError(env.ctrl.Load(ctx, "/fast.glb"))

	// The spinner must stay visible because the slow load is still in progress.
	r.True(env.page.spinnerVisible())

	close(blocker)

	select {
	case err := <-slowErrCh:
		r.ErrorIs(err, ErrSuperseded)
	case <-time.After(time.Second):
		r.FailNow("slow load wasn't finished")
	}

	loads := env.renderer.getLoads()
	r.Len(loads, 1)
	r.Equal([]byte("fast"), loads[0].blob)

	r.False(env.page.spinnerVisible())
	r.Empty(env.page.alerts)
	r.Zero(env.urls.Len())
}

func TestController_ViewLocal(t *testing.T) {
	t.Parallel()

	t.Run("ok", func(t *testing.T) {
		r := require.New(t)

		files := sceneview.FileMap{
			"model/scene.bin":         []byte("bin"),
			"model/textures/wood.png": []byte("png"),
			"model/scene.GLTF":        []byte("gltf"),
			"model/nested/other.glb":  []byte("other"),
		}

		env := newTestEnv(nil, ControllerOptions{})
		r.NoError(env.ctrl.ViewLocal(context.Background(), files))

		loads := env.renderer.getLoads()
		r.Len(loads, 1)
		r.Equal("model/", loads[0].rootPath)
		r.Equal([]byte("gltf"), loads[0].blob)
		r.Equal(files, loads[0].fileMap)
		r.Empty(env.loader.calls)
	})

	t.Run("top level", func(t *testing.T) {
		r := require.New(t)

		env := newTestEnv(nil, ControllerOptions{})
		r.NoError(env.ctrl.ViewLocal(context.Background(), sceneview.FileMap{"a.glb": []byte("a")}))

		loads := env.renderer.getLoads()
		r.Len(loads, 1)
		r.Empty(loads[0].rootPath)
	})

	t.Run("no root file", func(t *testing.T) {
		r := require.New(t)

		env := newTestEnv(nil, ControllerOptions{})
		err := env.ctrl.ViewLocal(context.Background(), sceneview.FileMap{"texture.png": nil})
		r.ErrorIs(err, ErrNoRootFile)

		r.Empty(env.renderer.getLoads())
		r.Len(env.page.alerts, 1)
	})
}

func TestClassify(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		err          error
		wantKind     ErrorKind
		wantContains string
	}{
		{
			err:          &sceneview.NetworkError{Path: "/a.glb", StatusCode: 404},
			wantKind:     KindNetworkRetrieval,
			wantContains: "404 Not Found",
		},
		{
			err:          &sceneview.NetworkError{Path: "/a.glb", Err: errors.New("connection refused")},
			wantKind:     KindNetworkRetrieval,
			wantContains: "Unable to retrieve this file: connection refused.",
		},
		{
			// A successful response with a broken body must not be reported as a status.
			err:          &sceneview.NetworkError{Path: "/a.glb", StatusCode: 200, Err: errors.New("asset is too large")},
			wantKind:     KindNetworkRetrieval,
			wantContains: "Unable to retrieve this file: asset is too large.",
		},
		{
			err:          &sceneview.ContentParseError{Detail: "Unexpected token < in JSON"},
			wantKind:     KindContentParse,
			wantContains: "Unexpected token < in JSON",
		},
		{
			err:          &sceneview.MissingResourceError{Name: "https://example.com/textures/wood.png"},
			wantKind:     KindMissingResource,
			wantContains: "wood.png",
		},
		{
			err:          errors.New("some error"),
			wantKind:     KindUnknown,
			wantContains: "some error",
		},
		{
			// Messages don't affect classification.
			err:          errors.New("ProgressEvent: Unexpected token"),
			wantKind:     KindUnknown,
			wantContains: "ProgressEvent",
		},
	} {
		t.Run(tt.err.Error(), func(t *testing.T) {
			r := require.New(t)

			res := Classify(tt.err)
			r.Equal(tt.wantKind, res.Kind)
			r.Contains(res.Message, tt.wantContains)
		})
	}
}

func TestURLRegistry(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	urls := NewURLRegistry("/blob/")

	url, revoke := urls.Register([]byte("data"))
	id, ok := strings.CutPrefix(url, "/blob/")
	r.True(ok)

	blob, ok := urls.Get(id)
	r.True(ok)
	r.Equal([]byte("data"), blob)

	revoke()
	revoke()

	_, ok = urls.Get(id)
	r.False(ok)
	r.Zero(urls.Len())
}

func TestContentValidator(t *testing.T) {
	t.Parallel()

	r := require.New(t)
	ctx := context.Background()

	validate := func(fileMap sceneview.FileMap) error {
		return ContentValidator{}.Validate(ctx, "", "", fileMap, sceneview.SceneHandle{})
	}

	r.NoError(validate(sceneview.FileMap{
		"a.glb":        []byte("glTF\x02\x00\x00\x00"),
		"b.gltf":       []byte(`{"asset":{"version":"2.0"}}`),
		"textures.png": []byte("png"),
	}))
	r.Error(validate(sceneview.FileMap{"a.GLB": []byte("PK")}))
	r.Error(validate(sceneview.FileMap{"b.gltf": []byte(`{"asset":`)}))
	r.Error(validate(sceneview.FileMap{"b.gltf": []byte(`{"scenes":[]}`)}))
}
