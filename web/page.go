package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ShoshinNikita/sceneview/pkg/misc"
	"github.com/ShoshinNikita/sceneview/pkg/rlog"
	"github.com/ShoshinNikita/sceneview/sceneview"
	"github.com/ShoshinNikita/sceneview/viewer"
)

const writeTimeout = 10 * time.Second

var errPageClosed = errors.New("page is closed")

// page is a connected viewer page. It renders assets in the browser, so it implements
// [sceneview.Renderer] and [viewer.Page].
type page struct {
	id   string
	conn *websocket.Conn
	ctrl *viewer.Controller

	ctx    context.Context //nolint:containedctx
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan renderResult
	// files are resources of the current render. The page requests them by name.
	files sceneview.FileMap
}

type renderResult struct {
	scene sceneview.SceneHandle
	err   error
}

var (
	_ sceneview.Renderer = (*page)(nil)
	_ viewer.Page        = (*page)(nil)
)

func newPage(conn *websocket.Conn) *page {
	ctx, cancel := context.WithCancel(context.Background())

	return &page{
		id:      uuid.NewString(),
		conn:    conn,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]chan renderResult),
	}
}

// serve reads messages until the connection is closed.
func (p *page) serve() {
	defer p.close()

	p.send(serverMessage{Type: msgPage, ID: p.id})

	// Startup options are applied once per connection.
	var started bool
	for {
		var msg pageMessage
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				rlog.Warnf("page %s: couldn't read message: %s", p.id, err)
			}
			return
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			rlog.Warnf("page %s: invalid message: %s", p.id, err)
			continue
		}

		switch msg.Type {
		case msgHello:
			if started {
				rlog.Debugf("page %s: ignore repeated hello", p.id)
				continue
			}
			started = true

			opts, err := sceneview.ParseStartupOptions(msg.Fragment)
			if err != nil {
				rlog.Warnf("page %s: %s", p.id, err)
			}
			go p.run("start", func(ctx context.Context) error {
				return p.ctrl.Start(ctx, opts)
			})

		case msgLoad:
			go p.run("load", func(ctx context.Context) error {
				return p.ctrl.Load(ctx, msg.Path)
			})

		case msgLoaded:
			p.settle(msg.ID, renderResult{scene: msg.Scene})

		case msgFailed:
			p.settle(msg.ID, renderResult{err: msg.toError()})

		default:
			rlog.Warnf("page %s: unknown message type %q", p.id, msg.Type)
		}
	}
}

// run calls fn in the context of the page. Errors are already reported to the user
// by the controller, so they are only logged.
func (p *page) run(name string, fn func(ctx context.Context) error) {
	err := fn(p.ctx)
	switch {
	case err == nil:
	case errors.Is(err, viewer.ErrSuperseded), errors.Is(err, context.Canceled):
		rlog.Debugf("page %s: %s: %s", p.id, name, err)
	default:
		rlog.Debugf("page %s: %s failed: %s", p.id, name, err)
	}
}

func (p *page) settle(id string, res renderResult) {
	p.mu.Lock()
	ch, ok := p.pending[id]
	delete(p.pending, id)
	p.mu.Unlock()

	if !ok {
		rlog.Warnf("page %s: unknown render id %q", p.id, id)
		return
	}
	ch <- res
}

// Load sends the asset to the page and waits for the render result.
func (p *page) Load(ctx context.Context, url, rootPath string, fileMap sceneview.FileMap) (sceneview.SceneHandle, error) {
	id := uuid.NewString()
	ch := make(chan renderResult, 1)

	files := make([]string, 0, len(fileMap))
	for name := range fileMap {
		files = append(files, name)
	}
	slices.Sort(files)

	p.mu.Lock()
	p.pending[id] = ch
	p.files = fileMap
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	err := p.send(serverMessage{
		Type:     msgRender,
		ID:       id,
		URL:      url,
		RootPath: rootPath,
		Files:    files,
	})
	if err != nil {
		return sceneview.SceneHandle{}, err
	}

	select {
	case res := <-ch:
		return res.scene, res.err
	case <-ctx.Done():
		return sceneview.SceneHandle{}, ctx.Err()
	case <-p.ctx.Done():
		return sceneview.SceneHandle{}, errPageClosed
	}
}

func (p *page) Clear() {
	p.mu.Lock()
	p.files = nil
	p.mu.Unlock()

	p.send(serverMessage{Type: msgClear})
}

func (p *page) SetSpinnerVisible(visible bool) {
	p.send(serverMessage{Type: msgSpinner, Visible: &visible})
}

func (p *page) SetHeaderVisible(visible bool) {
	p.send(serverMessage{Type: msgChrome, Header: &visible})
}

func (p *page) Alert(kind viewer.ErrorKind, message string) {
	p.send(serverMessage{Type: msgAlert, Kind: string(kind), Message: message})
}

// file returns a resource of the current render.
func (p *page) file(name string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, ok := p.files[name]
	return data, ok
}

func (p *page) send(msg serverMessage) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.ctx.Err() != nil {
		return errPageClosed
	}

	p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := p.conn.WriteJSON(msg); err != nil {
		rlog.Debugf("page %s: couldn't send %q message: %s", p.id, msg.Type, err)
		return fmt.Errorf("couldn't send message: %w", err)
	}
	return nil
}

func (p *page) close() {
	p.cancel()

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.conn.Close()
}

// maxDetailLength limits error details sent by a page.
const maxDetailLength = 300

// toError converts a render failure to a typed error.
func (msg pageMessage) toError() error {
	msg.Detail = misc.Truncate(msg.Detail, maxDetailLength)

	switch msg.Kind {
	case failureNetwork:
		err := &sceneview.NetworkError{Path: msg.Name, StatusCode: msg.Status}
		if msg.Detail != "" {
			err.Err = errors.New(msg.Detail)
		}
		return err
	case failureParse:
		return &sceneview.ContentParseError{Detail: msg.Detail}
	case failureResource:
		return &sceneview.MissingResourceError{Name: msg.Name}
	default:
		if msg.Detail == "" {
			return errors.New("unknown render error")
		}
		return errors.New(msg.Detail)
	}
}
