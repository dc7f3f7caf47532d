package sceneview

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrStoreRead        = errors.New("read error")
	ErrStoreWrite       = errors.New("write error")
)

// StoreError is returned by [CacheStore] implementations. Kind is one of [ErrStoreUnavailable],
// [ErrStoreRead] or [ErrStoreWrite], so callers can use [errors.Is].
type StoreError struct {
	Op   string
	Kind error
	Err  error
}

func (err *StoreError) Error() string {
	if err.Err == nil {
		return fmt.Sprintf("%s: %s", err.Op, err.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", err.Op, err.Kind, err.Err)
}

func (err *StoreError) Unwrap() []error {
	if err.Err == nil {
		return []error{err.Kind}
	}
	return []error{err.Kind, err.Err}
}

// NetworkError is returned when an asset can't be fetched. StatusCode is 0 for transport
// failures.
type NetworkError struct {
	Path       string
	StatusCode int
	BodyPrefix string
	Err        error
}

func (err *NetworkError) Error() string {
	if err.StatusCode != 0 {
		msg := fmt.Sprintf("couldn't fetch %q: unexpected response: %s", err.Path, err.Status())
		if err.Err != nil {
			msg += ": " + err.Err.Error()
		}
		return msg
	}
	if err.Err != nil {
		return fmt.Sprintf("couldn't fetch %q: %s", err.Path, err.Err)
	}
	return fmt.Sprintf("couldn't fetch %q", err.Path)
}

func (err *NetworkError) Unwrap() error {
	return err.Err
}

// Status returns the status code with its text, for example "404 Not Found". It returns
// an empty string for transport failures.
func (err *NetworkError) Status() string {
	if err.StatusCode == 0 {
		return ""
	}
	text := http.StatusText(err.StatusCode)
	if text == "" {
		return fmt.Sprint(err.StatusCode)
	}
	return fmt.Sprintf("%d %s", err.StatusCode, text)
}

func IsNotFoundError(err error) bool {
	var networkErr *NetworkError
	return errors.As(err, &networkErr) && networkErr.StatusCode == http.StatusNotFound
}

// ContentParseError is reported by a renderer that couldn't parse the asset content.
type ContentParseError struct {
	Detail string
}

func (err *ContentParseError) Error() string {
	return "couldn't parse content: " + err.Detail
}

// MissingResourceError is reported by a renderer when a sub-resource of an asset (for example,
// a texture) couldn't be loaded.
type MissingResourceError struct {
	Name string
}

func (err *MissingResourceError) Error() string {
	return fmt.Sprintf("missing resource %q", err.Name)
}
