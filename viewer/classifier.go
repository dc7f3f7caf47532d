package viewer

import (
	"errors"
	"fmt"

	"github.com/ShoshinNikita/sceneview/pkg/metrics"
	"github.com/ShoshinNikita/sceneview/pkg/rlog"
	"github.com/ShoshinNikita/sceneview/sceneview"
)

type ErrorKind string

const (
	KindNetworkRetrieval ErrorKind = "network"
	KindContentParse     ErrorKind = "parse"
	KindMissingResource  ErrorKind = "resource"
	KindUnknown          ErrorKind = "unknown"
)

type Classification struct {
	Kind    ErrorKind
	Message string
}

// Notifier shows a blocking notification to the user.
type Notifier interface {
	Alert(kind ErrorKind, message string)
}

// Classify converts an error into a message for the user.
func Classify(err error) Classification {
	var (
		networkErr  *sceneview.NetworkError
		parseErr    *sceneview.ContentParseError
		resourceErr *sceneview.MissingResourceError
	)
	switch {
	case errors.As(err, &networkErr):
		msg := "Unable to retrieve this file."
		switch {
		case networkErr.StatusCode != 0 && !isSuccessStatus(networkErr.StatusCode):
			msg = fmt.Sprintf("Unable to retrieve this file: %s.", networkErr.Status())
		case networkErr.Err != nil:
			msg = fmt.Sprintf("Unable to retrieve this file: %s.", networkErr.Err)
		}
		return Classification{
			Kind:    KindNetworkRetrieval,
			Message: msg + " Check the browser network tab and the server logs.",
		}

	case errors.As(err, &parseErr):
		return Classification{
			Kind:    KindContentParse,
			Message: fmt.Sprintf("Unable to parse file content. Verify that this file is valid. Error: %q", parseErr.Detail),
		}

	case errors.As(err, &resourceErr):
		return Classification{
			Kind:    KindMissingResource,
			Message: "Missing resource: " + sceneview.AssetName(resourceErr.Name),
		}

	case err == nil:
		return Classification{Kind: KindUnknown, Message: "Unknown error"}

	default:
		return Classification{Kind: KindUnknown, Message: err.Error()}
	}
}

func isSuccessStatus(code int) bool {
	return code >= 200 && code < 300
}

type Classifier struct {
	notifier Notifier
}

func NewClassifier(notifier Notifier) *Classifier {
	return &Classifier{notifier: notifier}
}

// OnError logs the error and notifies the user.
func (c *Classifier) OnError(err error) {
	res := Classify(err)

	metrics.ViewErrors.WithLabelValues(string(res.Kind)).Inc()
	rlog.Errorf("couldn't view asset (%s): %s", res.Kind, err)

	c.notifier.Alert(res.Kind, res.Message)
}
