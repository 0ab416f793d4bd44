package push

import (
	"context"
	"strings"

	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"

	"buzzworker/internal/errors"
)

// Sink forwards a shown notification somewhere outside the hub.
type Sink interface {
	Deliver(ctx context.Context, n Notification) error
}

type sender interface {
	Send(message string, params *types.Params) []error
}

// ShoutrrrSink forwards notifications to shoutrrr service URLs
// (ntfy://, gotify://, telegram://, ...).
type ShoutrrrSink struct {
	sender sender
}

func NewShoutrrrSink(urls ...string) (*ShoutrrrSink, error) {
	if len(urls) == 0 {
		return nil, errors.New("shoutrrr sink needs at least one service URL")
	}
	s, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, errors.Wrap(err, "create shoutrrr sender")
	}
	return &ShoutrrrSink{sender: s}, nil
}

func (s *ShoutrrrSink) Deliver(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := types.Params{"title": n.Title}
	var errs []error
	for _, err := range s.sender.Send(sinkMessage(n), &params) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// sinkMessage is the body text, falling back to the title, with the click
// target on its own line when there is one.
func sinkMessage(n Notification) string {
	msg := n.Options.Body
	if msg == "" {
		msg = n.Title
	}
	if u, ok := n.Options.Data["url"].(string); ok && u != "" {
		msg = strings.TrimRight(msg, "\n") + "\n" + u
	}
	return msg
}
