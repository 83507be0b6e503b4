package notify

import (
	"context"
	"fmt"
	"io"
	"log"
	"slices"
	"strings"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	router "github.com/nicholas-fedor/shoutrrr/pkg/router"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/factorylens/aoitrack/internal/conf"
)

// ShoutrrrProvider sends events through shoutrrr service URLs (ntfy,
// telegram, email and the rest of the shoutrrr catalogue). A single sender
// covers all configured URLs.
type ShoutrrrProvider struct {
	name    string
	enabled bool
	urls    []string
	sender  *router.ServiceRouter
	timeout time.Duration
}

// NewShoutrrr builds a shoutrrr provider from one provider config entry.
// The sender is created eagerly so malformed service URLs fail at startup
// instead of on the first alert.
func NewShoutrrr(pc *conf.PushProviderConfig) (*ShoutrrrProvider, error) {
	if len(pc.URLs) == 0 {
		return nil, fmt.Errorf("shoutrrr provider requires at least one service URL")
	}

	s := &ShoutrrrProvider{
		name:    strings.TrimSpace(pc.Name),
		enabled: pc.Enabled,
		urls:    slices.Clone(pc.URLs),
		timeout: parseTimeout(pc.Timeout),
	}
	if s.name == "" {
		s.name = "shoutrrr"
	}

	sender, err := shoutrrr.CreateSender(s.urls...)
	if err != nil {
		return nil, fmt.Errorf("create shoutrrr sender: %w", err)
	}
	sender.Timeout = s.timeout
	sender.SetLogger(log.New(io.Discard, "", 0))
	s.sender = sender

	return s, nil
}

// Name returns the provider label used in logs and metrics.
func (s *ShoutrrrProvider) Name() string { return s.name }

// Enabled reports whether this provider should receive events.
func (s *ShoutrrrProvider) Enabled() bool { return s.enabled }

// Send delivers the event through the shoutrrr router. The router applies
// its own per-service timeout, so the context is only consulted up front.
func (s *ShoutrrrProvider) Send(ctx context.Context, ev *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := stypes.Params{}
	if ev.Title != "" {
		params.SetTitle(ev.Title)
	}

	errs := s.sender.Send(ev.Message, &params)
	for _, e := range errs {
		if e != nil {
			return fmt.Errorf("shoutrrr send: %w", e)
		}
	}
	return nil
}
