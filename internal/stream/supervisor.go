package stream

import (
	"context"
	"fmt"

	"github.com/yanun0323/logs"

	"main/internal/bus"
)

// SupervisorConfig wires the two push channels to their consumers.
type SupervisorConfig struct {
	PublicURL  string
	PrivateURL string

	Symbols []string
	Depth   int

	Credentials Credentials

	Public  PublicHandlers
	Private PrivateHandlers

	Events *bus.Queue

	// OnPublicReset runs after every public (re)connect, before topics
	// are resubscribed. The book engine hooks this to drop stale books.
	OnPublicReset func()
}

// Supervisor owns the public and the private channel and keeps both
// alive for the lifetime of its Run.
type Supervisor struct {
	cfg     SupervisorConfig
	public  *Channel
	private *Channel
}

// NewSupervisor builds both channels with the topic sets derived from
// the configured symbols.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.Depth <= 0 {
		cfg.Depth = 50
	}

	publicTopics := make([]string, 0, 2*len(cfg.Symbols))
	for _, symbol := range cfg.Symbols {
		publicTopics = append(publicTopics, bookTopic(cfg.Depth, symbol), tickerTopic(symbol))
	}

	s := &Supervisor{cfg: cfg}
	s.public = NewChannel(ChannelConfig{
		Name:      "public stream",
		URL:       cfg.PublicURL,
		Topics:    publicTopics,
		OnConnect: cfg.OnPublicReset,
		OnState:   s.stateReporter("public"),
	})
	s.private = NewChannel(ChannelConfig{
		Name:        "private stream",
		URL:         cfg.PrivateURL,
		Topics:      []string{"order", "execution", "position", "wallet"},
		Credentials: &cfg.Credentials,
		OnState:     s.stateReporter("private"),
	})
	return s
}

// Run blocks until ctx is done or a channel fails fatally.
func (s *Supervisor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- s.public.Run(runCtx, func(raw []byte) {
			if err := DecodePublic(raw, s.cfg.Public); err != nil {
				logs.Warnf("decode public frame failed, err: %+v", err)
			}
		})
	}()
	go func() {
		errCh <- s.private.Run(runCtx, func(raw []byte) {
			if err := DecodePrivate(raw, s.cfg.Private); err != nil {
				logs.Warnf("decode private frame failed, err: %+v", err)
			}
		})
	}()

	err := <-errCh
	cancel()
	<-errCh
	return err
}

// ResyncBook forces a fresh snapshot for one symbol's book topic.
func (s *Supervisor) ResyncBook(symbol string) error {
	return s.public.Resubscribe(bookTopic(s.cfg.Depth, symbol))
}

func (s *Supervisor) stateReporter(channel string) func(bool, string) {
	return func(connected bool, detail string) {
		if s.cfg.Events == nil {
			return
		}
		s.cfg.Events.TryPublish(bus.Event{
			Type: bus.EventChannelState,
			ChannelState: &bus.ChannelState{
				Channel:   channel,
				Connected: connected,
				Detail:    detail,
			},
		})
	}
}

func bookTopic(depth int, symbol string) string {
	return fmt.Sprintf("orderbook.%d.%s", depth, symbol)
}

func tickerTopic(symbol string) string {
	return "tickers." + symbol
}
