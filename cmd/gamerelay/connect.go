package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/philsphicas/gamerelay/internal/client"
	"github.com/philsphicas/gamerelay/internal/protocol"
)

// ConnectCmd joins a session from the command line.
type ConnectCmd struct {
	Matchmaker  string        `help:"Base URL of the matchmaker." required:"" env:"GAMERELAY_MATCHMAKER"`
	Game        string        `help:"Game id to create or join-any."`
	Slots       int           `help:"Create a new session with this many slots."`
	Session     string        `help:"Session id to join."`
	Participant string        `help:"Participant id to rejoin as."`
	DialTimeout time.Duration `help:"Total retry budget for the relay dial (0 = single attempt)." default:"30s"`
}

func (c *ConnectCmd) request() (client.JoinRequest, error) {
	switch {
	case c.Session != "":
		return client.JoinRequest{SessionID: c.Session, ParticipantID: c.Participant}, nil
	case c.Game == "":
		return client.JoinRequest{}, errors.New("either --session or --game is required")
	case c.Slots < 0:
		return client.JoinRequest{}, fmt.Errorf("--slots must be positive, got %d", c.Slots)
	}
	return client.JoinRequest{GameID: c.Game, Slots: c.Slots}, nil
}

func (c *ConnectCmd) Run(g *Globals) error {
	req, err := c.request()
	if err != nil {
		return err
	}
	logger := g.logger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	return client.Connect(ctx, client.Config{
		Matchmaker:  c.Matchmaker,
		Request:     req,
		Stdin:       os.Stdin,
		Stdout:      os.Stdout,
		Caller:      protocol.NewCaller(protocol.CallerOptions{Logger: logger}),
		DialTimeout: c.DialTimeout,
		OnJoined: func(info protocol.SessionInfo) {
			fmt.Fprintf(os.Stderr, "session %s participant %s (%d connected) via %s\n",
				info.SessionID, info.ParticipantID, info.ParticipantCount, info.Relay)
		},
		Logger: logger,
	})
}
