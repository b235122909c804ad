package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	respoke "github.com/respoke/respoke-go"
	"github.com/respoke/respoke-go/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	endpoint := flag.String("endpoint", "", "endpoint id to connect as")
	group := flag.String("group", "lobby", "group to join")
	peer := flag.String("peer", "", "open a direct connection to this endpoint")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		return
	}
	id := *endpoint
	if id == "" {
		id = cfg.EndpointID
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "usage: respoke-cli -endpoint <id> [-group <name>]")
		os.Exit(2)
	}

	client := respoke.New(respoke.ClientConfig{
		BaseURL:         cfg.BaseURL,
		AppID:           cfg.AppID,
		EndpointID:      id,
		DevelopmentMode: true,
		Presence:        "available",
	})

	client.Listen("message", func(ev respoke.Event) {
		if ev.Message == nil {
			return
		}
		if ev.Message.GroupID != "" {
			fmt.Printf("[%s] %s: %s\n", ev.Message.GroupID, ev.Message.From, ev.Message.Text)
			return
		}
		fmt.Printf("(direct) %s: %s\n", ev.Message.From, ev.Message.Text)
	})
	client.Listen("presence", func(ev respoke.Event) {
		fmt.Printf("* %s is %s\n", ev.Endpoint.ID(), ev.Presence)
	})
	var dcMu sync.Mutex
	var activeDC *respoke.DirectConnection

	client.Listen("call", func(ev respoke.Event) {
		if ev.Call.Caller() {
			return
		}
		if ev.Call.Target() == respoke.TargetDirectConnection {
			fmt.Printf("* incoming direct connection from %s, answering\n", ev.Call.RemoteEndpoint())
			ev.Call.Answer()
			return
		}
		fmt.Printf("* incoming %s from %s, declining\n", ev.Call.Target(), ev.Call.RemoteEndpoint())
		ev.Call.Hangup("cli declined")
	})
	client.Listen("direct-connection", func(ev respoke.Event) {
		dc := ev.DirectConnection
		dcMu.Lock()
		activeDC = dc
		dcMu.Unlock()
		dc.Listen("open", func(respoke.Event) {
			fmt.Printf("* direct connection with %s open, \"#text\" sends there\n", dc.Endpoint().ID())
		})
		dc.Listen("message", func(ev respoke.Event) {
			fmt.Printf("(p2p) %s: %s\n", ev.Message.From, ev.Message.Text)
		})
		dc.Listen("close", func(respoke.Event) {
			fmt.Println("* direct connection closed")
			dcMu.Lock()
			if activeDC == dc {
				activeDC = nil
			}
			dcMu.Unlock()
		})
	})
	client.Listen("disconnect", func(ev respoke.Event) {
		fmt.Println("* disconnected")
	})
	client.Listen("reconnect", func(ev respoke.Event) {
		fmt.Println("* reconnected")
	})

	if err := client.Connect(ctx); err != nil {
		log.Error().Err(err).Msg("connect failed")
		return
	}
	fmt.Printf("* connected as %s (connection %s)\n", client.EndpointID(), client.ConnectionID())

	g, err := client.JoinGroup(ctx, *group)
	if err != nil {
		log.Error().Err(err).Str("group", *group).Msg("join failed")
		return
	}
	g.Listen("join", func(ev respoke.Event) {
		fmt.Printf("* %s joined %s\n", ev.Endpoint.ID(), g.ID())
	})
	g.Listen("leave", func(ev respoke.Event) {
		fmt.Printf("* %s left %s\n", ev.Endpoint.ID(), g.ID())
	})
	fmt.Printf("* joined %s; lines publish there, \"@peer text\" sends direct\n", g.ID())

	if *peer != "" {
		if _, err := client.GetEndpoint(*peer).StartDirectConnection(); err != nil {
			log.Error().Err(err).Str("peer", *peer).Msg("direct connection failed")
		}
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = client.Disconnect(context.Background())
			return
		case line, ok := <-lines:
			if !ok {
				_ = client.Disconnect(context.Background())
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "@") {
				to, text, found := strings.Cut(line[1:], " ")
				if !found || to == "" {
					fmt.Println("usage: @peer text")
					continue
				}
				if err := client.SendMessage(ctx, to, text); err != nil {
					log.Error().Err(err).Str("to", to).Msg("send failed")
				}
				continue
			}
			if strings.HasPrefix(line, "#") {
				dcMu.Lock()
				dc := activeDC
				dcMu.Unlock()
				if dc == nil {
					fmt.Println("no direct connection open")
					continue
				}
				if err := dc.SendText(strings.TrimSpace(line[1:])); err != nil {
					log.Error().Err(err).Msg("p2p send failed")
				}
				continue
			}
			if err := g.Publish(ctx, line); err != nil {
				log.Error().Err(err).Msg("publish failed")
			}
		}
	}
}
