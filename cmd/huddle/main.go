package main

import (
	"bufio"
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/peer"
)

// huddle is a terminal peer: it joins a room, enters the voice session
// and relays chat lines from stdin. Usage: huddle <room-code> [name].
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	roomArg := ""
	name := "guest"
	if len(os.Args) > 1 {
		roomArg = os.Args[1]
	}
	if len(os.Args) > 2 {
		name = os.Args[2]
	}

	var roomID domain.RoomID
	if roomArg == "" {
		roomID = domain.NewRoomID()
		log.Info().Str("room", string(roomID)).Msg("created new room code, share it")
	} else {
		roomID, err = domain.ParseRoomID(roomArg)
		if err != nil {
			log.Fatal().Err(err).Str("room", roomArg).Msg("bad room code")
		}
	}

	identity, err := domain.NewIdentity(name)
	if err != nil {
		log.Fatal().Err(err).Msg("bad display name")
	}

	client := peer.New(cfg, identity)
	if err := client.Join(ctx, roomID); err != nil {
		log.Fatal().Err(err).Msg("join failed")
	}
	defer client.Disconnect()

	if err := client.JoinVoice(ctx); err != nil {
		log.Error().Err(err).Msg("voice unavailable, staying text-only")
	}

	for _, p := range client.Participants() {
		log.Info().Str("user", p.Username).Bool("in_voice", p.InVoice).Msg("present")
	}
	for _, m := range client.Messages() {
		log.Info().Str("from", m.Username).Str("text", m.Body).Msg("history")
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if _, err := client.SendChat(ctx, line); err != nil {
				log.Error().Err(err).Msg("chat send failed")
			}
		}
	}
}
