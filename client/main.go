// Command client is a terminal JIM client: one goroutine pumps inbound
// frames, the interactive send path is fed through a channel, and a lost
// connection is redialed with a fixed one-second backoff.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"jim/config"
	"jim/protocol"

	"github.com/rs/zerolog"
)

func main() {
	addr := flag.String("a", "localhost", "server address")
	port := flag.Int("p", 7777, "server port")
	user := flag.String("u", "", "username")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(zerolog.InfoLevel).With().Timestamp().Logger()

	if *user == "" {
		logger.Fatal().Msg("username is required (-u)")
	}
	if err := config.ValidatePort(*port); err != nil {
		logger.Fatal().Err(err).Msg("invalid server port")
	}

	target := net.JoinHostPort(*addr, strconv.Itoa(*port))

	outgoing := make(chan protocol.Message)
	go readInput(*user, outgoing)

	for {
		conn := dial(target, logger)

		if err := write(conn, protocol.NewPresence(*user, "online")); err != nil {
			logger.Warn().Err(err).Msg("handshake failed")
			conn.Close()
			time.Sleep(time.Second)
			continue
		}

		lost := make(chan struct{})
		go receive(conn, lost, logger)

		quit := sendLoop(conn, outgoing, lost, logger)
		conn.Close()
		if quit {
			return
		}
		logger.Info().Msg("connection lost, reconnecting")
	}
}

// dial retries until the server accepts; fixed 1s backoff, no attempt limit.
func dial(target string, logger zerolog.Logger) net.Conn {
	for {
		conn, err := net.Dial("tcp", target)
		if err == nil {
			logger.Info().Str("server", target).Msg("connected")
			return conn
		}
		logger.Warn().Err(err).Str("server", target).Msg("connection failed, retrying")
		time.Sleep(time.Second)
	}
}

func write(conn net.Conn, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	_, err = conn.Write(data)
	return err
}

// sendLoop forwards user input to the socket until the user quits or the
// connection drops. Returns true when the session ended on purpose.
func sendLoop(conn net.Conn, outgoing <-chan protocol.Message, lost <-chan struct{}, logger zerolog.Logger) bool {
	for {
		select {
		case msg := <-outgoing:
			if err := write(conn, msg); err != nil {
				logger.Warn().Err(err).Msg("send failed")
				return false
			}
			if msg.Action() == protocol.ActionQuit {
				return true
			}
		case <-lost:
			return false
		}
	}
}

// receive pumps inbound frames until the connection fails.
func receive(conn net.Conn, lost chan<- struct{}, logger zerolog.Logger) {
	defer close(lost)

	buf := make([]byte, protocol.MaxPacketSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Warn().Err(err).Msg("receive failed")
			}
			return
		}

		msg, err := protocol.Decode(buf[:n])
		if err != nil {
			logger.Warn().Err(err).Msg("undecodable frame from server")
			continue
		}

		printMessage(msg)
	}
}

func printMessage(msg protocol.Message) {
	if code := msg.Response(); code != 0 {
		text := msg.Str(protocol.KeyAlert)
		if text == "" {
			text = msg.Str(protocol.KeyError)
		}
		fmt.Printf("<< server: %d %s\n", code, text)
		return
	}

	switch msg.Action() {
	case protocol.ActionMsg:
		fmt.Printf("<< %s: %s (%s)\n",
			msg.Str(protocol.KeyFrom), msg.Str(protocol.KeyMessage), msg.Str(protocol.KeyTime))
	case protocol.ActionProbe:
		// server liveness probe, nothing to show
	default:
		fmt.Printf("<< %v\n", msg)
	}
}

// readInput parses stdin into outbound messages.
func readInput(user string, out chan<- protocol.Message) {
	fmt.Println(`Commands: /contacts, /add <user>, /del <user>, /quit; or "<recipient> <text>" to chat`)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit":
			out <- protocol.NewQuit()
			return
		case line == "/contacts":
			out <- protocol.NewContacts(user)
		case strings.HasPrefix(line, "/add "):
			out <- protocol.NewAddContact(user, strings.TrimSpace(strings.TrimPrefix(line, "/add ")))
		case strings.HasPrefix(line, "/del "):
			out <- protocol.NewDelContact(user, strings.TrimSpace(strings.TrimPrefix(line, "/del ")))
		default:
			to, text, ok := strings.Cut(line, " ")
			if !ok {
				fmt.Println(`usage: "<recipient> <text>"`)
				continue
			}
			out <- protocol.NewChat(user, to, text)
		}
	}

	// stdin closed: leave cleanly
	out <- protocol.NewQuit()
}
