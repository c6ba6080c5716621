package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Wyydra/huddle/internal/client"
	"github.com/Wyydra/huddle/internal/config"
	"github.com/Wyydra/huddle/internal/core/domain"
	"github.com/Wyydra/huddle/internal/protocol"
)

var (
	flagNoMic      bool
	flagNoCamera   bool
	flagAutoAccept bool
)

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Host or join a call",
}

var createCmd = &cobra.Command{
	Use:   "create [room-id]",
	Short: "Create a room and wait for people to ask in",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var id domain.RoomID
		if len(args) == 1 {
			id = domain.RoomID(args[0])
		}
		return runCall(cmd.Context(), func(ctx context.Context, c *client.Controller) error {
			got, err := c.CreateRoom(ctx, id)
			if err != nil {
				return err
			}
			fmt.Printf("room %s created, share the id to invite people\n", got)
			return nil
		})
	},
}

var joinCmd = &cobra.Command{
	Use:   "join <room-id>",
	Short: "Ask the host of a room to let you in",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := domain.RoomID(args[0])
		return runCall(cmd.Context(), func(ctx context.Context, c *client.Controller) error {
			exists, err := c.CheckRoom(ctx, id)
			if err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("room %s does not exist", id)
			}
			if err := c.Join(ctx, id); err != nil {
				return err
			}
			fmt.Printf("asked to join %s, waiting for the host\n", id)
			return nil
		})
	},
}

func init() {
	pf := callCmd.PersistentFlags()
	pf.BoolVar(&flagNoMic, "no-mic", false, "join without a microphone")
	pf.BoolVar(&flagNoCamera, "no-camera", false, "join without a camera")
	createCmd.Flags().BoolVar(&flagAutoAccept, "auto-accept", false, "admit everyone who asks")

	callCmd.AddCommand(createCmd, joinCmd)
}

func newController(cfg *config.Client, log zerolog.Logger) (*client.Controller, error) {
	stun, turn := cfg.ICEServers()
	peers, err := client.NewPionFactory(client.ICEConfig{
		STUN:     stun,
		TURN:     turn,
		TURNUser: cfg.TURNUser,
		TURNPass: cfg.TURNPass,
	}, log)
	if err != nil {
		return nil, err
	}

	return client.New(client.Options{
		Dialer: &client.WSDialer{
			URL:    cfg.ServerURL,
			Token:  cfg.Token,
			Codec:  protocol.CodecFor("huddle." + cfg.Codec),
			Logger: log,
		},
		Media: client.SyntheticDevices{
			Microphone: !flagNoMic,
			Camera:     !flagNoCamera,
			Screen:     true,
		},
		Peers: peers,
		Backoff: client.Backoff{
			Base:        cfg.ReconnectBase,
			Cap:         cfg.ReconnectCap,
			MaxAttempts: cfg.ReconnectMaxAttempts,
		},
		User:   protocol.User{Name: cfg.Name},
		Logger: log,
	}), nil
}

// runCall connects, runs enter once the socket is up and then serves events
// and stdin commands until the call ends or the process is interrupted.
func runCall(parent context.Context, enter func(context.Context, *client.Controller) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := newController(cfg, log)
	if err != nil {
		return err
	}

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	if err := waitConnected(ctx, c, runErr); err != nil {
		return err
	}
	if err := enter(ctx, c); err != nil {
		stop()
		<-runErr
		return err
	}

	lines := make(chan string)
	go readLines(os.Stdin, lines)
	printHelp()

	var lastRequest domain.ConnID
	for {
		select {
		case err := <-runErr:
			return err
		case ev := <-c.Events():
			if jr, ok := ev.(client.JoinRequested); ok {
				lastRequest = jr.From
				if flagAutoAccept {
					if err := c.Respond(jr.From, true); err != nil {
						fmt.Println("!", err)
					}
				}
			}
			printEvent(ev)
			if sc, ok := ev.(client.StateChanged); ok && sc.To == client.StateIdle {
				stop()
				return <-runErr
			}
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			quit, err := command(ctx, c, line, &lastRequest)
			if err != nil {
				fmt.Println("!", describe(err))
			}
			if quit {
				c.Leave()
				stop()
				return <-runErr
			}
		}
	}
}

func waitConnected(ctx context.Context, c *client.Controller, runErr <-chan error) error {
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for !c.Connected() {
		select {
		case err := <-runErr:
			if err == nil {
				err = ctx.Err()
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
	return nil
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		out <- strings.TrimSpace(sc.Text())
	}
}

func command(ctx context.Context, c *client.Controller, line string, lastRequest *domain.ConnID) (quit bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	switch fields[0] {
	case "y", "n":
		target := *lastRequest
		if len(fields) > 1 {
			target = domain.ConnID(fields[1])
		}
		if target == "" {
			return false, errors.New("no pending request")
		}
		return false, c.Respond(target, fields[0] == "y")
	case "mute":
		return false, c.ToggleMic(false)
	case "unmute":
		return false, c.ToggleMic(true)
	case "video":
		if len(fields) < 2 {
			return false, errors.New("usage: video on|off")
		}
		return false, c.ToggleVideo(fields[1] == "on")
	case "share":
		return false, c.StartScreenShare(ctx)
	case "unshare":
		c.StopScreenShare()
		return false, nil
	case "kick":
		if len(fields) < 2 {
			return false, errors.New("usage: kick <conn-id>")
		}
		return false, c.RemoveParticipant(domain.ConnID(fields[1]))
	case "who":
		printSnapshot(c.Snapshot())
		return false, nil
	case "leave", "quit":
		return true, nil
	case "help":
		printHelp()
		return false, nil
	}
	return false, fmt.Errorf("unknown command %q", fields[0])
}

func describe(err error) string {
	var mae *client.MediaAccessError
	if errors.As(err, &mae) {
		return mae.Message()
	}
	return err.Error()
}

func printHelp() {
	fmt.Println("commands: y|n [conn-id], mute, unmute, video on|off, share, unshare, kick <conn-id>, who, leave")
}

func printEvent(ev client.Event) {
	switch e := ev.(type) {
	case client.StateChanged:
		fmt.Printf("* %s -> %s\n", e.From, e.To)
	case client.JoinRequested:
		fmt.Printf("* %s (%s) asks to join, answer y or n\n", displayName(e.User), e.From)
	case client.JoinRequestCancelled:
		fmt.Printf("* %s withdrew their request\n", e.From)
	case client.Declined:
		fmt.Printf("* not admitted to %s: %s\n", e.RoomID, e.Reason)
	case client.ParticipantJoined:
		fmt.Printf("* %s (%s) joined\n", displayName(e.Participant.User), e.Participant.ConnID)
	case client.ParticipantLeft:
		fmt.Printf("* %s left\n", e.ConnID)
	case client.MediaToggled:
		state := "off"
		if e.Enabled {
			state = "on"
		}
		fmt.Printf("* %s turned %s %s\n", e.ConnID, e.Kind, state)
	case client.Removed:
		fmt.Printf("* you were removed from %s\n", e.RoomID)
	case client.HostLeft:
		fmt.Printf("* the host closed %s\n", e.RoomID)
	case client.Error:
		fmt.Println("!", describe(e.Err))
	}
}

func printSnapshot(s client.Snapshot) {
	fmt.Printf("room %s, %s, mic %v, video %v, sharing %v\n", s.RoomID, s.State, s.MicOn, s.VideoOn, s.Sharing)
	for _, p := range s.Participants {
		fmt.Printf("  %s  %s  mic %v  video %v\n", p.ConnID, displayName(p.User), p.MicOn, p.VideoOn)
	}
	for id, u := range s.Requests {
		fmt.Printf("  waiting: %s  %s\n", id, displayName(u))
	}
}

func displayName(u protocol.User) string {
	if u.Name == "" {
		return "someone"
	}
	return u.Name
}
