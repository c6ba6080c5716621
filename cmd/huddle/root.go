package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Wyydra/huddle/internal/config"
)

var (
	flagServer   string
	flagToken    string
	flagName     string
	flagSTUN     string
	flagTURN     string
	flagTURNUser string
	flagTURNPass string
	flagCodec    string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "huddle",
	Short: "Join and host video calls from the terminal",
	Long: `huddle talks to a huddle signaling server. It can host a room, ask to
join one, and list the rooms a server currently holds.

Flags override environment variables (HUDDLE_SERVER_URL, HUDDLE_TOKEN,
HUDDLE_NAME, STUN_SERVER, TURN_SERVER, ...), which override defaults.`,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagServer, "server", "", "signaling server websocket url")
	pf.StringVar(&flagToken, "token", "", "bearer token")
	pf.StringVar(&flagName, "name", "", "display name")
	pf.StringVar(&flagSTUN, "stun", "", "STUN server url")
	pf.StringVar(&flagTURN, "turn", "", "TURN server host")
	pf.StringVar(&flagTURNUser, "turn-user", "", "TURN username")
	pf.StringVar(&flagTURNPass, "turn-pass", "", "TURN password")
	pf.StringVar(&flagCodec, "codec", "", "wire codec: json or msgpack")
	pf.StringVar(&flagLogLevel, "log-level", "error", "log level")

	rootCmd.AddCommand(callCmd, roomsCmd)
}

func loadConfig() (*config.Client, error) {
	return config.LoadClient(config.ClientOptions{
		ServerURL:  flagServer,
		Token:      flagToken,
		Name:       flagName,
		STUNServer: flagSTUN,
		TURNServer: flagTURN,
		TURNUser:   flagTURNUser,
		TURNPass:   flagTURNPass,
		Codec:      flagCodec,
	})
}

func newLogger() zerolog.Logger {
	return config.NewLogger(flagLogLevel, "console", os.Stderr)
}
