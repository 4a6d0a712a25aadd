package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/meridianhealth/smart-gateway-golang/internal/helpers"
)

func main() {
	app := &cli.App{
		Name: "Meridian Portal Helper",
		Commands: []*cli.Command{
			runGenerateSecrets,
		},
	}

	app.RunAndExitOnError()
}

var runGenerateSecrets = &cli.Command{
	Name:  "generate-secrets",
	Usage: "generate a session secret and salt pair and write them as a .env snippet",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "out",
			Value:    "./secrets.env",
			Required: false,
		},
	},
	Action: func(cmd *cli.Context) error {
		secret, err := helpers.GenerateToken(32)
		if err != nil {
			return err
		}

		salt, err := helpers.GenerateToken(16)
		if err != nil {
			return err
		}

		snippet := fmt.Sprintf("MERIDIAN_SESSION_SECRET=%s\nMERIDIAN_SESSION_SALT=%s\n", secret, salt)

		if err := os.WriteFile(cmd.String("out"), []byte(snippet), 0600); err != nil {
			return err
		}

		fmt.Printf("wrote %s\n", cmd.String("out"))

		return nil
	},
}
