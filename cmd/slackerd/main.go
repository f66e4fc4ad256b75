package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/slacker-rpc/slacker-go/pkg/app"
	"github.com/slacker-rpc/slacker-go/pkg/rpc/grpcserver"
)

func main() {
	server := grpcserver.NewServer()
	server.Register("slacker.example",
		grpcserver.Function{
			Name:       "echo",
			Doc:        "returns its argument unchanged",
			ParamLists: [][]string{{"v"}},
			Handler: func(_ context.Context, arg []byte) ([]byte, error) {
				return arg, nil
			},
		},
		grpcserver.Function{
			Name: "now",
			Doc:  "returns the server time in RFC 3339 format",
			Handler: func(context.Context, []byte) ([]byte, error) {
				return json.Marshal(time.Now().Format(time.RFC3339Nano))
			},
		},
	)

	if err := app.Run(server); err != nil {
		logrus.StandardLogger().WithError(err).Error("server terminated")
		os.Exit(1)
	}
}
