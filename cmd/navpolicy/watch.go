package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/banshee-data/navpolicy/internal/telemetry"
)

var watchAddr string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream tick telemetry from a running node",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := watchAddr
		if addr == "" {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			addr = cfg.GetGRPCListen()
		}
		conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return fmt.Errorf("failed to connect to %s: %w", addr, err)
		}
		defer conn.Close()
		return watch(cmd.Context(), conn, cmd.OutOrStdout())
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchAddr, "addr", "", "Telemetry address (defaults to telemetry.grpc_listen)")
}

func watch(ctx context.Context, conn grpc.ClientConnInterface, out io.Writer) error {
	stream, err := telemetry.Subscribe(ctx, conn)
	if err != nil {
		return err
	}
	for {
		update, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		f := update.GetFields()
		line := fmt.Sprintf("tick=%d episode=%s state=%s distance=%.2f",
			int64(f["tick"].GetNumberValue()),
			f["episode_id"].GetStringValue(),
			f["state"].GetStringValue(),
			f["distance"].GetNumberValue())
		if cmd := f["command"].GetListValue().GetValues(); len(cmd) >= 2 {
			line += fmt.Sprintf(" cmd=(%.3f, %.3f)", cmd[0].GetNumberValue(), cmd[1].GetNumberValue())
		}
		if s := f["suppressed"].GetStringValue(); s != "" {
			line += " suppressed=" + s
		}
		if e := f["error"].GetStringValue(); e != "" {
			line += " error=" + e
		}
		fmt.Fprintln(out, line)
	}
}
