package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsarna/gateway-client/pkg/gateway"
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send <opcode> <json-data>",
	Short: "Send one outbound action and exit",
	Long: `Connect to the gateway, wait for the session to become ready, send one
outbound action and disconnect.

The opcode is a number or a name: presence_update, voice_state_update or
request_guild_members.

Examples:
  gwclient send presence_update '{"since":null,"activities":[],"status":"idle","afk":false}'
  gwclient send 8 '{"guild_id":"41771983444115456","query":"","limit":0}'`,
	Args: cobra.ExactArgs(2),
	RunE: runSend,
}

var sendTimeout time.Duration

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 30*time.Second, "time allowed to connect and send")
}

func runSend(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	op, err := gateway.ParseOpcode(args[0])
	if err != nil {
		return err
	}
	if !op.Outbound() {
		return fmt.Errorf("opcode %s cannot be sent as an action", op)
	}
	var data json.RawMessage
	if err := json.Unmarshal([]byte(args[1]), &data); err != nil {
		return fmt.Errorf("invalid json data: %w", err)
	}

	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	builder := gateway.NewSession().
		WithTransport(cfg.Transport(logger)).
		WithLogger(logger)
	if err := cfg.Configure(builder); err != nil {
		return err
	}
	session, err := builder.Build()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), sendTimeout)
	defer cancel()

	if err := session.Start(ctx); err != nil {
		return err
	}
	defer func() {
		session.Stop()
		_ = session.Wait(context.Background())
	}()

	if err := session.Ready(ctx); err != nil {
		return fmt.Errorf("session not ready: %w", err)
	}
	if err := session.SendAction(ctx, op, data); err != nil {
		return fmt.Errorf("send failed: %w", err)
	}

	logger.Info("Sent", zap.Stringer("op", op))
	return nil
}
