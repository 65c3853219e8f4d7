package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arqma/arqmavisor/internal/config"
	"github.com/arqma/arqmavisor/internal/gateway"
	"github.com/arqma/arqmavisor/internal/process"
	"github.com/arqma/arqmavisor/internal/rpc"
	"github.com/arqma/arqmavisor/pkg/types"
	"go.uber.org/zap"
)

const (
	// DefaultBanSeconds is used when a ban request carries no duration.
	DefaultBanSeconds = 3600
	// NotificationTimeout is how long ban notifications stay visible, in ms.
	NotificationTimeout = 2000

	// CommandBanPeer is the front-end command that bans a peer.
	CommandBanPeer = "ban_peer"

	methodSetBans = "set_bans"
	banTimeLayout = "2006-01-02 15:04:05"
)

// Command is a request relayed from the front-end.
type Command struct {
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// BanPeerRequest is the payload of a ban_peer command.
type BanPeerRequest struct {
	Host    string `json:"host" binding:"required"`
	Seconds int64  `json:"seconds"`
}

// BanPeer bans host for seconds (3600 when not positive) and publishes the
// outcome as a notification. On success the connection and ban lists are
// refreshed once.
func (s *Supervisor) BanPeer(ctx context.Context, host string, seconds int64) types.Notification {
	if seconds <= 0 {
		seconds = DefaultBanSeconds
	}

	params := map[string]interface{}{
		"bans": []types.BanRequest{{Host: host, Seconds: seconds, Ban: true}},
	}
	resp := s.rpc.Call(ctx, methodSetBans, params)

	var note types.Notification
	if !resp.OK() {
		fields := []zap.Field{zap.String("host", host)}
		if resp.Error != nil {
			fields = append(fields, zap.Int("code", resp.Error.Code), zap.String("message", resp.Error.Message))
		}
		s.logger.Warn("failed to ban peer", fields...)
		note = types.Notification{
			Type:    types.NotificationNegative,
			Message: "Error banning peer",
			Timeout: NotificationTimeout,
		}
	} else {
		end := s.now().Add(time.Duration(seconds) * time.Second)
		s.logger.Info("peer banned", zap.String("host", host), zap.Time("until", end))
		note = types.Notification{
			Message: fmt.Sprintf("Banned %s until %s", host, end.Format(banTimeLayout)),
			Timeout: NotificationTimeout,
		}
	}

	s.gateway.Publish(gateway.TopicNotification, note)

	if resp.OK() {
		if err := s.heartbeat.TriggerSlow(); err != nil {
			s.logger.Debug("slow refresh not triggered", zap.Error(err))
		}
	}
	return note
}

// Handle runs a front-end command. Unknown commands are logged and ignored.
func (s *Supervisor) Handle(ctx context.Context, cmd Command) error {
	switch cmd.Method {
	case CommandBanPeer:
		var req BanPeerRequest
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return fmt.Errorf("invalid %s payload: %w", CommandBanPeer, err)
		}
		if req.Host == "" {
			return fmt.Errorf("invalid %s payload: host is required", CommandBanPeer)
		}
		s.BanPeer(ctx, req.Host, req.Seconds)
		return nil
	default:
		s.logger.Warn("ignoring unknown command", zap.String("method", cmd.Method))
		return nil
	}
}

// CommandHandler adapts Handle to the websocket hub.
func (s *Supervisor) CommandHandler() gateway.CommandHandler {
	return func(ctx context.Context, method string, data json.RawMessage) error {
		return s.Handle(ctx, Command{Method: method, Data: data})
	}
}

// TimestampToHeight estimates the height of the block mined at ts, in
// seconds or milliseconds.
func (s *Supervisor) TimestampToHeight(ctx context.Context, ts int64) (int64, bool) {
	return s.estimator.TimestampToHeight(ctx, ts)
}

// CheckVersion runs the node binary with --version.
func (s *Supervisor) CheckVersion(ctx context.Context) (string, bool) {
	version, err := process.Version(ctx, s.cfg.DaemonBinary())
	if err != nil {
		s.logger.Debug("version check failed", zap.Error(err))
		return "", false
	}
	return version, true
}

// CheckRemoteDaemon reports the network of the node RPC talks to. In local
// modes it answers from configuration without a call.
func (s *Supervisor) CheckRemoteDaemon(ctx context.Context) rpc.Response {
	if s.cfg.Mode == config.ModeLocal {
		result, _ := json.Marshal(map[string]bool{
			"mainnet": !s.cfg.Testnet,
			"testnet": s.cfg.Testnet,
		})
		return rpc.Response{Method: methodGetInfo, Result: result}
	}
	return s.rpc.CallURL(ctx, s.cfg.RemoteEndpoint(), methodGetInfo, nil)
}
