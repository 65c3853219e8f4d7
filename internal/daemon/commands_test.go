package daemon

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/arqma/arqmavisor/internal/config"
	"github.com/arqma/arqmavisor/internal/gateway"
	"github.com/arqma/arqmavisor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func banHarness(t *testing.T, node *rpcNode) *harness {
	t.Helper()
	host, port := node.start(t)
	return newHarness(t, testConfig(t, config.ModeLocal, host, port),
		WithClock(func() time.Time { return fixedNow }))
}

func TestBanPeer_Success(t *testing.T) {
	node := newRPCNode()
	node.set("set_bans", `{"status":"OK"}`)
	h := banHarness(t, node)

	note := h.sup.BanPeer(context.Background(), "10.0.0.7", 600)

	assert.Equal(t, "Banned 10.0.0.7 until 2024-03-01 12:10:00", note.Message)
	assert.Equal(t, NotificationTimeout, note.Timeout)
	assert.Empty(t, note.Type)

	calls := node.callsTo("set_bans")
	require.Len(t, calls, 1)
	var params struct {
		Bans []types.BanRequest `json:"bans"`
	}
	require.NoError(t, json.Unmarshal(calls[0].Params, &params))
	assert.Equal(t, []types.BanRequest{{Host: "10.0.0.7", Seconds: 600, Ban: true}}, params.Bans)

	assert.Equal(t, []interface{}{note}, h.gw.byTopic(gateway.TopicNotification))

	_, _, triggers, _ := h.hb.snapshot()
	assert.Equal(t, 1, triggers)
}

func TestBanPeer_DefaultDuration(t *testing.T) {
	for _, seconds := range []int64{0, -5} {
		node := newRPCNode()
		node.set("set_bans", `{"status":"OK"}`)
		h := banHarness(t, node)

		note := h.sup.BanPeer(context.Background(), "10.0.0.8", seconds)
		assert.Equal(t, "Banned 10.0.0.8 until 2024-03-01 13:00:00", note.Message)

		var params struct {
			Bans []types.BanRequest `json:"bans"`
		}
		require.NoError(t, json.Unmarshal(node.callsTo("set_bans")[0].Params, &params))
		assert.Equal(t, int64(DefaultBanSeconds), params.Bans[0].Seconds)
	}
}

func TestBanPeer_Failure(t *testing.T) {
	node := newRPCNode()
	node.fail("set_bans", -3)
	h := banHarness(t, node)

	note := h.sup.BanPeer(context.Background(), "10.0.0.9", 60)

	assert.Equal(t, types.Notification{
		Type:    types.NotificationNegative,
		Message: "Error banning peer",
		Timeout: NotificationTimeout,
	}, note)
	assert.Len(t, h.gw.byTopic(gateway.TopicNotification), 1)

	_, _, triggers, _ := h.hb.snapshot()
	assert.Zero(t, triggers)
}

func TestBanPeer_NoResult(t *testing.T) {
	node := newRPCNode()
	node.set("set_bans", `null`)
	h := banHarness(t, node)

	note := h.sup.BanPeer(context.Background(), "10.0.0.7", 600)

	assert.Equal(t, types.NotificationNegative, note.Type)
	assert.Equal(t, "Error banning peer", note.Message)
	assert.Equal(t, []interface{}{note}, h.gw.byTopic(gateway.TopicNotification))

	_, _, triggers, _ := h.hb.snapshot()
	assert.Zero(t, triggers)
}

func TestHandle(t *testing.T) {
	node := newRPCNode()
	node.set("set_bans", `{"status":"OK"}`)
	h := banHarness(t, node)
	ctx := context.Background()

	err := h.sup.Handle(ctx, Command{Method: CommandBanPeer, Data: json.RawMessage(`{"host":"1.2.3.4","seconds":30}`)})
	require.NoError(t, err)
	assert.Len(t, node.callsTo("set_bans"), 1)

	err = h.sup.Handle(ctx, Command{Method: CommandBanPeer, Data: json.RawMessage(`{"seconds":30}`)})
	assert.ErrorContains(t, err, "host is required")

	err = h.sup.Handle(ctx, Command{Method: CommandBanPeer, Data: json.RawMessage(`not json`)})
	assert.ErrorContains(t, err, "invalid ban_peer payload")

	assert.NoError(t, h.sup.Handle(ctx, Command{Method: "restart_wallet"}))
	assert.Len(t, node.callsTo("set_bans"), 1)
}

func TestCommandHandler(t *testing.T) {
	node := newRPCNode()
	node.set("set_bans", `{"status":"OK"}`)
	h := banHarness(t, node)

	handler := h.sup.CommandHandler()
	require.NoError(t, handler(context.Background(), CommandBanPeer, json.RawMessage(`{"host":"5.6.7.8"}`)))
	assert.Len(t, node.callsTo("set_bans"), 1)
}
