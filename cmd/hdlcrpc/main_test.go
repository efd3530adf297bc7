package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"hdlc-rpc/channel"
	"hdlc-rpc/client"
	"hdlc-rpc/hdlc"
	"hdlc-rpc/packet"
	"hdlc-rpc/server"
	"hdlc-rpc/transport"
)

func TestDecodeCommand(t *testing.T) {
	var capture bytes.Buffer
	capture.Write(hdlc.EncodeUIFrame('R', packet.Request(1, 2, 3, []byte("hi")).Encode()))
	capture.Write(hdlc.EncodeUIFrame('L', []byte("log")))
	capture.Write([]byte{hdlc.Flag, 'R', 0x03, 0x01, 0x02, 0x03, 0x04, 0x05, hdlc.Flag})
	path := filepath.Join(t.TempDir(), "capture.bin")
	require.NoError(t, os.WriteFile(path, capture.Bytes(), 0o644))

	run := func(args ...string) string {
		var out bytes.Buffer
		cmd := newRootCmd()
		cmd.SetOut(&out)
		cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
		require.NoError(t, cmd.Execute())
		return out.String()
	}

	out := run("decode", path)
	assert.Contains(t, out, "address=82")
	assert.Contains(t, out, "channel=1")
	assert.Contains(t, out, "address=76")
	assert.Contains(t, out, "FCS_MISMATCH")

	out = run("decode", "--valid", path)
	assert.NotContains(t, out, "FCS_MISMATCH")
}

func TestRunCall(t *testing.T) {
	logger := zaptest.NewLogger(t)
	lib := echoLibrary()
	srv := server.New(lib, server.WithLogger(logger))
	require.NoError(t, registerEcho(srv))
	defer srv.Shutdown(time.Second)

	tr, remote := transport.Pipe(transport.WithLogger(logger))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.ServeConn(ctx, remote)

	c, err := client.New([]*channel.Channel{channel.New(1, tr.RPCOutput())}, lib, client.WithLogger(logger))
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, tr.Start(c))
	defer tr.Close()

	cc, err := c.Channel(1)
	require.NoError(t, err)

	tests := []struct {
		method string
		words  []string
		want   []string
	}{
		{"Echo", []string{"hello", "there"}, []string{`response: "hello there"`}},
		{"Split", []string{"a b"}, []string{`response: "a"`, `response: "b"`}},
		{"Join", []string{"x", "y"}, []string{`response: "x y"`}},
		{"Chat", []string{"hi"}, []string{`response: "HI"`}},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			mc, err := cc.Method(echoServiceName, tt.method)
			require.NoError(t, err)

			var out bytes.Buffer
			require.NoError(t, runCall(context.Background(), &out, mc, tt.words))
			for _, want := range tt.want {
				assert.Contains(t, out.String(), want)
			}
			assert.Contains(t, out.String(), "status: OK")
		})
	}
}
