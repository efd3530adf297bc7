package transport_test

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"hdlc-rpc/channel"
	"hdlc-rpc/client"
	"hdlc-rpc/descriptor"
	"hdlc-rpc/hdlc"
	"hdlc-rpc/server"
	"hdlc-rpc/transport"
)

const echoService = "pw.rpc.EchoService"

func newString() any { return &wrapperspb.StringValue{} }

func echoLibrary(t testing.TB) *descriptor.Library {
	t.Helper()
	svc := descriptor.MustService(echoService,
		&descriptor.Method{Name: "Echo", NewRequest: newString, NewResponse: newString},
		&descriptor.Method{Name: "Split", ServerStreaming: true, NewRequest: newString, NewResponse: newString},
		&descriptor.Method{Name: "Join", ClientStreaming: true, NewRequest: newString, NewResponse: newString},
		&descriptor.Method{Name: "Chat", ClientStreaming: true, ServerStreaming: true, NewRequest: newString, NewResponse: newString},
	)
	lib, err := descriptor.NewLibrary(svc)
	require.NoError(t, err)
	return lib
}

func str(v any) string { return v.(*wrapperspb.StringValue).GetValue() }

func newEchoServer(t testing.TB, lib *descriptor.Library, logger *zap.Logger) *server.Server {
	t.Helper()
	s := server.New(lib, server.WithLogger(logger))
	require.NoError(t, s.RegisterUnary(echoService, "Echo", func(_ context.Context, req any) (any, codes.Code) {
		return req, codes.OK
	}))
	require.NoError(t, s.RegisterServerStream(echoService, "Split", func(_ context.Context, req any, stream *server.Stream) codes.Code {
		for _, word := range strings.Fields(str(req)) {
			if err := stream.Send(wrapperspb.String(word)); err != nil {
				return codes.Canceled
			}
		}
		return codes.OK
	}))
	require.NoError(t, s.RegisterClientStream(echoService, "Join", func(_ context.Context, stream *server.Stream) (any, codes.Code) {
		var words []string
		for {
			msg, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return wrapperspb.String(strings.Join(words, " ")), codes.OK
			}
			if err != nil {
				return nil, codes.Canceled
			}
			words = append(words, str(msg))
		}
	}))
	require.NoError(t, s.RegisterBidiStream(echoService, "Chat", func(_ context.Context, stream *server.Stream) codes.Code {
		for {
			msg, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return codes.OK
			}
			if err != nil {
				return codes.Canceled
			}
			if err := stream.Send(wrapperspb.String(strings.ToUpper(str(msg)))); err != nil {
				return codes.Canceled
			}
		}
	}))
	return s
}

// newPipeClient wires a client to an echo server through an in-memory
// byte stream framed with HDLC in both directions.
func newPipeClient(t testing.TB) *client.Client {
	t.Helper()
	logger := zaptest.NewLogger(t)
	lib := echoLibrary(t)
	srv := newEchoServer(t, lib, logger)

	tr, remote := transport.Pipe(transport.WithLogger(logger))
	ctx, cancel := context.WithCancel(context.Background())
	go srv.ServeConn(ctx, remote)

	c, err := client.New([]*channel.Channel{channel.New(1, tr.RPCOutput())}, lib, client.WithLogger(logger))
	require.NoError(t, err)
	require.NoError(t, tr.Start(c))

	t.Cleanup(func() {
		cancel()
		c.Close()
		tr.Close()
		srv.Shutdown(time.Second)
	})
	return c
}

func method(t testing.TB, c *client.Client, name string) *client.MethodClient {
	t.Helper()
	cc, err := c.Channel(1)
	require.NoError(t, err)
	mc, err := cc.Method(echoService, name)
	require.NoError(t, err)
	return mc
}

func TestUnaryOverPipe(t *testing.T) {
	c := newPipeClient(t)

	res, err := method(t, c, "Echo").Unary(context.Background(), wrapperspb.String("hello"))
	require.NoError(t, err)
	assert.Equal(t, codes.OK, res.Status)
	assert.Equal(t, "hello", str(res.Response))
	assert.Equal(t, 0, c.Pending())
}

func TestServerStreamOverPipe(t *testing.T) {
	c := newPipeClient(t)

	res, err := method(t, c, "Split").ServerStream(context.Background(), wrapperspb.String("a b c"))
	require.NoError(t, err)
	require.NoError(t, res.Err())
	require.Len(t, res.Responses, 3)
	for i, want := range []string{"a", "b", "c"} {
		assert.Equal(t, want, str(res.Responses[i]))
	}
}

func TestClientStreamOverPipe(t *testing.T) {
	c := newPipeClient(t)

	call, err := method(t, c, "Join").InvokeClientStream()
	require.NoError(t, err)
	defer call.Cancel()
	require.NoError(t, call.Send(wrapperspb.String("x")))
	require.NoError(t, call.Send(wrapperspb.String("y")))

	res, err := call.Finish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, codes.OK, res.Status)
	assert.Equal(t, "x y", str(res.Response))
}

func TestBidiOverPipe(t *testing.T) {
	c := newPipeClient(t)

	call, err := method(t, c, "Chat").InvokeBidiStream()
	require.NoError(t, err)
	defer call.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var got []string
	require.NoError(t, call.Send(wrapperspb.String("ping")))
	for resp, err := range call.Responses(ctx) {
		require.NoError(t, err)
		got = append(got, str(resp))
		if len(got) == 1 {
			require.NoError(t, call.Send(wrapperspb.String("pong")))
		}
		if len(got) == 2 {
			require.NoError(t, call.CloseSend())
		}
	}
	assert.Equal(t, []string{"PING", "PONG"}, got)
	status, ok := call.Status()
	require.True(t, ok)
	assert.Equal(t, codes.OK, status)
}

func TestConcurrentCallsOverPipe(t *testing.T) {
	c := newPipeClient(t)
	cc, err := c.Channel(1)
	require.NoError(t, err)
	echo, err := cc.Method(echoService, "Echo")
	require.NoError(t, err)
	split, err := cc.Method(echoService, "Split")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		res, err := echo.Unary(context.Background(), wrapperspb.String("one"))
		assert.NoError(t, err)
		assert.Equal(t, "one", str(res.Response))
	}()
	go func() {
		defer wg.Done()
		res, err := split.ServerStream(context.Background(), wrapperspb.String("two three"))
		assert.NoError(t, err)
		assert.Len(t, res.Responses, 2)
	}()
	wg.Wait()
}

// recorder is a processor that keeps every packet it is handed.
type recorder struct {
	mu      sync.Mutex
	packets [][]byte
	aborted error
}

func (r *recorder) ProcessPacket(data []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packets = append(r.packets, data)
	return true
}

func (r *recorder) AbortPending(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborted = err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.packets)
}

// drain reads frames the transport writes to the remote end.
func drain(t *testing.T, remote net.Conn) <-chan hdlc.Frame {
	t.Helper()
	frames := make(chan hdlc.Frame, 16)
	go func() {
		defer close(frames)
		decoder := hdlc.NewDecoder(zaptest.NewLogger(t))
		buf := make([]byte, 256)
		for {
			n, err := remote.Read(buf)
			for frame := range decoder.ValidFrames(buf[:n]) {
				select {
				case frames <- frame:
				default:
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return frames
}

func TestRemoteCloseAbortsPending(t *testing.T) {
	logger := zaptest.NewLogger(t)
	lib := echoLibrary(t)
	tr, remote := transport.Pipe(transport.WithLogger(logger))
	frames := drain(t, remote)

	c, err := client.New([]*channel.Channel{channel.New(1, tr.RPCOutput())}, lib, client.WithLogger(logger))
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, tr.Start(c))

	call, err := method(t, c, "Echo").InvokeUnary(wrapperspb.String("lost"), client.WithTimeout(time.Minute))
	require.NoError(t, err)
	<-frames // request reached the peer

	remote.Close()
	_, err = call.Wait(context.Background())
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF), "got %v", err)
	assert.True(t, errors.Is(tr.Err(), io.ErrUnexpectedEOF))
	assert.Equal(t, 0, c.Pending())
}

func TestLocalCloseStopsReader(t *testing.T) {
	tr, remote := transport.Pipe(transport.WithLogger(zaptest.NewLogger(t)))
	defer remote.Close()
	rec := &recorder{}
	require.NoError(t, tr.Start(rec))
	assert.True(t, errors.Is(tr.Start(rec), transport.ErrAlreadyStarted))

	require.NoError(t, tr.Close())
	assert.True(t, errors.Is(tr.Err(), transport.ErrClosed))
	rec.mu.Lock()
	assert.True(t, errors.Is(rec.aborted, transport.ErrClosed))
	rec.mu.Unlock()
	assert.True(t, errors.Is(tr.RPCOutput()([]byte{1}), transport.ErrClosed))
}

func TestCloseBeforeStart(t *testing.T) {
	tr, remote := transport.Pipe()
	defer remote.Close()
	require.NoError(t, tr.Close())
	assert.True(t, errors.Is(tr.Start(&recorder{}), transport.ErrClosed))
	assert.True(t, errors.Is(tr.Err(), transport.ErrClosed))
}

func TestFrameRouting(t *testing.T) {
	logs := make(chan hdlc.Frame, 4)
	tr, remote := transport.Pipe(
		transport.WithLogger(zaptest.NewLogger(t)),
		transport.WithFrameHandler(func(f hdlc.Frame) { logs <- f }))
	defer tr.Close()
	rec := &recorder{}
	require.NoError(t, tr.Start(rec))

	require.NoError(t, hdlc.WriteUIFrame(remote, 'L', []byte("boot ok")))
	require.NoError(t, hdlc.WriteUIFrame(remote, transport.DefaultRPCAddress, []byte{0x08, 0x01}))
	// Corrupt frame: dropped without reaching either consumer.
	_, err := remote.Write([]byte{0x7E, 'R', 0x03, 0x01, 0x02, 0x03, 0x04, 0x05, 0x7E})
	require.NoError(t, err)

	select {
	case f := <-logs:
		assert.Equal(t, byte('L'), f.Address())
		assert.Equal(t, "boot ok", string(f.Data()))
	case <-time.After(time.Second):
		t.Fatal("frame handler not called")
	}
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	assert.Equal(t, []byte{0x08, 0x01}, rec.packets[0])
	rec.mu.Unlock()
	assert.Len(t, logs, 0)
}

func TestKeepalive(t *testing.T) {
	tr, remote := transport.Pipe(
		transport.WithLogger(zaptest.NewLogger(t)),
		transport.WithKeepalive(0xFF, 10*time.Millisecond))
	frames := drain(t, remote)
	require.NoError(t, tr.Start(&recorder{}))

	select {
	case f := <-frames:
		assert.Equal(t, byte(0xFF), f.Address())
		assert.Empty(t, f.Data())
	case <-time.After(time.Second):
		t.Fatal("no keepalive frame")
	}
	tr.Close()
	remote.Close()
}

func TestPool(t *testing.T) {
	logger := zaptest.NewLogger(t)
	lib := echoLibrary(t)
	srv := newEchoServer(t, lib, logger)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(context.Background(), lis)
	defer srv.Shutdown(time.Second)

	dials := 0
	pool := transport.NewPool(1,
		func(ctx context.Context, addr string) (*transport.Transport, error) {
			dials++
			return transport.Dial(ctx, "tcp", addr, transport.WithLogger(logger))
		},
		func(tr *transport.Transport) (*client.Client, error) {
			return client.New([]*channel.Channel{channel.New(1, tr.RPCOutput())}, lib, client.WithLogger(logger))
		})
	defer pool.Close()

	ctx := context.Background()
	addr := lis.Addr().String()
	s1, err := pool.Get(ctx, addr)
	require.NoError(t, err)
	s2, err := pool.Get(ctx, addr)
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, dials)

	_, err = pool.Get(ctx, "127.0.0.1:1")
	assert.True(t, errors.Is(err, transport.ErrPoolExhausted))

	res, err := method(t, s1.Processor, "Echo").Unary(ctx, wrapperspb.String("pooled"))
	require.NoError(t, err)
	assert.Equal(t, "pooled", str(res.Response))

	// A dead session is replaced on the next Get.
	s1.Transport.Close()
	<-s1.Transport.Done()
	assert.False(t, s1.Alive())
	s3, err := pool.Get(ctx, addr)
	require.NoError(t, err)
	assert.NotSame(t, s1, s3)
	assert.Equal(t, 2, dials)
	assert.Equal(t, 1, pool.Len())

	require.NoError(t, pool.Close())
	assert.Equal(t, 0, pool.Len())
}

func BenchmarkUnaryOverPipe(b *testing.B) {
	c := newPipeClient(b)
	mc := method(b, c, "Echo")
	req := wrapperspb.String("benchmark")
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := mc.Unary(ctx, req); err != nil {
			b.Fatal(err)
		}
	}
}
