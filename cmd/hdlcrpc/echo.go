package main

import (
	"context"
	"errors"
	"io"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"hdlc-rpc/descriptor"
	"hdlc-rpc/server"
)

const echoServiceName = "pw.rpc.EchoService"

func newStringValue() any { return &wrapperspb.StringValue{} }

// echoLibrary describes the demo device: one method of each kind, all
// exchanging google.protobuf.StringValue.
func echoLibrary() *descriptor.Library {
	svc := descriptor.MustService(echoServiceName,
		&descriptor.Method{Name: "Echo", NewRequest: newStringValue, NewResponse: newStringValue},
		&descriptor.Method{Name: "Split", ServerStreaming: true, NewRequest: newStringValue, NewResponse: newStringValue},
		&descriptor.Method{Name: "Join", ClientStreaming: true, NewRequest: newStringValue, NewResponse: newStringValue},
		&descriptor.Method{Name: "Chat", ClientStreaming: true, ServerStreaming: true, NewRequest: newStringValue, NewResponse: newStringValue},
	)
	lib, err := descriptor.NewLibrary(svc)
	if err != nil {
		panic(err)
	}
	return lib
}

func registerEcho(s *server.Server) error {
	return errors.Join(
		s.RegisterUnary(echoServiceName, "Echo", func(_ context.Context, req any) (any, codes.Code) {
			return req, codes.OK
		}),
		s.RegisterServerStream(echoServiceName, "Split", func(ctx context.Context, req any, stream *server.Stream) codes.Code {
			for _, word := range strings.Fields(req.(*wrapperspb.StringValue).GetValue()) {
				if err := stream.Send(wrapperspb.String(word)); err != nil {
					return codes.Canceled
				}
			}
			return codes.OK
		}),
		s.RegisterClientStream(echoServiceName, "Join", func(_ context.Context, stream *server.Stream) (any, codes.Code) {
			var words []string
			for {
				msg, err := stream.Recv()
				if errors.Is(err, io.EOF) {
					return wrapperspb.String(strings.Join(words, " ")), codes.OK
				}
				if err != nil {
					return nil, codes.Canceled
				}
				words = append(words, msg.(*wrapperspb.StringValue).GetValue())
			}
		}),
		s.RegisterBidiStream(echoServiceName, "Chat", func(_ context.Context, stream *server.Stream) codes.Code {
			for {
				msg, err := stream.Recv()
				if errors.Is(err, io.EOF) {
					return codes.OK
				}
				if err != nil {
					return codes.Canceled
				}
				reply := strings.ToUpper(msg.(*wrapperspb.StringValue).GetValue())
				if err := stream.Send(wrapperspb.String(reply)); err != nil {
					return codes.Canceled
				}
			}
		}),
	)
}
