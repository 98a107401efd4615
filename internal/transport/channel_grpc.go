package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ChannelServiceName = "linkflow.stream.v1.Channel"
	pushMethod         = "/" + ChannelServiceName + "/Push"
)

// ChannelServer receives data frames from upstream vertices.
type ChannelServer interface {
	Push(stream PushServer) error
}

// PushServer is the server side of a Push stream.
type PushServer interface {
	Recv() (*wrapperspb.BytesValue, error)
	SendAndClose(*emptypb.Empty) error
	grpc.ServerStream
}

// PushClient is the client side of a Push stream.
type PushClient interface {
	Send(*wrapperspb.BytesValue) error
	CloseAndRecv() (*emptypb.Empty, error)
	grpc.ClientStream
}

var channelServiceDesc = grpc.ServiceDesc{
	ServiceName: ChannelServiceName,
	HandlerType: (*ChannelServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Push",
			Handler:       pushHandler,
			ClientStreams: true,
		},
	},
	Metadata: "linkflow/stream/v1/channel.proto",
}

// RegisterChannelServer registers srv with a gRPC server.
func RegisterChannelServer(s grpc.ServiceRegistrar, srv ChannelServer) {
	s.RegisterService(&channelServiceDesc, srv)
}

func pushHandler(srv any, stream grpc.ServerStream) error {
	return srv.(ChannelServer).Push(&pushServerStream{stream})
}

type pushServerStream struct {
	grpc.ServerStream
}

func (x *pushServerStream) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (x *pushServerStream) SendAndClose(m *emptypb.Empty) error {
	return x.ServerStream.SendMsg(m)
}

// OpenPush starts a Push stream on cc.
func OpenPush(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (PushClient, error) {
	stream, err := cc.NewStream(ctx, &channelServiceDesc.Streams[0], pushMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &pushClientStream{stream}, nil
}

type pushClientStream struct {
	grpc.ClientStream
}

func (x *pushClientStream) Send(m *wrapperspb.BytesValue) error {
	return x.ClientStream.SendMsg(m)
}

func (x *pushClientStream) CloseAndRecv() (*emptypb.Empty, error) {
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	m := new(emptypb.Empty)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
