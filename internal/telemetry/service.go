package telemetry

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the gRPC service carrying tick updates. Health checks use the
// same name.
const ServiceName = "navpolicy.Control"

const streamTicksMethod = "/" + ServiceName + "/StreamTicks"

type controlServer interface {
	streamTicks(*emptypb.Empty, grpc.ServerStream) error
}

// The service uses well-known message types so no generated code is needed:
// an Empty request and a stream of Struct updates.
var controlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*controlServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamTicks",
			Handler:       streamTicksHandler,
			ServerStreams: true,
		},
	},
	Metadata: "navpolicy/control.proto",
}

func streamTicksHandler(srv any, stream grpc.ServerStream) error {
	req := new(emptypb.Empty)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(controlServer).streamTicks(req, stream)
}

func (p *Publisher) streamTicks(_ *emptypb.Empty, stream grpc.ServerStream) error {
	id := uuid.NewString()
	client, ok := p.addClient(id)
	if !ok {
		return status.Errorf(codes.ResourceExhausted, "telemetry client limit %d reached", p.config.MaxClients)
	}
	defer p.removeClient(id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.stopCh:
			return nil
		case update := <-client.updateCh:
			if err := stream.SendMsg(update); err != nil {
				return err
			}
		}
	}
}

// TickStream receives tick updates from a publisher.
type TickStream struct {
	stream grpc.ClientStream
}

// Subscribe opens a tick stream on conn.
func Subscribe(ctx context.Context, conn grpc.ClientConnInterface) (*TickStream, error) {
	stream, err := conn.NewStream(ctx, &controlServiceDesc.Streams[0], streamTicksMethod)
	if err != nil {
		return nil, err
	}
	// io.EOF means the server already ended the stream; Recv reports why.
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &TickStream{stream: stream}, nil
}

// Recv blocks for the next update. It returns io.EOF when the server ends
// the stream.
func (t *TickStream) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := t.stream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
