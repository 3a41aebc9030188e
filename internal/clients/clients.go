package clients

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	checkingrpc "github.com/loadcosmos/mnu-events-sub001/internal/grpc"
)

// Checkin is a connection to a running check-in query service.
type Checkin struct {
	Conn  *grpc.ClientConn
	Query *checkingrpc.QueryClient
}

func NewCheckin(ctx context.Context, addr, serviceToken string, timeout time.Duration) (*Checkin, error) {
	if serviceToken == "" {
		return nil, errors.New("service auth token required")
	}
	conn, err := dial(ctx, addr, serviceToken, timeout)
	if err != nil {
		return nil, err
	}
	return &Checkin{Conn: conn, Query: checkingrpc.NewQueryClient(conn)}, nil
}

func (c *Checkin) Close() {
	if c == nil || c.Conn == nil {
		return
	}
	_ = c.Conn.Close()
}

func dial(ctx context.Context, addr, serviceToken string, timeout time.Duration) (*grpc.ClientConn, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return grpc.DialContext(ctx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(serviceAuthUnaryClientInterceptor(serviceToken)),
	)
}

func serviceAuthUnaryClientInterceptor(serviceToken string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, checkingrpc.ServiceTokenHeader, serviceToken)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}
