package grpc

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/loadcosmos/mnu-events-sub001/internal/checkin"
	"github.com/loadcosmos/mnu-events-sub001/internal/db"
)

const (
	serviceName           = "checkin.v1.CheckinQueryService"
	getEventStatsMethod   = "/" + serviceName + "/GetEventStats"
	listCheckInsMethod    = "/" + serviceName + "/ListEventCheckIns"
	eventIDField          = "event_id"
	timestampLayoutMillis = "2006-01-02T15:04:05.000Z07:00"
)

// CheckinQueryService is the read-only surface other platform services use
// for attendance data. Messages are google.protobuf.Struct.
type CheckinQueryService interface {
	GetEventStats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListEventCheckIns(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*CheckinQueryService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetEventStats", Handler: getEventStatsHandler},
		{MethodName: "ListEventCheckIns", Handler: listEventCheckInsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "checkin/v1/checkin.proto",
}

func RegisterCheckinQueryService(s grpc.ServiceRegistrar, srv CheckinQueryService) {
	s.RegisterService(&ServiceDesc, srv)
}

func getEventStatsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CheckinQueryService).GetEventStats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getEventStatsMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CheckinQueryService).GetEventStats(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func listEventCheckInsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CheckinQueryService).ListEventCheckIns(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: listCheckInsMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CheckinQueryService).ListEventCheckIns(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

type CheckinQueryServer struct {
	checkins *checkin.Service
}

func NewCheckinQueryServer(checkins *checkin.Service) *CheckinQueryServer {
	return &CheckinQueryServer{checkins: checkins}
}

func (s *CheckinQueryServer) GetEventStats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	eventID, err := eventIDFromRequest(req)
	if err != nil {
		return nil, err
	}
	stats, err := s.checkins.EventStats(ctx, eventID)
	if err != nil {
		return nil, toStatus(err)
	}
	var capacity interface{}
	if stats.Capacity != nil {
		capacity = int64(*stats.Capacity)
	}
	return newStruct(map[string]interface{}{
		"event_id":      stats.EventID.String(),
		"title":         stats.Title,
		"is_paid":       stats.IsPaid,
		"capacity":      capacity,
		"eligible":      stats.Eligible,
		"checked_in":    stats.CheckedIn,
		"organizer":     stats.ByMode[db.ScanModeOrganizerScans],
		"students":      stats.ByMode[db.ScanModeStudentsScan],
		"check_in_rate": stats.CheckInRate,
	})
}

func (s *CheckinQueryServer) ListEventCheckIns(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	eventID, err := eventIDFromRequest(req)
	if err != nil {
		return nil, err
	}
	entries, err := s.checkins.EventCheckIns(ctx, eventID)
	if err != nil {
		return nil, toStatus(err)
	}
	items := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		items = append(items, map[string]interface{}{
			"id":            e.ID.String(),
			"user_id":       e.UserID.String(),
			"email":         e.User.Email,
			"first_name":    e.User.FirstName,
			"last_name":     e.User.LastName,
			"scan_mode":     string(e.ScanMode),
			"checked_in_at": e.CheckedInAt.UTC().Format(timestampLayoutMillis),
		})
	}
	return newStruct(map[string]interface{}{
		"event_id":  eventID.String(),
		"check_ins": items,
	})
}

func eventIDFromRequest(req *structpb.Struct) (uuid.UUID, error) {
	value, ok := req.GetFields()[eventIDField]
	if !ok || value.GetStringValue() == "" {
		return uuid.Nil, status.Error(codes.InvalidArgument, "event_id required")
	}
	id, err := uuid.Parse(value.GetStringValue())
	if err != nil {
		return uuid.Nil, status.Error(codes.InvalidArgument, "invalid event_id")
	}
	return id, nil
}

func newStruct(fields map[string]interface{}) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, "response encoding failed")
	}
	return out, nil
}

func toStatus(err error) error {
	ce, ok := checkin.AsError(err)
	if !ok {
		return status.Error(codes.Internal, "server_error")
	}
	code := codes.Internal
	switch {
	case errors.Is(ce, checkin.ErrNotFound):
		code = codes.NotFound
	case errors.Is(ce, checkin.ErrForbidden):
		code = codes.PermissionDenied
	case errors.Is(ce, checkin.ErrMalformedPayload), errors.Is(ce, checkin.ErrInvalidSignature):
		code = codes.InvalidArgument
	case errors.Is(ce, checkin.ErrInvalidState):
		code = codes.FailedPrecondition
	case errors.Is(ce, checkin.ErrConflict):
		code = codes.AlreadyExists
	case errors.Is(ce, checkin.ErrExpired):
		code = codes.DeadlineExceeded
	case errors.Is(ce, checkin.ErrTooManyRequests):
		code = codes.ResourceExhausted
	}
	return status.Error(code, ce.Code)
}

// QueryClient calls CheckinQueryService on a remote connection.
type QueryClient struct {
	cc grpc.ClientConnInterface
}

func NewQueryClient(cc grpc.ClientConnInterface) *QueryClient {
	return &QueryClient{cc: cc}
}

func (c *QueryClient) GetEventStats(ctx context.Context, eventID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, getEventStatsMethod, eventID, opts...)
}

func (c *QueryClient) ListEventCheckIns(ctx context.Context, eventID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, listCheckInsMethod, eventID, opts...)
}

func (c *QueryClient) invoke(ctx context.Context, method, eventID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]interface{}{eventIDField: eventID})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
