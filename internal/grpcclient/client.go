package grpcclient

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/ripeness-api/internal/detector"
	"github.com/example/ripeness-api/internal/logging"
)

const (
	// DetectMethod is the unary RPC served by the detector sidecar.
	DetectMethod = "/ripeness.v1.Detector/Detect"
	// ServiceName is the name reported to grpc.health.v1.
	ServiceName = "ripeness.v1.Detector"
	// ArtifactDirKey carries the per-request artifact directory.
	ArtifactDirKey = "x-artifact-dir"
)

// DialDetector returns a ready-to-use detector backed by the gRPC sidecar.
func DialDetector(ctx context.Context, addr string, logger *zap.Logger) (*RemoteDetector, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_detector", "", err)
		logger.Error("failed to dial detector", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewRemoteDetector(conn, logger), conn, nil
}

// RemoteDetector implements detector.Detector over a gRPC connection.
// It is safe for concurrent use.
type RemoteDetector struct {
	conn   grpc.ClientConnInterface
	health healthpb.HealthClient
	logger *zap.Logger
}

// NewRemoteDetector wraps an existing connection.
func NewRemoteDetector(conn grpc.ClientConnInterface, logger *zap.Logger) *RemoteDetector {
	return &RemoteDetector{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		logger: logger.Named("grpc_detector"),
	}
}

// CheckHealth asks the sidecar whether the detector service is serving.
func (r *RemoteDetector) CheckHealth(ctx context.Context) error {
	resp, err := r.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return logging.NewOperationError("grpcclient.health_check", "", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return logging.NewOperationError("grpcclient.health_check", "", fmt.Errorf("detector status %s", resp.GetStatus()))
	}
	return nil
}

// Detect sends the raw image bytes and parses the reply.
func (r *RemoteDetector) Detect(ctx context.Context, in detector.Input) (*detector.Prediction, error) {
	if len(in.Raw) == 0 {
		return nil, fmt.Errorf("grpc detector: empty image payload")
	}
	if in.ArtifactDir != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, ArtifactDirKey, in.ArtifactDir)
	}

	reply := &structpb.Struct{}
	if err := r.conn.Invoke(ctx, DetectMethod, wrapperspb.Bytes(in.Raw), reply); err != nil {
		wrapped := logging.NewOperationError("grpcclient.detect", "", err)
		r.logger.Error("detector call failed", zap.Error(wrapped))
		return nil, wrapped
	}

	pred, err := parseReply(reply)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.parse_reply", "", err)
	}
	r.logger.Debug("detector reply",
		zap.Int("boxes", len(pred.Boxes)),
		zap.Ints("class_ids", sortedClassIDs(pred.Names)),
		zap.Bool("overlay", pred.Overlay != nil))
	return pred, nil
}
