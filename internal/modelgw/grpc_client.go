package modelgw

import (
	"context"

	"google.golang.org/grpc"
)

// verifierRequest/verifierResponse are the wire messages for the Verifier
// service. In production these are generated from a .proto file via
// protoc-gen-go and protoc-gen-go-grpc (google.golang.org/protobuf is
// already a teacher dependency); this hand-written pair keeps the gateway
// compilable without a checked-in generated file while using the exact
// invocation grpc-go's generated clients use underneath (cc.Invoke).
type verifierRequest struct {
	ClaimText string
	Evidence  []string
}

type verifierResponse struct {
	Verdict    string
	Confidence float64
	Coherence  float64
	Reasoning  string
}

const verifyMethod = "/shield.verify.modelgw.Verifier/Verify"

// grpcVerifierClient adapts a *grpc.ClientConn to the VerifierClient
// interface, following internal/escrow/jury_client.go's "wrap one
// ClientConn per remote service" shape.
type grpcVerifierClient struct {
	conn    *grpc.ClientConn
	modelID string
}

func newGRPCVerifierClient(conn *grpc.ClientConn, modelID string) *grpcVerifierClient {
	return &grpcVerifierClient{conn: conn, modelID: modelID}
}

func (c *grpcVerifierClient) Verify(ctx context.Context, claimText string, evidence []string) (Opinion, error) {
	req := &verifierRequest{ClaimText: claimText, Evidence: evidence}
	resp := &verifierResponse{}
	if err := c.conn.Invoke(ctx, verifyMethod, req, resp); err != nil {
		return Opinion{}, err
	}
	return Opinion{
		Verdict:    resp.Verdict,
		Confidence: resp.Confidence,
		Coherence:  resp.Coherence,
		Reasoning:  resp.Reasoning,
	}, nil
}
