package subscription

import (
	pb "github.com/rpcpool/yellowstone-grpc/examples/golang/proto"
	"google.golang.org/protobuf/proto"
)

// Commitment is the fixed commitment level of every subscription. Confirmed
// trades a little certainty for much lower latency than finalized.
const Commitment = pb.CommitmentLevel_CONFIRMED

// BuildRequest compiles the config into the single subscribe request sent on
// every (re)connect.
func BuildRequest(cfg Config) *pb.SubscribeRequest {
	req := &pb.SubscribeRequest{
		Commitment: Commitment.Enum(),
	}

	entries := cfg.Entries()

	if cfg.Kind != KindAccounts {
		req.Transactions = make(map[string]*pb.SubscribeRequestFilterTransactions, len(entries))
		for _, e := range entries {
			req.Transactions[e.Name] = &pb.SubscribeRequestFilterTransactions{
				Vote:           proto.Bool(false),
				AccountInclude: e.Owners,
			}
		}
	}

	if cfg.Kind == KindAccounts || cfg.Kind == KindAll {
		req.Accounts = make(map[string]*pb.SubscribeRequestFilterAccounts, len(entries))
		for _, e := range entries {
			req.Accounts[e.Name] = &pb.SubscribeRequestFilterAccounts{
				Owner: e.Owners,
			}
		}
	}

	return req
}
