package processor

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	pb "github.com/rpcpool/yellowstone-grpc/examples/golang/proto"
	"github.com/sirupsen/logrus"
	"github.com/withObsrvr/yellowstone-ingestor/pkg/metrics"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const unknownID = "unknown"

var rawMarshal = proto.MarshalOptions{Deterministic: true}

// Normalize maps one upstream update to its canonical Event. It is pure:
// byte-identical updates always yield identical events. Nested fields that
// are missing degrade to absent optional fields.
func Normalize(update *pb.SubscribeUpdate) Event {
	ev := Event{
		Kind:       KindUnknown,
		EventID:    unknownID,
		ProgramIDs: []string{},
		FilterTags: append([]string{}, update.GetFilters()...),
		CreatedAt:  formatCreatedAt(update.GetCreatedAt()),
		RawPayload: rawPayload(update),
	}

	switch u := update.GetUpdateOneof().(type) {
	case *pb.SubscribeUpdate_Account:
		normalizeAccount(&ev, u.Account)
	case *pb.SubscribeUpdate_Transaction:
		normalizeTransaction(&ev, u.Transaction)
	case *pb.SubscribeUpdate_TransactionStatus:
		st := u.TransactionStatus
		sig := encodeSignature(st.GetSignature())
		ev.Kind = KindTransactionStatus
		ev.Slot = uint64Ptr(st.GetSlot())
		ev.Signature = &sig
		ev.EventID = joinID(string(KindTransactionStatus), sig, fmtU64(st.GetSlot()), fmtU64(st.GetIndex()))
	case *pb.SubscribeUpdate_Slot:
		s := u.Slot
		ev.Kind = KindSlot
		ev.Slot = uint64Ptr(s.GetSlot())
		ev.EventID = joinID(string(KindSlot), fmtU64(s.GetSlot()), strconv.FormatInt(int64(s.GetStatus()), 10))
	case *pb.SubscribeUpdate_Block:
		ev.Kind = KindBlock
		ev.Slot = uint64Ptr(u.Block.GetSlot())
		ev.EventID = joinID(string(KindBlock), fmtU64(u.Block.GetSlot()))
	case *pb.SubscribeUpdate_BlockMeta:
		ev.Kind = KindBlockMeta
		ev.Slot = uint64Ptr(u.BlockMeta.GetSlot())
		ev.EventID = joinID(string(KindBlockMeta), fmtU64(u.BlockMeta.GetSlot()))
	case *pb.SubscribeUpdate_Entry:
		ev.Kind = KindEntry
		ev.Slot = uint64Ptr(u.Entry.GetSlot())
		ev.EventID = joinID(string(KindEntry), fmtU64(u.Entry.GetSlot()), fmtU64(u.Entry.GetIndex()))
	case *pb.SubscribeUpdate_Ping:
		ev.Kind = KindPing
		ev.EventID = string(KindPing)
	case *pb.SubscribeUpdate_Pong:
		ev.Kind = KindPong
		ev.EventID = joinID(string(KindPong), strconv.FormatInt(int64(u.Pong.GetId()), 10))
	}

	return ev
}

func normalizeAccount(ev *Event, u *pb.SubscribeUpdateAccount) {
	slot := u.GetSlot()
	ev.Kind = KindAccount
	ev.Slot = uint64Ptr(slot)

	info := u.GetAccount()
	if info == nil {
		ev.EventID = joinID(string(KindAccount), unknownID, fmtU64(slot))
		return
	}

	pubkey := encodeKey(info.GetPubkey())
	owner := encodeKey(info.GetOwner())
	ev.AccountPubkey = &pubkey
	ev.AccountOwner = &owner
	ev.ProgramIDs = []string{owner}
	if sig := info.GetTxnSignature(); len(sig) > 0 {
		s := encodeSignature(sig)
		ev.Signature = &s
	}
	ev.EventID = joinID(string(KindAccount), pubkey, fmtU64(slot), fmtU64(info.GetWriteVersion()))
}

func normalizeTransaction(ev *Event, u *pb.SubscribeUpdateTransaction) {
	slot := u.GetSlot()
	ev.Kind = KindTransaction
	ev.Slot = uint64Ptr(slot)

	info := u.GetTransaction()
	if info == nil {
		ev.EventID = joinID(string(KindTransaction), unknownID, fmtU64(slot))
		return
	}

	sig := encodeSignature(info.GetSignature())
	ev.Signature = &sig
	ev.ProgramIDs = programIDs(info)
	ev.EventID = joinID(string(KindTransaction), sig, fmtU64(slot), fmtU64(info.GetIndex()))
}

// programIDs resolves every top-level instruction's program index against
// the message's account keys. Indexes outside the key table are skipped.
// The result is sorted; downstream matching is by membership only.
func programIDs(info *pb.SubscribeUpdateTransactionInfo) []string {
	msg := info.GetTransaction().GetMessage()
	keys := msg.GetAccountKeys()

	set := make(map[string]struct{})
	for _, ix := range msg.GetInstructions() {
		idx := int(ix.GetProgramIdIndex())
		if idx >= len(keys) {
			continue
		}
		set[encodeKey(keys[idx])] = struct{}{}
	}

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func rawPayload(update *pb.SubscribeUpdate) []byte {
	if update == nil {
		return []byte{}
	}
	raw, err := rawMarshal.Marshal(update)
	if err != nil || raw == nil {
		return []byte{}
	}
	return raw
}

func formatCreatedAt(ts *timestamppb.Timestamp) *string {
	if ts == nil {
		return nil
	}
	s := fmt.Sprintf("%d.%09d", ts.GetSeconds(), ts.GetNanos())
	return &s
}

func joinID(parts ...string) string {
	return strings.Join(parts, ":")
}

func fmtU64(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func uint64Ptr(v uint64) *uint64 {
	return &v
}

// NormalizeUpdate is the first processor of the chain: it turns each
// *pb.SubscribeUpdate into an Event and forwards it.
type NormalizeUpdate struct {
	processors []Processor
	metrics    metrics.Recorder
	log        *logrus.Entry
}

// NewNormalizeUpdate creates the normalizer processor. A nil recorder or
// logger falls back to a no-op recorder and the standard logger.
func NewNormalizeUpdate(rec metrics.Recorder, logger *logrus.Entry) *NormalizeUpdate {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &NormalizeUpdate{
		metrics: metrics.OrNop(rec),
		log:     logger.WithField("component", "normalizer"),
	}
}

func (n *NormalizeUpdate) Subscribe(p Processor) {
	n.processors = append(n.processors, p)
}

func (n *NormalizeUpdate) Process(ctx context.Context, msg Message) error {
	update, ok := msg.Payload.(*pb.SubscribeUpdate)
	if !ok {
		return fmt.Errorf("expected *proto.SubscribeUpdate, got %T", msg.Payload)
	}

	ev := Normalize(update)
	n.metrics.UpdateReceived(string(ev.Kind))

	if ev.Kind == KindUnknown && update.GetUpdateOneof() != nil {
		n.log.WithField("variant", fmt.Sprintf("%T", update.GetUpdateOneof())).
			Warn("Unrecognized update variant, forwarding as unknown")
	}

	return ForwardToProcessors(ctx, Message{Payload: ev, Metadata: msg.Metadata}, n.processors)
}

var _ Processor = (*NormalizeUpdate)(nil)
