package api

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/pioner22/client-web-sub000/internal/bus"
	"github.com/pioner22/client-web-sub000/internal/chat"
	"github.com/pioner22/client-web-sub000/internal/lifecycle"
	"github.com/pioner22/client-web-sub000/internal/outbox"
	"github.com/pioner22/client-web-sub000/internal/persist"
	"github.com/pioner22/client-web-sub000/internal/sync"
	"github.com/pioner22/client-web-sub000/internal/userstate"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// DefaultEventPrefixes are streamed by WatchEvents when the request names none.
var DefaultEventPrefixes = []string{"transcript.", "outbox.", "history.", "session."}

// Snapshot is the read-only view a UI renders from.
type Snapshot struct {
	Conversations  map[chat.Key][]chat.Message      `json:"conversations"`
	Outbox         map[chat.Key][]chat.OutboxEntry `json:"outbox"`
	HistoryLoaded  map[chat.Key]bool               `json:"historyLoaded"`
	HistoryCursor  map[chat.Key]int64              `json:"historyCursor"`
	HistoryHasMore map[chat.Key]bool               `json:"historyHasMore"`
	HistoryLoading map[chat.Key]bool               `json:"historyLoading"`
	Drafts         persist.Drafts                  `json:"drafts"`
	Pinned         persist.Pins                    `json:"pinned"`
	PinnedMessages persist.PinnedMessages          `json:"pinnedMessages"`
	Transfers      persist.Transfers               `json:"transfers"`
	Active         chat.Key                        `json:"active"`
}

// EngineService implements EngineServer on top of the engine components.
type EngineService struct {
	sessionName string
	startedAt   time.Time
	coord       *lifecycle.Coordinator
	rec         *sync.Reconciler
	history     *sync.History
	outbox      *outbox.Manager
	user        *userstate.State
	bus         *bus.Bus
}

// NewEngineService creates the service.
func NewEngineService(
	sessionName string,
	coord *lifecycle.Coordinator,
	rec *sync.Reconciler,
	history *sync.History,
	ob *outbox.Manager,
	user *userstate.State,
	b *bus.Bus,
) *EngineService {
	return &EngineService{
		sessionName: sessionName,
		startedAt:   time.Now(),
		coord:       coord,
		rec:         rec,
		history:     history,
		outbox:      ob,
		user:        user,
		bus:         b,
	}
}

var _ EngineServer = (*EngineService)(nil)

// Snapshot returns every conversation, or only the one named by "key".
func (s *EngineService) Snapshot(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	keys := s.rec.Keys()
	if raw := stringField(req, "key"); raw != "" {
		key, err := keyField(req)
		if err != nil {
			return nil, err
		}
		keys = []chat.Key{key}
	}

	snap := Snapshot{
		Conversations:  make(map[chat.Key][]chat.Message, len(keys)),
		Outbox:         s.outbox.Snapshot(),
		HistoryLoaded:  make(map[chat.Key]bool, len(keys)),
		HistoryCursor:  make(map[chat.Key]int64, len(keys)),
		HistoryHasMore: make(map[chat.Key]bool, len(keys)),
		HistoryLoading: make(map[chat.Key]bool, len(keys)),
		Drafts:         s.user.Drafts(),
		Pinned:         s.user.Pins(),
		PinnedMessages: s.user.PinnedMessages(),
		Transfers:      s.user.Transfers(),
		Active:         s.rec.Active(),
	}
	for _, k := range keys {
		snap.Conversations[k] = s.rec.Messages(k)
		h := s.rec.History(k)
		snap.HistoryLoaded[k] = h.Loaded
		snap.HistoryCursor[k] = h.Cursor
		snap.HistoryHasMore[k] = h.HasMore
		snap.HistoryLoading[k] = h.Loading
	}

	out, err := toStruct(snap)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "snapshot: %v", err)
	}
	return out, nil
}

func (s *EngineService) Status(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st := s.coord.Status()
	out, err := structpb.NewStruct(map[string]any{
		"session":        s.sessionName,
		"transport":      string(st.Transport),
		"auth":           string(st.Auth),
		"ready":          st.Ready(),
		"user":           s.user.UserID(),
		"active":         string(s.rec.Active()),
		"outbox":         s.outbox.Len(),
		"uptime_ms":      time.Since(s.startedAt).Milliseconds(),
		"dropped_events": s.bus.Dropped(),
	})
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "status: %v", err)
	}
	return out, nil
}

func (s *EngineService) Login(_ context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	userID := strings.TrimSpace(stringField(req, "user_id"))
	if userID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "user_id is required")
	}
	if err := s.coord.Login(userID, stringField(req, "token")); err != nil {
		if errors.Is(err, lifecycle.ErrSignedIn) {
			return nil, grpcstatus.Error(codes.FailedPrecondition, err.Error())
		}
		return nil, grpcstatus.Errorf(codes.Internal, "login: %v", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *EngineService) Logout(_ context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.coord.Logout(); err != nil {
		return nil, grpcstatus.Errorf(codes.FailedPrecondition, "logout: %v", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *EngineService) SendText(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key, err := keyField(req)
	if err != nil {
		return nil, err
	}
	localID, err := s.coord.SendText(key, stringField(req, "text"))
	switch {
	case errors.Is(err, outbox.ErrEmptyText):
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, lifecycle.ErrNotSignedIn):
		return nil, grpcstatus.Error(codes.FailedPrecondition, err.Error())
	case err != nil:
		return nil, grpcstatus.Errorf(codes.Internal, "send: %v", err)
	}
	return structpb.NewStruct(map[string]any{"local_id": localID})
}

func (s *EngineService) RequestHistory(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key, err := keyField(req)
	if err != nil {
		return nil, err
	}
	limit, err := intField(req, "delta_limit")
	if err != nil {
		return nil, err
	}
	issued := s.history.RequestHistory(key, sync.RequestOptions{
		Force:      boolField(req, "force"),
		DeltaLimit: int(limit),
	})
	return structpb.NewStruct(map[string]any{"issued": issued})
}

func (s *EngineService) RequestMoreHistory(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key, err := keyField(req)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{"issued": s.history.RequestMore(key)})
}

// SetActive opens the conversation named by "key"; an empty key closes it.
func (s *EngineService) SetActive(_ context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	var key chat.Key
	if stringField(req, "key") != "" {
		k, err := keyField(req)
		if err != nil {
			return nil, err
		}
		key = k
	}
	if err := s.coord.Open(key); err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	return &emptypb.Empty{}, nil
}

func (s *EngineService) SetDraft(_ context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	key, err := keyField(req)
	if err != nil {
		return nil, err
	}
	if err := s.user.SetDraft(key, stringField(req, "text")); err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	return &emptypb.Empty{}, nil
}

func (s *EngineService) TogglePin(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key, err := keyField(req)
	if err != nil {
		return nil, err
	}
	pinned, err := s.user.TogglePin(key)
	if err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	return structpb.NewStruct(map[string]any{"pinned": pinned})
}

func (s *EngineService) TogglePinnedMessage(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key, err := keyField(req)
	if err != nil {
		return nil, err
	}
	id, err := intField(req, "id")
	if err != nil {
		return nil, err
	}
	pinned, err := s.user.TogglePinnedMessage(key, id)
	if err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	return structpb.NewStruct(map[string]any{"pinned": pinned})
}

// WatchEvents streams bus events whose kind starts with one of the
// request's "prefixes", or DefaultEventPrefixes.
func (s *EngineService) WatchEvents(req *structpb.Struct, stream EventStream) error {
	prefixes := DefaultEventPrefixes
	if list := field(req, "prefixes").GetListValue(); list != nil && len(list.GetValues()) > 0 {
		prefixes = nil
		for _, v := range list.GetValues() {
			prefixes = append(prefixes, v.GetStringValue())
		}
	}

	ch, unsub := s.bus.Subscribe("", 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			if !hasAnyPrefix(evt.Kind, prefixes) {
				continue
			}
			if err := stream.Send(&structpb.Struct{Fields: map[string]*structpb.Value{
				"kind":    structpb.NewStringValue(evt.Kind),
				"ts":      structpb.NewStringValue(evt.Timestamp.Format(time.RFC3339Nano)),
				"payload": toValue(evt.Payload),
			}}); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func hasAnyPrefix(kind string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(kind, p) {
			return true
		}
	}
	return false
}
