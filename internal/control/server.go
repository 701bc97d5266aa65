package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"shmbus/internal/callgroup"
	"shmbus/internal/logging"
)

// Dispatcher is what the broker supplies to turn control-channel requests
// into port-graph/segment-manager effects. Descriptor mirrors
// portgraph.Descriptor by field, kept separate so this package never
// imports portgraph: the wiring between wire records and port-graph types
// belongs to internal/broker, not to the protocol.
type Dispatcher interface {
	RegApp(appName string, pid uint64) (appID uuid.UUID, segments []SegmentDescriptor, err error)
	UnregApp(appID uuid.UUID) error
	CreatePub(appID uuid.UUID, service, instance, event string, historyDepth, maxConnections uint32) (uuid.UUID, error)
	CreateSub(appID uuid.UUID, service, instance, event string, requestedHistory, queueCapacity uint32, overflowPolicy uint8) (uuid.UUID, error)
	RemovePort(appID uuid.UUID, handle uuid.UUID) error
	KeepAlive(appID uuid.UUID) error
}

// Server accepts control-channel connections and dispatches each
// well-formed record to a Dispatcher, one reader goroutine per client
// connection, all supervised by a single errgroup the way the teacher's
// orchestrator supervises its worker goroutines (internal/orchestrator/lifecycle.go).
type Server struct {
	listener   net.Listener
	dispatcher Dispatcher
	logger     *slog.Logger

	dedup callgroup.Group[string]
}

// NewServer builds a Server that will accept on listener and dispatch
// through d.
func NewServer(listener net.Listener, d Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{listener: listener, dispatcher: d, logger: logger}
}

// Serve accepts connections until ctx is cancelled or the listener
// errors, handling each one in its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		return s.listener.Close()
	})

	g.Go(func() error {
		for {
			nc, err := s.listener.Accept()
			if err != nil {
				if errors.Is(ctx.Err(), context.Canceled) {
					return nil
				}
				return err
			}
			g.Go(func() error {
				s.handleConn(ctx, NewConn(nc))
				return nil
			})
		}
	})

	return g.Wait()
}

func (s *Server) handleConn(ctx context.Context, conn *Conn) {
	defer conn.Close()
	for {
		if ctx.Err() != nil {
			return
		}
		req, err := conn.ReadRecord()
		if err != nil {
			return
		}
		reply := s.dispatch(req)
		if err := conn.WriteRecord(reply); err != nil {
			return
		}
	}
}

// dispatch deduplicates by (AppID, RequestID) via callgroup so a client
// that retries a request after a slow/lost reply doesn't double-apply it
// (e.g. a second CREATE_PUB for the same RequestID must not allocate a
// second port).
func (s *Server) dispatch(req Record) Record {
	key := fmt.Sprintf("%s:%d", req.AppID, req.RequestID)
	ch := s.dedup.DoChan(key, func() error {
		return &dispatchResult{reply: s.execute(req)}
	})
	var res *dispatchResult
	errors.As(<-ch, &res)
	reply := res.reply
	reply.RequestID = req.RequestID
	if req.Kind != KindRegApp {
		reply.AppID = req.AppID
	}
	return reply
}

// dispatchResult carries one execution's reply through callgroup's error
// channel, so every caller collapsed onto that execution receives it.
type dispatchResult struct{ reply Record }

func (d *dispatchResult) Error() string { return "control: dispatch result" }

func (s *Server) execute(req Record) Record {
	switch req.Kind {
	case KindRegApp:
		appID, segs, err := s.dispatcher.RegApp(req.AppName, req.PID)
		if err != nil {
			return errorReply(KindRegAppReply, err)
		}
		return Record{Kind: KindRegAppReply, AppID: appID, Segments: segs}

	case KindUnregApp:
		if err := s.dispatcher.UnregApp(req.AppID); err != nil {
			return errorReply(KindUnregAppReply, err)
		}
		return Record{Kind: KindUnregAppReply}

	case KindCreatePub:
		handle, err := s.dispatcher.CreatePub(req.AppID, req.Service, req.Instance, req.Event, req.HistoryDepth, req.MaxConnections)
		if err != nil {
			return errorReply(KindCreatePubReply, err)
		}
		return Record{Kind: KindCreatePubReply, PortHandle: handle}

	case KindCreateSub:
		handle, err := s.dispatcher.CreateSub(req.AppID, req.Service, req.Instance, req.Event, req.HistoryDepth, req.QueueCapacity, req.OverflowPolicy)
		if err != nil {
			return errorReply(KindCreateSubReply, err)
		}
		return Record{Kind: KindCreateSubReply, PortHandle: handle}

	case KindRemovePort:
		if err := s.dispatcher.RemovePort(req.AppID, req.PortHandle); err != nil {
			return errorReply(KindRemovePortReply, err)
		}
		return Record{Kind: KindRemovePortReply}

	case KindKeepAlive:
		if err := s.dispatcher.KeepAlive(req.AppID); err != nil {
			return errorReply(KindKeepAliveReply, err)
		}
		return Record{Kind: KindKeepAliveReply}

	default:
		return Record{Kind: req.Kind, ErrorCode: ErrMalformed}
	}
}

func errorReply(kind Kind, err error) Record {
	code := ErrMalformed
	switch {
	case errors.Is(err, errUnknownApp):
		code = ErrUnknownApp
	case errors.Is(err, errUnknownHandle):
		code = ErrUnknownHandle
	case errors.Is(err, errPortCapacity):
		code = ErrPortCapacity
	}
	return Record{Kind: kind, ErrorCode: code}
}

// Sentinel errors a Dispatcher implementation can wrap with fmt.Errorf's
// %w so errorReply can classify them onto the wire's ErrorCode taxonomy
// without this package importing the broker's concrete error types.
var (
	errUnknownApp    = errors.New("control: unknown app")
	errUnknownHandle = errors.New("control: unknown handle")
	errPortCapacity  = errors.New("control: port capacity reached")
)

// ErrUnknownAppDispatch, ErrUnknownHandleDispatch, ErrPortCapacityDispatch
// are the exported forms Dispatcher implementations wrap to get that
// classification; control itself never returns them. Named distinctly
// from the ErrorCode constants of the same concept (ErrUnknownApp etc.,
// above) since both live in this package.
var (
	ErrUnknownAppDispatch    = errUnknownApp
	ErrUnknownHandleDispatch = errUnknownHandle
	ErrPortCapacityDispatch  = errPortCapacity
)
