package peer

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrDuplicateEndpoint is returned when an endpoint is registered with
	// a name that already exists.
	ErrDuplicateEndpoint = errors.New("endpoint already registered")

	// ErrUnableToRouteMsg is returned when a message is unable to be
	// routed to any endpoints.
	ErrUnableToRouteMsg = errors.New("unable to route message")

	// ErrRouterShuttingDown is returned for requests made after Stop.
	ErrRouterShuttingDown = errors.New("router shutting down")
)

// EndPointName is the name of a given endpoint. This MUST be unique across all
// registered endpoints.
type EndPointName = string

// MsgEndpoint is a sub-system that processes incoming wire messages.
type MsgEndpoint interface {
	// Name returns the name of this endpoint. This MUST be unique across
	// all registered endpoints.
	Name() EndPointName

	// CanHandle returns true if the target message can be routed to this
	// endpoint.
	CanHandle(msg InboundMsg) bool

	// SendMessage handles the target message, and returns true if the
	// message was able to be processed.
	SendMessage(ctx context.Context, msg InboundMsg) bool
}

// queryMsg is a message sent into the main event loop to query or modify the
// internal state.
type queryMsg[Q any, R any] struct {
	query Q

	respChan chan fn.Either[R, error]
}

// sendQuery sends a query to the main event loop, and returns the response.
func sendQuery[Q any, R any](sendChan chan queryMsg[Q, R], queryArg Q,
	quit chan struct{}) fn.Either[R, error] {

	query := queryMsg[Q, R]{
		query:    queryArg,
		respChan: make(chan fn.Either[R, error], 1),
	}

	if !fn.SendOrQuit(sendChan, query, quit) {
		return fn.NewRight[R](ErrRouterShuttingDown)
	}

	resp, err := fn.RecvResp(query.respChan, nil, quit)
	if err != nil {
		return fn.NewRight[R](err)
	}

	return resp
}

// sendQueryErr is used when the query only needs an error response.
func sendQueryErr[Q any](sendChan chan queryMsg[Q, error], queryArg Q,
	quit chan struct{}) error {

	var err error
	resp := sendQuery(sendChan, queryArg, quit)
	resp.WhenRight(func(e error) {
		err = e
	})
	resp.WhenLeft(func(e error) {
		err = e
	})

	return err
}

// EndpointsMap is a map of all registered endpoints.
type EndpointsMap map[EndPointName]MsgEndpoint

// MultiMsgRouter routes incoming peer messages to every registered endpoint
// that can handle them. Messages are handed to endpoints one at a time in
// arrival order.
type MultiMsgRouter struct {
	startOnce sync.Once
	stopOnce  sync.Once

	registerChan    chan queryMsg[MsgEndpoint, error]
	unregisterChan  chan queryMsg[EndPointName, error]
	msgChan         chan queryMsg[InboundMsg, error]
	endpointQueries chan queryMsg[struct{}, EndpointsMap]

	cancel context.CancelFunc
	wg     sync.WaitGroup
	quit   chan struct{}
}

// NewMultiMsgRouter creates a new instance of a peer message router.
func NewMultiMsgRouter() *MultiMsgRouter {
	return &MultiMsgRouter{
		registerChan:    make(chan queryMsg[MsgEndpoint, error]),
		unregisterChan:  make(chan queryMsg[EndPointName, error]),
		msgChan:         make(chan queryMsg[InboundMsg, error]),
		endpointQueries: make(chan queryMsg[struct{}, EndpointsMap]),
		quit:            make(chan struct{}),
	}
}

// Start launches the routing goroutine. Endpoints are called with a context
// derived from ctx that is cancelled on Stop.
func (p *MultiMsgRouter) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		peerLog.Infof("Starting MsgRouter")

		ctx, p.cancel = context.WithCancel(ctx)

		p.wg.Add(1)
		go p.msgRouter(ctx)
	})
}

// Stop stops the router and waits for the routing goroutine to exit.
func (p *MultiMsgRouter) Stop() {
	p.stopOnce.Do(func() {
		peerLog.Infof("Stopping MsgRouter")

		close(p.quit)
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
	})
}

// RegisterEndpoint registers a new endpoint with the router. If a duplicate
// endpoint exists, an error is returned.
func (p *MultiMsgRouter) RegisterEndpoint(endpoint MsgEndpoint) error {
	return sendQueryErr(p.registerChan, endpoint, p.quit)
}

// UnregisterEndpoint unregisters the target endpoint from the router.
func (p *MultiMsgRouter) UnregisterEndpoint(name EndPointName) error {
	return sendQueryErr(p.unregisterChan, name, p.quit)
}

// RouteMsg hands the message to every endpoint that can handle it. It returns
// ErrUnableToRouteMsg if no endpoint processed it.
func (p *MultiMsgRouter) RouteMsg(msg InboundMsg) error {
	if msg.Msg == nil {
		return fmt.Errorf("nil message: %w", ErrUnableToRouteMsg)
	}

	return sendQueryErr(p.msgChan, msg, p.quit)
}

// Endpoints returns a copy of the registered endpoints.
func (p *MultiMsgRouter) Endpoints() EndpointsMap {
	resp := sendQuery(p.endpointQueries, struct{}{}, p.quit)

	var endpoints EndpointsMap
	resp.WhenLeft(func(e EndpointsMap) {
		endpoints = e
	})

	return endpoints
}

// msgRouter is the main goroutine that handles all requests.
func (p *MultiMsgRouter) msgRouter(ctx context.Context) {
	defer p.wg.Done()

	endpoints := make(EndpointsMap)

	for {
		select {
		case req := <-p.registerChan:
			endpoint := req.query
			name := endpoint.Name()

			if _, ok := endpoints[name]; ok {
				peerLog.Errorf("MsgRouter: rejecting "+
					"duplicate endpoint: %v", name)

				req.respChan <- fn.NewRight[error](
					ErrDuplicateEndpoint,
				)

				continue
			}

			peerLog.Infof("MsgRouter: registering new "+
				"MsgEndpoint(%s)", name)

			endpoints[name] = endpoint
			req.respChan <- fn.NewRight[error, error](nil)

		case req := <-p.unregisterChan:
			delete(endpoints, req.query)

			peerLog.Infof("MsgRouter: unregistering "+
				"MsgEndpoint(%s)", req.query)

			req.respChan <- fn.NewRight[error, error](nil)

		case req := <-p.msgChan:
			msg := req.query

			var handled bool
			for _, endpoint := range endpoints {
				if !endpoint.CanHandle(msg) {
					continue
				}

				peerLog.Tracef("MsgRouter: sending %v to "+
					"endpoint %s", msg.Msg.MsgType(),
					endpoint.Name())

				handled = endpoint.SendMessage(ctx, msg) ||
					handled
			}

			var err error
			if !handled {
				peerLog.Debugf("MsgRouter: unable to route "+
					"%v", msg.Msg.MsgType())

				err = ErrUnableToRouteMsg
			}

			req.respChan <- fn.NewRight[error](err)

		case req := <-p.endpointQueries:
			endpointsCopy := make(EndpointsMap, len(endpoints))
			maps.Copy(endpointsCopy, endpoints)

			req.respChan <- fn.NewLeft[EndpointsMap, error](
				endpointsCopy,
			)

		case <-p.quit:
			return
		}
	}
}
